package domain

import (
	"sort"
	"time"
)

// TypingPhase is the local typing state machine phase
type TypingPhase string

const (
	TypingIdle   TypingPhase = "idle"
	TypingActive TypingPhase = "typing"
)

// DefaultTypingTimeout is how long a typing status stays valid without fresh activity
const DefaultTypingTimeout = 3 * time.Second

// TypingState is one subject's typing status in one conversation
type TypingState struct {
	ConversationID string    `json:"conversation_id"`
	SubjectID      string    `json:"subject_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	IsTyping       bool      `json:"is_typing"`
	LastTypedAt    time.Time `json:"last_typed_at"`
}

// IsCurrentlyTyping re-derives the typing flag; a stale true expires without an explicit stop
func (s TypingState) IsCurrentlyTyping(now time.Time, timeout time.Duration) bool {
	return s.IsTyping && WithinWindow(s.LastTypedAt, now, timeout)
}

// ExpiresAt returns when a typing record stops counting as typing
func (s TypingState) ExpiresAt(timeout time.Duration) time.Time {
	return s.LastTypedAt.Add(timeout)
}

// Label returns the name shown in the typing indicator
func (s TypingState) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.SubjectID
}

// ActiveTypers returns the distinct, sorted labels of subjects currently typing in conversationID.
// Records of excludeSubject are skipped.
func ActiveTypers(records []TypingState, conversationID, excludeSubject string, now time.Time, timeout time.Duration) []string {
	seen := make(map[string]struct{})
	names := []string{}
	for _, r := range records {
		if r.ConversationID != conversationID || r.SubjectID == excludeSubject {
			continue
		}
		if !r.IsCurrentlyTyping(now, timeout) {
			continue
		}
		label := r.Label()
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		names = append(names, label)
	}
	sort.Strings(names)
	return names
}
