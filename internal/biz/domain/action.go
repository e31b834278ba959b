package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrActionBusy is returned when a mutation for the same target is still in flight
	ErrActionBusy = errors.New("action already in flight for target")

	// ErrClosed is returned by components used after teardown
	ErrClosed = errors.New("component closed")
)

// TargetKind is the kind of votable content
type TargetKind string

const (
	TargetThread TargetKind = "thread"
	TargetReply  TargetKind = "reply"
)

// Valid reports whether k is a known target kind
func (k TargetKind) Valid() bool {
	return k == TargetThread || k == TargetReply
}

// TargetKey identifies a votable target
type TargetKey struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func (k TargetKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

// ActionState is the rendered state of a toggle action on a target
type ActionState struct {
	Applied bool `json:"applied"`
	Count   int  `json:"count"`
}

// Flipped returns the state after toggling locally
func (s ActionState) Flipped() ActionState {
	if s.Applied {
		count := s.Count - 1
		if count < 0 {
			count = 0
		}
		return ActionState{Applied: false, Count: count}
	}
	return ActionState{Applied: true, Count: s.Count + 1}
}

// OptimisticAction is a locally applied toggle awaiting server confirmation
type OptimisticAction struct {
	Target           TargetKey
	LocalApplied     bool
	PendingRequestID string
	Original         ActionState // Restored on rollback
	Applied          ActionState // Rendered while in flight
	StartedAt        time.Time
}

// VoteOutcome is the server-reported result of a toggle
type VoteOutcome string

const (
	VoteApplied VoteOutcome = "applied"
	VoteRemoved VoteOutcome = "removed"
)

// VoteResult is the response to a vote toggle
type VoteResult struct {
	Outcome VoteOutcome `json:"action"`
	Count   *int        `json:"count,omitempty"` // Authoritative count, if the backend reports it
}

// Resolve merges the server result with the locally assumed state.
// Server-reported values win since they include concurrent votes from other users.
func (r VoteResult) Resolve(assumed ActionState) ActionState {
	state := ActionState{
		Applied: r.Outcome == VoteApplied,
		Count:   assumed.Count,
	}
	if r.Count != nil {
		state.Count = *r.Count
	} else if state.Applied != assumed.Applied {
		// Server disagreed with the flip; adjust the assumed count to match its outcome
		if state.Applied {
			state.Count++
		} else if state.Count > 0 {
			state.Count--
		}
	}
	return state
}
