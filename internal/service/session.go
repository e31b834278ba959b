package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/forumline/livecore/internal/biz"
	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
	"github.com/forumline/livecore/internal/biz/usecase"
	"github.com/forumline/livecore/internal/infra/clock"
)

// UpdateKind names the part of the session that changed
type UpdateKind string

const (
	UpdatePresence UpdateKind = "presence"
	UpdateTyping   UpdateKind = "typing"
	UpdateAction   UpdateKind = "action"
	UpdateFeed     UpdateKind = "feed"
)

// Update is a change notification for the UI layer
type Update struct {
	Kind           UpdateKind          `json:"kind"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Typers         []string            `json:"typers,omitempty"`
	Target         *domain.TargetKey   `json:"target,omitempty"`
	State          *domain.ActionState `json:"state,omitempty"`
}

// updateBuffer is the per-listener queue; a full queue drops updates
const updateBuffer = 32

// SessionConfig configures a live session
type SessionConfig struct {
	SubjectID     string
	DisplayName   string
	TypingTimeout time.Duration
	Usecases      biz.Options
}

// LiveSession owns every live component of one signed-in subject.
// It is constructed explicitly and torn down explicitly; nothing is global.
type LiveSession struct {
	data     repo.DataAPI
	realtime repo.RealtimeRepo // nil without a realtime channel
	clock    clock.Clock
	config   SessionConfig

	*biz.Usecases

	startMu sync.Mutex // Serializes Start

	mu            sync.Mutex
	conversations map[string]*usecase.TypingController
	listeners     map[int]chan Update
	nextListener  int
	started       bool
	closed        bool
}

// NewLiveSession creates a session; call Start to begin the heartbeat
func NewLiveSession(data repo.DataAPI, realtime repo.RealtimeRepo, clk clock.Clock, config SessionConfig) *LiveSession {
	config.Usecases.SubjectID = config.SubjectID
	s := &LiveSession{
		data:          data,
		realtime:      realtime,
		clock:         clk,
		config:        config,
		Usecases:      biz.NewUsecases(data, clk, config.Usecases),
		conversations: make(map[string]*usecase.TypingController),
		listeners:     make(map[int]chan Update),
	}

	s.Presence.SetChangeCallback(func() {
		s.emit(Update{Kind: UpdatePresence})
	})
	s.Actions.SetChangeCallback(func(target domain.TargetKey, state domain.ActionState) {
		s.emit(Update{Kind: UpdateAction, Target: &target, State: &state})
	})
	s.Feed.SetChangeCallback(func(domain.FeedPage) {
		s.emit(Update{Kind: UpdateFeed})
	})
	// Server vote state arrives with feed items; pages requested before a vote settled are ignored for it
	s.Feed.SetRequestStamp(s.Actions.Sequence)
	s.Feed.SetItemsCallback(func(items []domain.Item, issued uint64) {
		for _, it := range items {
			s.Actions.Seed(it.Target(), it.VoteState(), issued)
		}
	})
	return s
}

// SubjectID returns the signed-in subject
func (s *LiveSession) SubjectID() string {
	return s.config.SubjectID
}

// Start subscribes to presence changes and begins the heartbeat.
// A failed Start may be retried.
func (s *LiveSession) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.realtime != nil {
		if err := s.Presence.Subscribe(ctx, s.realtime); err != nil {
			return err
		}
	}
	if err := s.Presence.BeginHeartbeat(s.config.SubjectID); err != nil {
		return fmt.Errorf("begin heartbeat: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	slog.Info("[SESSION] Started", "subject", s.config.SubjectID, "backend", s.data.Name(),
		"realtime", s.realtime != nil)
	return nil
}

// OpenConversation returns the typing controller of a conversation, creating and subscribing it on first use
func (s *LiveSession) OpenConversation(ctx context.Context, conversationID string) (*usecase.TypingController, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if c, ok := s.conversations[conversationID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c := usecase.NewTypingController(s.data, s.clock, s.config.TypingTimeout, usecase.TypingParticipant{
		ConversationID: conversationID,
		SubjectID:      s.config.SubjectID,
		DisplayName:    s.config.DisplayName,
	})
	c.SetChangeCallback(func(typers []string) {
		s.emit(Update{Kind: UpdateTyping, ConversationID: conversationID, Typers: typers})
	})
	if s.realtime != nil {
		if err := c.Subscribe(ctx, s.realtime); err != nil {
			c.Close()
			return nil, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return nil, domain.ErrClosed
	}
	// Lost a race with a concurrent open
	if existing, ok := s.conversations[conversationID]; ok {
		s.mu.Unlock()
		c.Close()
		return existing, nil
	}
	s.conversations[conversationID] = c
	s.mu.Unlock()

	slog.Debug("[SESSION] Opened conversation", "conversation", conversationID)
	return c, nil
}

// Conversation returns the typing controller of an open conversation
func (s *LiveSession) Conversation(conversationID string) (*usecase.TypingController, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	return c, ok
}

// Conversations lists the open conversation ids
func (s *LiveSession) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseConversation stops typing for a conversation and releases its subscription
func (s *LiveSession) CloseConversation(conversationID string) {
	s.mu.Lock()
	c, ok := s.conversations[conversationID]
	delete(s.conversations, conversationID)
	s.mu.Unlock()

	if ok {
		c.Close()
	}
}

// ToggleVote triggers an optimistic vote using the last known count of the target
func (s *LiveSession) ToggleVote(ctx context.Context, target domain.TargetKey) (domain.ActionState, error) {
	count := 0
	if st, ok := s.Actions.State(target); ok {
		count = st.Count
	}
	return s.Actions.Trigger(ctx, target, count)
}

// Listen registers a listener for session updates.
// The returned function removes the listener and closes its channel.
func (s *LiveSession) Listen() (<-chan Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Update, updateBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if l, ok := s.listeners[id]; ok {
				delete(s.listeners, id)
				close(l)
			}
		})
	}
}

func (s *LiveSession) emit(update Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- update:
		default:
			slog.Debug("[SESSION] Listener queue full, dropping update", "kind", update.Kind)
		}
	}
}

// Close is Teardown
func (s *LiveSession) Close() {
	s.Teardown()
}

// Teardown stops every timer, drains typing broadcasts and invokes every unsubscribe handle.
// It is safe to call more than once.
func (s *LiveSession) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conversations := s.conversations
	s.conversations = make(map[string]*usecase.TypingController)
	s.mu.Unlock()

	for _, c := range conversations {
		c.Close()
	}
	s.Usecases.Close()

	s.mu.Lock()
	for id, ch := range s.listeners {
		delete(s.listeners, id)
		close(ch)
	}
	s.mu.Unlock()

	slog.Info("[SESSION] Torn down", "subject", s.config.SubjectID)
}
