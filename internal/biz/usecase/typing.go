package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
	"github.com/forumline/livecore/internal/infra/clock"
)

const (
	typingWriteTimeout = 5 * time.Second
	typingOutboxSize   = 16
)

// TypingParticipant identifies the local user in one conversation
type TypingParticipant struct {
	ConversationID string
	SubjectID      string
	DisplayName    string
}

// TypingController runs the local typing state machine for one conversation
// and aggregates the typing status of remote participants.
type TypingController struct {
	typingRepo repo.TypingRepo
	clock      clock.Clock
	timeout    time.Duration
	self       TypingParticipant

	mu              sync.Mutex
	phase           domain.TypingPhase
	idleTimer       clock.Timer
	idleGen         int
	lastBroadcastAt time.Time
	remote          map[string]domain.TypingState
	expiry          map[string]clock.Timer
	unsubs          []repo.Unsubscribe
	onChange        func(typers []string)
	closed          bool

	// Broadcasts are written in order by a single goroutine
	outbox  chan domain.TypingState
	pending sync.WaitGroup
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTypingController creates a controller and starts its broadcast writer
func NewTypingController(typingRepo repo.TypingRepo, clk clock.Clock, timeout time.Duration, self TypingParticipant) *TypingController {
	if timeout <= 0 {
		timeout = domain.DefaultTypingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &TypingController{
		typingRepo: typingRepo,
		clock:      clk,
		timeout:    timeout,
		self:       self,
		phase:      domain.TypingIdle,
		remote:     make(map[string]domain.TypingState),
		expiry:     make(map[string]clock.Timer),
		outbox:     make(chan domain.TypingState, typingOutboxSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go c.run()
	return c
}

// SetChangeCallback sets the callback that receives the typing list whenever it may have changed
func (c *TypingController) SetChangeCallback(callback func(typers []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = callback
}

// ConversationID returns the conversation this controller serves
func (c *TypingController) ConversationID() string {
	return c.self.ConversationID
}

// Phase returns the local state machine phase
func (c *TypingController) Phase() domain.TypingPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// NotifyLocalActivity records a keystroke or other local activity.
// Only the Idle to Typing transition broadcasts; every call re-arms the idle timer.
func (c *TypingController) NotifyLocalActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	now := c.clock.Now()
	switch {
	case c.phase == domain.TypingIdle:
		c.phase = domain.TypingActive
		c.broadcastLocked(true, now)
		c.lastBroadcastAt = now
	case now.Sub(c.lastBroadcastAt) >= c.timeout:
		// Keep-alive so remote staleness windows do not lapse during long bursts
		c.broadcastLocked(true, now)
		c.lastBroadcastAt = now
	}

	c.armIdleLocked()
}

// NotifyStop ends typing explicitly (message sent, input cleared). No-op while idle.
func (c *TypingController) NotifyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.phase == domain.TypingIdle {
		return
	}
	c.stopIdleLocked()
	c.phase = domain.TypingIdle
	c.broadcastLocked(false, c.clock.Now())
}

func (c *TypingController) armIdleLocked() {
	c.stopIdleLocked()
	gen := c.idleGen
	c.idleTimer = c.clock.AfterFunc(c.timeout, func() {
		c.onIdle(gen)
	})
}

func (c *TypingController) stopIdleLocked() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *TypingController) onIdle(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.idleGen || c.phase != domain.TypingActive {
		return
	}
	c.idleTimer = nil
	c.phase = domain.TypingIdle
	c.broadcastLocked(false, c.clock.Now())
}

func (c *TypingController) broadcastLocked(typing bool, now time.Time) {
	state := domain.TypingState{
		ConversationID: c.self.ConversationID,
		SubjectID:      c.self.SubjectID,
		DisplayName:    c.self.DisplayName,
		IsTyping:       typing,
		LastTypedAt:    now,
	}

	c.pending.Add(1)
	select {
	case c.outbox <- state:
	default:
		c.pending.Done()
		typingBroadcastTotal.WithLabelValues(typingLabel(typing), "dropped").Inc()
		slog.Warn("[TYPING] Outbox full, dropping broadcast",
			"conversation", c.self.ConversationID, "is_typing", typing)
	}
}

func (c *TypingController) run() {
	defer close(c.done)

	for state := range c.outbox {
		ctx, cancel := context.WithTimeout(c.ctx, typingWriteTimeout)
		err := c.typingRepo.UpsertTyping(ctx, state)
		cancel()

		typingBroadcastTotal.WithLabelValues(typingLabel(state.IsTyping), resultLabel(err)).Inc()
		if err != nil {
			slog.Warn("[TYPING] Broadcast failed",
				"conversation", state.ConversationID, "is_typing", state.IsTyping, "error", err)
		}
		c.pending.Done()
	}
}

// flush waits until every queued broadcast has been written
func (c *TypingController) flush() {
	c.pending.Wait()
}

// OnRemoteEvent applies a typing record received from the realtime channel.
// Records for other conversations, about the local subject, or older than what is held are ignored.
func (c *TypingController) OnRemoteEvent(state domain.TypingState) {
	c.mu.Lock()
	if c.closed || state.ConversationID != c.self.ConversationID ||
		state.SubjectID == "" || state.SubjectID == c.self.SubjectID {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.remote[state.SubjectID]; ok && existing.LastTypedAt.After(state.LastTypedAt) {
		c.mu.Unlock()
		return
	}
	c.remote[state.SubjectID] = state

	if t, ok := c.expiry[state.SubjectID]; ok {
		t.Stop()
		delete(c.expiry, state.SubjectID)
	}
	now := c.clock.Now()
	if state.IsCurrentlyTyping(now, c.timeout) {
		subject := state.SubjectID
		c.expiry[subject] = c.clock.AfterFunc(state.ExpiresAt(c.timeout).Sub(now), func() {
			c.onExpired(subject)
		})
	}

	typers, callback := c.typersLocked(now), c.onChange
	c.mu.Unlock()

	if callback != nil {
		callback(typers)
	}
}

func (c *TypingController) onExpired(subject string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.expiry, subject)
	typers, callback := c.typersLocked(c.clock.Now()), c.onChange
	c.mu.Unlock()

	if callback != nil {
		callback(typers)
	}
}

// Typers returns the distinct display names of remote participants currently typing
func (c *TypingController) Typers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typersLocked(c.clock.Now())
}

func (c *TypingController) typersLocked(now time.Time) []string {
	records := make([]domain.TypingState, 0, len(c.remote))
	for _, r := range c.remote {
		records = append(records, r)
	}
	return domain.ActiveTypers(records, c.self.ConversationID, c.self.SubjectID, now, c.timeout)
}

// Subscribe registers for typing changes of this conversation on the realtime channel
func (c *TypingController) Subscribe(ctx context.Context, realtime repo.RealtimeRepo) error {
	filter := domain.ChangeFilter{
		Table:  domain.TableTyping,
		Column: "conversation_id",
		Value:  c.self.ConversationID,
	}
	unsub, err := realtime.Subscribe(ctx, filter, func(event domain.ChangeEvent) {
		var state domain.TypingState
		if err := json.Unmarshal(event.Record, &state); err != nil {
			slog.Warn("[TYPING] Dropping undecodable change", "table", event.Table, "error", err)
			return
		}
		c.OnRemoteEvent(state)
	})
	if err != nil {
		return fmt.Errorf("subscribe typing %s: %w", c.self.ConversationID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return domain.ErrClosed
	}
	c.unsubs = append(c.unsubs, unsub)
	return nil
}

// Close cancels all timers, broadcasts a final stop if typing, drains the outbox and unsubscribes
func (c *TypingController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.phase == domain.TypingActive {
		c.broadcastLocked(false, c.clock.Now())
		c.phase = domain.TypingIdle
	}
	c.stopIdleLocked()
	for subject, t := range c.expiry {
		t.Stop()
		delete(c.expiry, subject)
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	close(c.outbox)
	c.mu.Unlock()

	<-c.done
	c.cancel()
	for _, unsub := range unsubs {
		unsub()
	}
	slog.Info("[TYPING] Closed", "conversation", c.self.ConversationID)
}

func typingLabel(typing bool) string {
	if typing {
		return "typing"
	}
	return "stopped"
}
