package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
	"github.com/forumline/livecore/internal/infra/clock"
)

const badgeAwardTimeout = 10 * time.Second

// ActionManager applies vote toggles optimistically and reconciles them with the server
type ActionManager struct {
	voteRepo  repo.VoteRepo
	badgeRepo repo.BadgeRepo
	clock     clock.Clock
	subjectID string

	mu           sync.Mutex
	states       map[domain.TargetKey]domain.ActionState
	inflight     map[domain.TargetKey]*domain.OptimisticAction
	settled      map[domain.TargetKey]uint64 // Sequence at which a target's last mutation settled
	seq          uint64
	badgeAwarded bool
	closed       bool
	onChange     func(target domain.TargetKey, state domain.ActionState)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewActionManager creates an action manager for subjectID.
// badgeRepo may be nil, in which case no badge is awarded.
func NewActionManager(voteRepo repo.VoteRepo, badgeRepo repo.BadgeRepo, clk clock.Clock, subjectID string) *ActionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ActionManager{
		voteRepo:  voteRepo,
		badgeRepo: badgeRepo,
		clock:     clk,
		subjectID: subjectID,
		states:    make(map[domain.TargetKey]domain.ActionState),
		inflight:  make(map[domain.TargetKey]*domain.OptimisticAction),
		settled:   make(map[domain.TargetKey]uint64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetChangeCallback sets the callback invoked whenever a target's rendered state changes
func (m *ActionManager) SetChangeCallback(callback func(target domain.TargetKey, state domain.ActionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = callback
}

// Sequence returns a token to take before fetching server state that will later be passed to Seed
func (m *ActionManager) Sequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Seed records server state for a target fetched when the sequence was issued.
// It is ignored while a mutation is in flight and when a mutation settled after the fetch was issued.
func (m *ActionManager) Seed(target domain.TargetKey, state domain.ActionState, issued uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inflight[target]; busy {
		return
	}
	if m.settled[target] > issued {
		slog.Debug("[ACTION] Ignoring state fetched before last vote", "target", target.String())
		return
	}
	m.states[target] = state
}

// State returns the rendered state of a target
func (m *ActionManager) State(target domain.TargetKey) (domain.ActionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[target]
	return s, ok
}

// Pending returns the in-flight action for a target, if any
func (m *ActionManager) Pending(target domain.TargetKey) (domain.OptimisticAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.inflight[target]
	if !ok {
		return domain.OptimisticAction{}, false
	}
	return *a, true
}

// Trigger toggles the caller's vote on target.
// The flipped state is rendered before the request is sent; on failure the exact prior state is restored
// and the error returned. A second trigger for a target already in flight returns domain.ErrActionBusy.
func (m *ActionManager) Trigger(ctx context.Context, target domain.TargetKey, currentCount int) (domain.ActionState, error) {
	if !target.Kind.Valid() || target.ID == "" {
		return domain.ActionState{}, fmt.Errorf("invalid vote target %q", target.String())
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ActionState{}, domain.ErrClosed
	}
	if _, busy := m.inflight[target]; busy {
		current := m.states[target]
		m.mu.Unlock()
		optimisticActionTotal.WithLabelValues("busy").Inc()
		return current, domain.ErrActionBusy
	}

	original := domain.ActionState{Applied: m.states[target].Applied, Count: currentCount}
	action := &domain.OptimisticAction{
		Target:           target,
		LocalApplied:     !original.Applied,
		PendingRequestID: uuid.NewString(),
		Original:         original,
		Applied:          original.Flipped(),
		StartedAt:        m.clock.Now(),
	}
	m.inflight[target] = action
	m.states[target] = action.Applied
	callback := m.onChange
	m.mu.Unlock()

	if callback != nil {
		callback(target, action.Applied)
	}

	result, err := m.voteRepo.ToggleVote(ctx, target)

	m.mu.Lock()
	delete(m.inflight, target)
	if m.closed {
		m.mu.Unlock()
		optimisticActionTotal.WithLabelValues("discarded").Inc()
		return action.Applied, domain.ErrClosed
	}

	m.seq++
	m.settled[target] = m.seq

	if err != nil {
		m.states[target] = action.Original
		callback = m.onChange
		m.mu.Unlock()

		optimisticActionTotal.WithLabelValues("rolled_back").Inc()
		slog.Warn("[ACTION] Vote failed, rolled back",
			"target", target.String(), "request_id", action.PendingRequestID, "error", err)
		if callback != nil {
			callback(target, action.Original)
		}
		return action.Original, fmt.Errorf("toggle vote %s: %w", target, err)
	}

	final := action.Applied
	if result != nil {
		final = result.Resolve(action.Applied)
	}
	m.states[target] = final

	award := final.Applied && !original.Applied && !m.badgeAwarded && m.badgeRepo != nil && m.subjectID != ""
	if award {
		m.badgeAwarded = true
		m.wg.Add(1)
	}
	callback = m.onChange
	m.mu.Unlock()

	optimisticActionTotal.WithLabelValues("confirmed").Inc()
	if callback != nil {
		callback(target, final)
	}
	if award {
		go m.awardFirstUpvote()
	}
	return final, nil
}

func (m *ActionManager) awardFirstUpvote() {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, badgeAwardTimeout)
	defer cancel()

	if err := m.badgeRepo.AwardFirstUpvote(ctx, m.subjectID); err != nil {
		slog.Warn("[ACTION] First upvote badge failed", "subject", m.subjectID, "error", err)
		return
	}
	slog.Info("[ACTION] First upvote badge awarded", "subject", m.subjectID)
}

// Close discards late responses and waits for background badge awards
func (m *ActionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
