package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
	"github.com/forumline/livecore/internal/infra/clock"
)

// presenceWriteTimeout bounds a single heartbeat write
const presenceWriteTimeout = 10 * time.Second

// presenceQueryTimeout bounds a shared presence query
const presenceQueryTimeout = 10 * time.Second

// PresenceTracker maintains this client's heartbeat and a cache of other subjects' presence
type PresenceTracker struct {
	presenceRepo repo.PresenceRepo
	clock        clock.Clock
	config       domain.PresenceConfig

	mu        sync.Mutex
	self      string
	records   map[string]domain.PresenceRecord
	watched   map[string]struct{}
	heartbeat clock.Timer
	refresh   clock.Timer
	beatGen   int
	closed    bool
	unsubs    []repo.Unsubscribe
	onChange  func()

	queries singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPresenceTracker creates a new presence tracker
func NewPresenceTracker(presenceRepo repo.PresenceRepo, clk clock.Clock, config domain.PresenceConfig) *PresenceTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &PresenceTracker{
		presenceRepo: presenceRepo,
		clock:        clk,
		config:       config,
		records:      make(map[string]domain.PresenceRecord),
		watched:      make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetChangeCallback sets the callback invoked whenever cached presence changes
func (t *PresenceTracker) SetChangeCallback(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = callback
}

// BeginHeartbeat writes a heartbeat for subjectID now and then every HeartbeatInterval.
// The next beat is armed only after the previous write returns. Calling it again restarts the cycle.
func (t *PresenceTracker) BeginHeartbeat(subjectID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrClosed
	}
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	t.self = subjectID
	t.beatGen++
	gen := t.beatGen
	t.mu.Unlock()

	slog.Info("[PRESENCE] Heartbeat started", "subject", subjectID, "interval", t.config.HeartbeatInterval)
	t.beat(subjectID, gen)
	return nil
}

// StopHeartbeat cancels the heartbeat timer
func (t *PresenceTracker) StopHeartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.beatGen++
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
}

func (t *PresenceTracker) beat(subjectID string, gen int) {
	record := domain.PresenceRecord{SubjectID: subjectID, LastSeenAt: t.clock.Now()}

	ctx, cancel := context.WithTimeout(t.ctx, presenceWriteTimeout)
	err := t.presenceRepo.UpsertPresence(ctx, record)
	cancel()
	heartbeatTotal.WithLabelValues(resultLabel(err)).Inc()

	t.mu.Lock()
	if err != nil {
		// Best effort: the next beat is the retry
		slog.Warn("[PRESENCE] Heartbeat failed", "subject", subjectID, "error", err)
	} else {
		t.mergeLocked(record)
	}
	if t.closed || gen != t.beatGen {
		t.mu.Unlock()
		return
	}
	t.heartbeat = t.clock.AfterFunc(t.config.HeartbeatInterval, func() {
		t.beat(subjectID, gen)
	})
	callback := t.onChange
	t.mu.Unlock()

	if err == nil && callback != nil {
		callback()
	}
}

// QueryPresence fetches last-seen timestamps for subjectIDs, merges them into the cache
// and returns the derived online status of every requested subject.
func (t *PresenceTracker) QueryPresence(ctx context.Context, subjectIDs []string) (map[string]bool, error) {
	ids := normalizeIDs(subjectIDs)
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	// Identical overlapping queries share one request, bound to the tracker rather than any one caller
	key := strings.Join(ids, ",")
	ch := t.queries.DoChan(key, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(t.ctx, presenceQueryTimeout)
		defer cancel()
		return t.presenceRepo.QueryPresence(qctx, ids)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("query presence: %w", ctx.Err())
	}
	if res.Err != nil {
		return nil, fmt.Errorf("query presence: %w", res.Err)
	}
	records := res.Val.([]domain.PresenceRecord)

	t.mu.Lock()
	for _, r := range records {
		t.mergeLocked(r)
	}
	statuses := t.statusesLocked(ids)
	callback := t.onChange
	t.mu.Unlock()

	if callback != nil {
		callback()
	}
	return statuses, nil
}

// OnRemoteUpdate merges a record pushed by the realtime channel.
// The merged record is still time-gated: a late delivery does not mean online.
func (t *PresenceTracker) OnRemoteUpdate(record domain.PresenceRecord) {
	t.mu.Lock()
	if t.closed || record.SubjectID == "" || record.SubjectID == t.self {
		t.mu.Unlock()
		return
	}
	t.mergeLocked(record)
	callback := t.onChange
	t.mu.Unlock()

	if callback != nil {
		callback()
	}
}

// Subscribe registers for presence row changes on the realtime channel
func (t *PresenceTracker) Subscribe(ctx context.Context, realtime repo.RealtimeRepo) error {
	filter := domain.ChangeFilter{Table: domain.TablePresence}
	unsub, err := realtime.Subscribe(ctx, filter, func(event domain.ChangeEvent) {
		var record domain.PresenceRecord
		if err := json.Unmarshal(event.Record, &record); err != nil {
			slog.Warn("[PRESENCE] Dropping undecodable change", "table", event.Table, "error", err)
			return
		}
		t.OnRemoteUpdate(record)
	})
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		unsub()
		return domain.ErrClosed
	}
	t.unsubs = append(t.unsubs, unsub)
	return nil
}

// Watch adds subjects to the periodically refreshed set
func (t *PresenceTracker) Watch(subjectIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range subjectIDs {
		if id != "" {
			t.watched[id] = struct{}{}
		}
	}
	if t.refresh == nil && !t.closed && len(t.watched) > 0 && t.config.RefreshInterval > 0 {
		t.refresh = t.clock.AfterFunc(t.config.RefreshInterval, t.refreshWatched)
	}
}

// Unwatch removes subjects from the refreshed set
func (t *PresenceTracker) Unwatch(subjectIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range subjectIDs {
		delete(t.watched, id)
	}
}

func (t *PresenceTracker) refreshWatched() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.watched))
	for id := range t.watched {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	if len(ids) > 0 {
		ctx, cancel := context.WithTimeout(t.ctx, presenceWriteTimeout)
		if _, err := t.QueryPresence(ctx, ids); err != nil {
			slog.Warn("[PRESENCE] Refresh failed", "subjects", len(ids), "error", err)
		}
		cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || len(t.watched) == 0 {
		t.refresh = nil
		return
	}
	t.refresh = t.clock.AfterFunc(t.config.RefreshInterval, t.refreshWatched)
}

// IsOnline derives the current status of one subject from the cache
func (t *PresenceTracker) IsOnline(subjectID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[subjectID]
	return ok && r.IsOnline(t.clock.Now(), t.config.OfflineThreshold)
}

// Statuses derives the current status of the given subjects from the cache
func (t *PresenceTracker) Statuses(subjectIDs []string) map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusesLocked(subjectIDs)
}

// Snapshot returns the cached records, ordered by subject
func (t *PresenceTracker) Snapshot() []domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.PresenceRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// Close stops all timers, cancels in-flight writes and unsubscribes
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.beatGen++
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	if t.refresh != nil {
		t.refresh.Stop()
		t.refresh = nil
	}
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	t.cancel()
	for _, unsub := range unsubs {
		unsub()
	}
	slog.Info("[PRESENCE] Closed")
}

func (t *PresenceTracker) mergeLocked(record domain.PresenceRecord) {
	if existing, ok := t.records[record.SubjectID]; ok {
		record = existing.Merge(record)
	}
	t.records[record.SubjectID] = record
}

func (t *PresenceTracker) statusesLocked(subjectIDs []string) map[string]bool {
	now := t.clock.Now()
	statuses := make(map[string]bool, len(subjectIDs))
	for _, id := range subjectIDs {
		r, ok := t.records[id]
		statuses[id] = ok && r.IsOnline(now, t.config.OfflineThreshold)
	}
	return statuses
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
