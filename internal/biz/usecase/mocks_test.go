package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
)

var (
	errBackend = errors.New("backend unavailable")
	baseTime   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

// mockPresenceRepo is an in-memory presence store
type mockPresenceRepo struct {
	mu       sync.Mutex
	records  map[string]domain.PresenceRecord
	upserts  []domain.PresenceRecord
	queries  int
	failNext int
	failAll  bool

	// When set, queries signal started and wait for release
	queryStarted chan struct{}
	queryRelease chan struct{}
}

func newMockPresenceRepo() *mockPresenceRepo {
	return &mockPresenceRepo{records: make(map[string]domain.PresenceRecord)}
}

func (m *mockPresenceRepo) UpsertPresence(ctx context.Context, record domain.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, record)
	if m.failAll || m.failNext > 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		return errBackend
	}
	m.records[record.SubjectID] = record
	return nil
}

func (m *mockPresenceRepo) QueryPresence(ctx context.Context, ids []string) ([]domain.PresenceRecord, error) {
	m.mu.Lock()
	m.queries++
	started, release := m.queryStarted, m.queryRelease
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errBackend
	}
	var out []domain.PresenceRecord
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockPresenceRepo) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.upserts)
}

func (m *mockPresenceRepo) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// mockTypingRepo records every broadcast in order
type mockTypingRepo struct {
	mu      sync.Mutex
	writes  []domain.TypingState
	failAll bool
}

func (m *mockTypingRepo) UpsertTyping(ctx context.Context, state domain.TypingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, state)
	if m.failAll {
		return errBackend
	}
	return nil
}

func (m *mockTypingRepo) flags() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, 0, len(m.writes))
	for _, w := range m.writes {
		out = append(out, w.IsTyping)
	}
	return out
}

// mockVoteRepo blocks each toggle until released so tests can observe in-flight state
type mockVoteRepo struct {
	mu      sync.Mutex
	calls   int
	result  *domain.VoteResult
	err     error
	release chan struct{}
	started chan struct{}
}

func (m *mockVoteRepo) ToggleVote(ctx context.Context, target domain.TargetKey) (*domain.VoteResult, error) {
	m.mu.Lock()
	m.calls++
	result, err := m.result, m.err
	release, started := m.release, m.started
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return result, err
}

func (m *mockVoteRepo) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockBadgeRepo counts badge awards
type mockBadgeRepo struct {
	mu      sync.Mutex
	awarded []string
	err     error
	done    chan struct{}
}

func (m *mockBadgeRepo) AwardFirstUpvote(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	m.awarded = append(m.awarded, subjectID)
	err, done := m.err, m.done
	m.mu.Unlock()
	if done != nil {
		done <- struct{}{}
	}
	return err
}

// mockFeedRepo serves pages from a script keyed by page number
type mockFeedRepo struct {
	mu      sync.Mutex
	pages   map[int]*domain.FeedPageResponse
	errs    map[int]error
	queries []domain.FeedQuery
	gate    chan struct{}
}

func newMockFeedRepo() *mockFeedRepo {
	return &mockFeedRepo{
		pages: make(map[int]*domain.FeedPageResponse),
		errs:  make(map[int]error),
	}
}

func (m *mockFeedRepo) FetchFeedPage(ctx context.Context, query domain.FeedQuery) (*domain.FeedPageResponse, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	gate := m.gate
	resp, err := m.pages[query.Page], m.errs[query.Page]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &domain.FeedPageResponse{Items: []domain.Item{}}, nil
	}
	return resp, nil
}

func (m *mockFeedRepo) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

func (m *mockFeedRepo) setPage(page int, resp *domain.FeedPageResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page] = resp
	if err != nil {
		m.errs[page] = err
	} else {
		delete(m.errs, page)
	}
}

// mockRealtime delivers events synchronously to matching subscribers
type mockRealtime struct {
	mu       sync.Mutex
	handlers map[int]mockSubscription
	nextID   int
	unsubbed int
}

type mockSubscription struct {
	filter  domain.ChangeFilter
	handler repo.ChangeHandler
}

func newMockRealtime() *mockRealtime {
	return &mockRealtime{handlers: make(map[int]mockSubscription)}
}

func (m *mockRealtime) Subscribe(ctx context.Context, filter domain.ChangeFilter, handler repo.ChangeHandler) (repo.Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[id] = mockSubscription{filter: filter, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers, id)
			m.unsubbed++
		})
	}, nil
}

func (m *mockRealtime) Close() error { return nil }

func (m *mockRealtime) publish(table string, record any) {
	raw, _ := json.Marshal(record)
	var row map[string]any
	_ = json.Unmarshal(raw, &row)

	m.mu.Lock()
	var targets []repo.ChangeHandler
	for _, sub := range m.handlers {
		if sub.filter.Matches(table, row) {
			targets = append(targets, sub.handler)
		}
	}
	m.mu.Unlock()

	event := domain.ChangeEvent{Table: table, Type: domain.ChangeUpdate, Record: raw}
	for _, h := range targets {
		h(event)
	}
}

func (m *mockRealtime) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}
