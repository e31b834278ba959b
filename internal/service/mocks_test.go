package service

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
)

var errBackend = errors.New("backend unavailable")

// memoryAPI is an in-memory repo.DataAPI
type memoryAPI struct {
	mu       sync.Mutex
	presence map[string]domain.PresenceRecord
	typing   []domain.TypingState
	votes    map[domain.TargetKey]int
	voted    map[domain.TargetKey]bool
	voteErr  error
	items    []domain.Item
	badges   []string

	// When set, feed fetches signal after reading and wait for release before returning
	feedRead    chan struct{}
	feedRelease chan struct{}
}

func newMemoryAPI() *memoryAPI {
	return &memoryAPI{
		presence: make(map[string]domain.PresenceRecord),
		votes:    make(map[domain.TargetKey]int),
		voted:    make(map[domain.TargetKey]bool),
	}
}

func (m *memoryAPI) UpsertPresence(ctx context.Context, record domain.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence[record.SubjectID] = record
	return nil
}

func (m *memoryAPI) QueryPresence(ctx context.Context, ids []string) ([]domain.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PresenceRecord
	for _, id := range ids {
		if r, ok := m.presence[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryAPI) UpsertTyping(ctx context.Context, state domain.TypingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, state)
	return nil
}

func (m *memoryAPI) ToggleVote(ctx context.Context, target domain.TargetKey) (*domain.VoteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voteErr != nil {
		return nil, m.voteErr
	}
	outcome := domain.VoteApplied
	if m.voted[target] {
		outcome = domain.VoteRemoved
		m.votes[target]--
	} else {
		m.votes[target]++
	}
	m.voted[target] = !m.voted[target]
	count := m.votes[target]
	return &domain.VoteResult{Outcome: outcome, Count: &count}, nil
}

func (m *memoryAPI) FetchFeedPage(ctx context.Context, query domain.FeedQuery) (*domain.FeedPageResponse, error) {
	resp := m.readFeedPage(query)

	m.mu.Lock()
	read, release := m.feedRead, m.feedRelease
	m.mu.Unlock()
	if read != nil {
		read <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return resp, nil
}

func (m *memoryAPI) readFeedPage(query domain.FeedQuery) *domain.FeedPageResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := (query.Page - 1) * query.Limit
	if start > len(m.items) {
		start = len(m.items)
	}
	end := start + query.Limit
	if end > len(m.items) {
		end = len(m.items)
	}
	total := len(m.items)
	page := append([]domain.Item(nil), m.items[start:end]...)
	return &domain.FeedPageResponse{Items: page, TotalCount: &total}
}

func (m *memoryAPI) AwardFirstUpvote(ctx context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badges = append(m.badges, subjectID)
	return nil
}

func (m *memoryAPI) Name() string                   { return "memory" }
func (m *memoryAPI) Ping(ctx context.Context) error { return nil }
func (m *memoryAPI) Close() error                   { return nil }

// seedItem adds a feed item the caller has already voted on when upvoted is set
func (m *memoryAPI) seedItem(item domain.Item, score int, upvoted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Score = &score
	item.Upvoted = upvoted
	m.items = append(m.items, item)
	m.votes[item.Target()] = score
	m.voted[item.Target()] = upvoted
}

func (m *memoryAPI) typingWrites() []domain.TypingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TypingState(nil), m.typing...)
}

// fakeRealtime delivers published rows synchronously to matching subscribers
type fakeRealtime struct {
	mu           sync.Mutex
	handlers     map[int]fakeSubscription
	nextID       int
	subscribeErr error
}

type fakeSubscription struct {
	filter  domain.ChangeFilter
	handler repo.ChangeHandler
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{handlers: make(map[int]fakeSubscription)}
}

func (f *fakeRealtime) Subscribe(ctx context.Context, filter domain.ChangeFilter, handler repo.ChangeHandler) (repo.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.nextID++
	id := f.nextID
	f.handlers[id] = fakeSubscription{filter: filter, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.handlers, id)
		})
	}, nil
}

func (f *fakeRealtime) Close() error { return nil }

func (f *fakeRealtime) publish(table string, record any) {
	raw, _ := json.Marshal(record)
	var row map[string]any
	_ = json.Unmarshal(raw, &row)

	f.mu.Lock()
	var targets []repo.ChangeHandler
	for _, sub := range f.handlers {
		if sub.filter.Matches(table, row) {
			targets = append(targets, sub.handler)
		}
	}
	f.mu.Unlock()

	event := domain.ChangeEvent{Table: table, Type: domain.ChangeUpdate, Record: raw}
	for _, h := range targets {
		h(event)
	}
}

func (f *fakeRealtime) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}
