package data

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumline/livecore/internal/biz/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *recordingPublisher) PublishChange(ctx context.Context, event domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func newTestStore(t *testing.T) (*SQLiteStore, *staticCredentials, *recordingPublisher) {
	t.Helper()
	creds := &staticCredentials{cred: &domain.Credential{Token: "t", SubjectID: "me"}}
	pub := &recordingPublisher{}
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "livecore.db"), creds, pub)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, creds, pub
}

func intPtr(n int) *int { return &n }

func timePtr(t time.Time) *time.Time { return &t }

func TestSQLiteStore_Presence(t *testing.T) {
	store, _, pub := newTestStore(t)
	ctx := context.Background()
	seen := time.Date(2024, 3, 1, 12, 0, 0, 123_000_000, time.UTC)

	require.NoError(t, store.UpsertPresence(ctx, domain.PresenceRecord{SubjectID: "alice", LastSeenAt: seen.Add(-time.Minute)}))
	require.NoError(t, store.UpsertPresence(ctx, domain.PresenceRecord{SubjectID: "alice", LastSeenAt: seen}))
	require.NoError(t, store.UpsertPresence(ctx, domain.PresenceRecord{SubjectID: "bob", LastSeenAt: seen}))

	records, err := store.QueryPresence(ctx, []string{"alice", "carol"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].SubjectID)
	assert.True(t, records[0].LastSeenAt.Equal(seen), "millisecond precision survives")

	assert.Len(t, pub.events, 3)
	assert.Equal(t, domain.TablePresence, pub.events[0].Table)
}

func TestSQLiteStore_TypingUpsertOnConflict(t *testing.T) {
	store, _, pub := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertTyping(ctx, domain.TypingState{ConversationID: "c1", SubjectID: "alice", DisplayName: "Alice", IsTyping: true, LastTypedAt: now}))
	require.NoError(t, store.UpsertTyping(ctx, domain.TypingState{ConversationID: "c1", SubjectID: "alice", DisplayName: "Alice", IsTyping: false, LastTypedAt: now.Add(time.Second)}))
	require.NoError(t, store.UpsertTyping(ctx, domain.TypingState{ConversationID: "c2", SubjectID: "alice", IsTyping: true, LastTypedAt: now}))

	states, err := store.ListTyping(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, states, 1, "one row per subject and conversation")
	assert.False(t, states[0].IsTyping)
	assert.True(t, states[0].LastTypedAt.Equal(now.Add(time.Second)))

	require.Len(t, pub.events, 3)
	assert.Equal(t, domain.TableTyping, pub.events[2].Table)
	assert.Contains(t, string(pub.events[2].Record), `"conversation_id":"c2"`)
}

func TestSQLiteStore_ToggleVote(t *testing.T) {
	store, creds, _ := newTestStore(t)
	ctx := context.Background()
	target := domain.TargetKey{Kind: domain.TargetThread, ID: "42"}

	result, err := store.ToggleVote(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, domain.VoteApplied, result.Outcome)
	assert.Equal(t, 1, *result.Count)

	creds.cred = &domain.Credential{Token: "t", SubjectID: "bob"}
	result, err = store.ToggleVote(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 2, *result.Count)

	creds.cred = &domain.Credential{Token: "t", SubjectID: "me"}
	result, err = store.ToggleVote(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, domain.VoteRemoved, result.Outcome)
	assert.Equal(t, 1, *result.Count)

	creds.cred = &domain.Credential{Token: "t"}
	_, err = store.ToggleVote(ctx, target)
	assert.Error(t, err, "subject required")
}

func seedFeed(t *testing.T, store *SQLiteStore, creds *staticCredentials) []domain.Item {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

	items := []domain.Item{
		{ID: "a", CategoryID: "go", Title: "Generics in practice", CreatedAt: at(0), ReplyCount: intPtr(5), LastReplyAt: timePtr(at(10))},
		{ID: "b", CategoryID: "go", Title: "100% coverage_myth", CreatedAt: at(1)},
		{ID: "c", CategoryID: "rust", Title: "Async traits", CreatedAt: at(2), ReplyCount: intPtr(5), LastReplyAt: timePtr(at(5))},
		{ID: "d", CategoryID: "meta", Title: "Forum rules", Pinned: true, CreatedAt: at(3), ReplyCount: intPtr(1)},
		{ID: "e", CategoryID: "go", Title: "Go 1.22 loopvar", CreatedAt: at(4), ReplyCount: intPtr(0), LastReplyAt: timePtr(at(20))},
	}
	require.NoError(t, store.SaveItems(ctx, items))

	vote := func(subject, id string) {
		creds.cred = &domain.Credential{Token: "t", SubjectID: subject}
		_, err := store.ToggleVote(ctx, domain.TargetKey{Kind: domain.TargetThread, ID: id})
		require.NoError(t, err)
	}
	vote("bob", "c")
	vote("bob", "a")
	vote("me", "c")
	return items
}

func fetchIDs(t *testing.T, store *SQLiteStore, query domain.FeedQuery) ([]string, *domain.FeedPageResponse) {
	t.Helper()
	resp, err := store.FetchFeedPage(context.Background(), query)
	require.NoError(t, err)
	ids := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		ids = append(ids, it.ID)
	}
	return ids, resp
}

func TestSQLiteStore_FeedOrderingMatchesSortItems(t *testing.T) {
	store, creds, _ := newTestStore(t)
	seedFeed(t, store, creds)

	expected := map[domain.SortMode][]string{
		domain.SortNew:    {"d", "e", "c", "b", "a"},
		domain.SortTop:    {"d", "c", "a", "e", "b"},
		domain.SortActive: {"d", "e", "a", "c", "b"},
		domain.SortHot:    {"d", "c", "a", "e", "b"},
	}
	for mode, want := range expected {
		t.Run(string(mode), func(t *testing.T) {
			ids, resp := fetchIDs(t, store, domain.FeedQuery{Page: 1, Limit: 20, Sort: mode})
			assert.Equal(t, want, ids)

			// The client comparator must agree with the SQL ordering
			resorted := append([]domain.Item(nil), resp.Items...)
			domain.SortItems(resorted, mode)
			for i := range resorted {
				assert.Equal(t, resp.Items[i].ID, resorted[i].ID)
			}
		})
	}
}

func TestSQLiteStore_FeedPagingAndFilters(t *testing.T) {
	store, creds, _ := newTestStore(t)
	seedFeed(t, store, creds)
	creds.cred = &domain.Credential{Token: "t", SubjectID: "me"}

	ids, resp := fetchIDs(t, store, domain.FeedQuery{Page: 2, Limit: 2, Sort: domain.SortNew})
	assert.Equal(t, []string{"c", "b"}, ids)
	require.NotNil(t, resp.TotalCount)
	assert.Equal(t, 5, *resp.TotalCount)
	assert.True(t, resp.Items[0].Upvoted, "caller's own vote is reported")
	assert.Equal(t, 2, *resp.Items[0].Score)
	assert.False(t, resp.Items[1].Upvoted)

	ids, resp = fetchIDs(t, store, domain.FeedQuery{FeedFilters: domain.FeedFilters{CategoryID: "go"}, Page: 1, Limit: 20, Sort: domain.SortNew})
	assert.Equal(t, []string{"e", "b", "a"}, ids)
	assert.Equal(t, 3, *resp.TotalCount)

	ids, _ = fetchIDs(t, store, domain.FeedQuery{FeedFilters: domain.FeedFilters{SearchQuery: "100%"}, Page: 1, Limit: 20, Sort: domain.SortNew})
	assert.Equal(t, []string{"b"}, ids, "LIKE wildcards in the query are literal")

	ids, _ = fetchIDs(t, store, domain.FeedQuery{FeedFilters: domain.FeedFilters{SearchQuery: "async"}, Page: 1, Limit: 20, Sort: domain.SortNew})
	assert.Equal(t, []string{"c"}, ids)
}

func TestSQLiteStore_BadgeIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	has, err := store.HasBadge(ctx, "me")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.AwardFirstUpvote(ctx, "me"))
	require.NoError(t, store.AwardFirstUpvote(ctx, "me"))

	has, err = store.HasBadge(ctx, "me")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLiteStore_Ping(t *testing.T) {
	store, _, _ := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, "sqlite", store.Name())
}
