package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forumline/livecore/internal/biz/domain"
)

func TestScrollDriver_LoadsWhileSentinelVisible(t *testing.T) {
	repo := newMockFeedRepo()
	repo.setPage(1, &domain.FeedPageResponse{Items: feedItems("a", "b")}, nil)
	repo.setPage(2, &domain.FeedPageResponse{Items: feedItems("c", "d")}, nil)
	repo.setPage(3, &domain.FeedPageResponse{Items: feedItems("e")}, nil)
	feed := NewFeedPaginator(repo, 2)
	ctx := context.Background()
	require.NoError(t, feed.Load(ctx, domain.FeedFilters{}, domain.SortNew))

	d := NewScrollDriver(feed, 0)
	require.NoError(t, d.SentinelVisible(ctx, true))

	snap := feed.Snapshot()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, itemIDs(snap.Items))
	assert.False(t, snap.HasMore)
	assert.Equal(t, 3, repo.queryCount())
}

func TestScrollDriver_HiddenSentinelDoesNothing(t *testing.T) {
	repo := newMockFeedRepo()
	repo.setPage(1, &domain.FeedPageResponse{Items: feedItems("a", "b")}, nil)
	feed := NewFeedPaginator(repo, 2)
	ctx := context.Background()
	require.NoError(t, feed.Load(ctx, domain.FeedFilters{}, domain.SortNew))

	d := NewScrollDriver(feed, 0)
	require.NoError(t, d.SentinelVisible(ctx, false))
	assert.Equal(t, 1, repo.queryCount())
}

func TestScrollDriver_PaginationErrorSuppressesAutoLoad(t *testing.T) {
	repo := newMockFeedRepo()
	repo.setPage(1, &domain.FeedPageResponse{Items: feedItems("a", "b")}, nil)
	repo.setPage(2, nil, errBackend)
	feed := NewFeedPaginator(repo, 2)
	ctx := context.Background()
	require.NoError(t, feed.Load(ctx, domain.FeedFilters{}, domain.SortNew))

	d := NewScrollDriver(feed, 0)
	assert.ErrorIs(t, d.SentinelVisible(ctx, true), errBackend)
	assert.Equal(t, 2, repo.queryCount())

	// The sentinel stays in view but the error is shown; no retry storm
	require.NoError(t, d.SentinelVisible(ctx, true))
	assert.Equal(t, 2, repo.queryCount())

	repo.setPage(2, &domain.FeedPageResponse{Items: feedItems("c")}, nil)
	require.NoError(t, feed.Retry(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, itemIDs(feed.Snapshot().Items))
}

func TestScrollDriver_ScrollToTop(t *testing.T) {
	d := NewScrollDriver(NewFeedPaginator(newMockFeedRepo(), 20), 300)
	scrolled := 0
	d.SetScrollTopCallback(func() { scrolled++ })

	assert.True(t, d.NearTop())
	assert.False(t, d.ShowScrollToTop())

	d.Scrolled(300)
	assert.True(t, d.NearTop())

	d.Scrolled(1200)
	assert.False(t, d.NearTop())
	assert.True(t, d.ShowScrollToTop())

	d.ScrollToTop()
	assert.Equal(t, 1, scrolled)
	assert.True(t, d.NearTop())
}
