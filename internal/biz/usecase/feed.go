package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
)

// FeedPaginator accumulates pages of a feed in display order
type FeedPaginator struct {
	feedRepo repo.FeedRepo
	limit    int

	mu       sync.Mutex
	page     domain.FeedPage
	seen     map[string]struct{}
	received int // Raw items received across pages, duplicates included
	gen      int
	closed   bool
	onChange func(page domain.FeedPage)
	onItems  func(items []domain.Item, issued uint64)
	stamp    func() uint64
}

// NewFeedPaginator creates a paginator requesting limit items per page
func NewFeedPaginator(feedRepo repo.FeedRepo, limit int) *FeedPaginator {
	if limit <= 0 {
		limit = domain.DefaultPageLimit
	}
	return &FeedPaginator{
		feedRepo: feedRepo,
		limit:    limit,
		page:     domain.FeedPage{Sort: domain.SortHot, Items: []domain.Item{}, NextPage: 1},
		seen:     make(map[string]struct{}),
	}
}

// SetChangeCallback sets the callback that receives a snapshot after every state change
func (p *FeedPaginator) SetChangeCallback(callback func(page domain.FeedPage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = callback
}

// SetItemsCallback sets the callback that receives newly appended items together with
// the request stamp taken when their page was requested
func (p *FeedPaginator) SetItemsCallback(callback func(items []domain.Item, issued uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onItems = callback
}

// SetRequestStamp sets the function sampled before every page request
func (p *FeedPaginator) SetRequestStamp(stamp func() uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stamp = stamp
}

// Limit returns the page size
func (p *FeedPaginator) Limit() int {
	return p.limit
}

// Snapshot returns a copy of the current feed state
func (p *FeedPaginator) Snapshot() domain.FeedPage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Load resets the feed for new filters and sort and fetches the first page.
// Responses belonging to an earlier Load are discarded.
func (p *FeedPaginator) Load(ctx context.Context, filters domain.FeedFilters, sort domain.SortMode) error {
	if sort == "" {
		sort = domain.SortHot
	}
	issued := p.requestStamp()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrClosed
	}
	p.gen++
	gen := p.gen
	p.page = domain.FeedPage{
		Filters:   filters,
		Sort:      sort,
		Items:     []domain.Item{},
		NextPage:  1,
		HasMore:   true,
		IsLoading: true,
	}
	p.seen = make(map[string]struct{})
	p.received = 0
	query := p.queryLocked()
	p.notifyLocked()

	resp, err := p.feedRepo.FetchFeedPage(ctx, query)
	feedFetchTotal.WithLabelValues("fresh", resultLabel(err)).Inc()

	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		slog.Debug("[FEED] Discarding stale page", "page", query.Page, "sort", query.Sort)
		return nil
	}
	p.page.IsLoading = false
	if err != nil {
		p.page.LoadError = err
		p.page.HasMore = false
		p.notifyLocked()
		slog.Warn("[FEED] Load failed", "sort", sort, "category", filters.CategoryID, "error", err)
		return fmt.Errorf("load feed: %w", err)
	}
	p.applyLocked(resp, issued)
	return nil
}

// LoadMore appends the next page. It is a no-op while any load is in flight or when no more pages exist.
func (p *FeedPaginator) LoadMore(ctx context.Context) error {
	issued := p.requestStamp()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrClosed
	}
	if !p.page.CanLoadMore() {
		p.mu.Unlock()
		return nil
	}
	gen := p.gen
	p.page.IsLoadingMore = true
	p.page.PaginationError = nil
	query := p.queryLocked()
	p.notifyLocked()

	resp, err := p.feedRepo.FetchFeedPage(ctx, query)
	feedFetchTotal.WithLabelValues("more", resultLabel(err)).Inc()

	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		slog.Debug("[FEED] Discarding stale page", "page", query.Page, "sort", query.Sort)
		return nil
	}
	p.page.IsLoadingMore = false
	if err != nil {
		// Rendered items stay; the next page is re-requested on retry
		p.page.PaginationError = err
		p.notifyLocked()
		slog.Warn("[FEED] Load more failed", "page", query.Page, "error", err)
		return fmt.Errorf("load feed page %d: %w", query.Page, err)
	}
	p.applyLocked(resp, issued)
	return nil
}

// Retry re-requests the page that failed to load
func (p *FeedPaginator) Retry(ctx context.Context) error {
	return p.LoadMore(ctx)
}

// Close discards every response still in flight
func (p *FeedPaginator) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *FeedPaginator) requestStamp() uint64 {
	p.mu.Lock()
	stamp := p.stamp
	p.mu.Unlock()

	if stamp == nil {
		return 0
	}
	return stamp()
}

func (p *FeedPaginator) queryLocked() domain.FeedQuery {
	return domain.FeedQuery{
		FeedFilters: p.page.Filters,
		Page:        p.page.NextPage,
		Limit:       p.limit,
		Sort:        p.page.Sort,
	}
}

// applyLocked appends a received page and unlocks.
// Pinned items stay a prefix of the accumulated list across pages.
func (p *FeedPaginator) applyLocked(resp *domain.FeedPageResponse, issued uint64) {
	if resp == nil {
		resp = &domain.FeedPageResponse{}
	}

	incoming := make([]domain.Item, len(resp.Items))
	copy(incoming, resp.Items)
	domain.SortItems(incoming, p.page.Sort)

	before := len(p.page.Items)
	p.received += len(resp.Items)
	p.page.Items = domain.AppendUnique(p.page.Items, p.seen, incoming)
	p.page.HasMore = domain.DeriveHasMore(resp, p.received, p.limit)
	p.page.NextPage++

	added := make([]domain.Item, len(p.page.Items)-before)
	copy(added, p.page.Items[before:])
	domain.PinnedFirst(p.page.Items)
	onItems := p.onItems
	p.notifyLocked()

	if onItems != nil && len(added) > 0 {
		onItems(added, issued)
	}
}

// notifyLocked takes a snapshot, unlocks and runs the change callback
func (p *FeedPaginator) notifyLocked() {
	snap := p.snapshotLocked()
	callback := p.onChange
	p.mu.Unlock()

	if callback != nil {
		callback(snap)
	}
}

func (p *FeedPaginator) snapshotLocked() domain.FeedPage {
	snap := p.page
	snap.Items = make([]domain.Item, len(p.page.Items))
	copy(snap.Items, p.page.Items)
	return snap
}
