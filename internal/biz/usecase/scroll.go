package usecase

import (
	"context"
	"sync"

	"github.com/forumline/livecore/internal/biz/domain"
)

// DefaultNearTopOffset is the scroll offset (px) below which the feed counts as near the top
const DefaultNearTopOffset = 400

// pager is the part of FeedPaginator the scroll driver sequences
type pager interface {
	LoadMore(ctx context.Context) error
	Snapshot() domain.FeedPage
}

// ScrollDriver turns viewport events into load-more calls and tracks the scroll-to-top affordance
type ScrollDriver struct {
	feed          pager
	nearTopOffset int

	mu          sync.Mutex
	visible     bool
	loading     bool
	offset      int
	onScrollTop func()
}

// NewScrollDriver creates a driver for feed
func NewScrollDriver(feed pager, nearTopOffset int) *ScrollDriver {
	if nearTopOffset <= 0 {
		nearTopOffset = DefaultNearTopOffset
	}
	return &ScrollDriver{feed: feed, nearTopOffset: nearTopOffset}
}

// SetScrollTopCallback sets the callback that performs the scroll to the top
func (d *ScrollDriver) SetScrollTopCallback(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onScrollTop = callback
}

// SentinelVisible reports the load-more sentinel entering or leaving the viewport.
// While it stays visible pages keep loading. A shown pagination error stops
// automatic loading until the user retries.
func (d *ScrollDriver) SentinelVisible(ctx context.Context, visible bool) error {
	d.mu.Lock()
	d.visible = visible
	if !visible || d.loading {
		d.mu.Unlock()
		return nil
	}
	d.loading = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.loading = false
		d.mu.Unlock()
	}()

	for {
		page := d.feed.Snapshot()
		if page.PaginationError != nil || !page.CanLoadMore() {
			return nil
		}
		if !d.sentinelVisible() || ctx.Err() != nil {
			return nil
		}
		if err := d.feed.LoadMore(ctx); err != nil {
			return err
		}
		// Stop if the load was discarded or skipped
		if d.feed.Snapshot().NextPage == page.NextPage {
			return nil
		}
	}
}

func (d *ScrollDriver) sentinelVisible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// Scrolled records the current scroll offset
func (d *ScrollDriver) Scrolled(offset int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	d.offset = offset
}

// NearTop reports whether the viewport is close to the top of the feed
func (d *ScrollDriver) NearTop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offset <= d.nearTopOffset
}

// ShowScrollToTop reports whether the scroll-to-top affordance should be shown
func (d *ScrollDriver) ShowScrollToTop() bool {
	return !d.NearTop()
}

// ScrollToTop resets the offset and asks the view to scroll
func (d *ScrollDriver) ScrollToTop() {
	d.mu.Lock()
	d.offset = 0
	callback := d.onScrollTop
	d.mu.Unlock()

	if callback != nil {
		callback()
	}
}
