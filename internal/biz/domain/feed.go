package domain

import (
	"fmt"
	"sort"
	"time"
)

// SortMode is a feed ordering
type SortMode string

const (
	SortHot    SortMode = "hot"
	SortNew    SortMode = "new"
	SortTop    SortMode = "top"
	SortActive SortMode = "active"
)

// DefaultPageLimit is the page size used when none is configured
const DefaultPageLimit = 20

// ParseSortMode parses a sort mode, defaulting to hot for an empty string
func ParseSortMode(s string) (SortMode, error) {
	switch SortMode(s) {
	case "":
		return SortHot, nil
	case SortHot, SortNew, SortTop, SortActive:
		return SortMode(s), nil
	default:
		return "", fmt.Errorf("unknown sort mode %q", s)
	}
}

// Item is one feed entry (a thread)
type Item struct {
	ID          string     `json:"id"`
	CategoryID  string     `json:"category_id,omitempty"`
	Title       string     `json:"title"`
	AuthorID    string     `json:"author_id,omitempty"`
	Pinned      bool       `json:"pinned"`
	CreatedAt   time.Time  `json:"created_at"`
	LastReplyAt *time.Time `json:"last_reply_at,omitempty"`
	ReplyCount  *int       `json:"reply_count,omitempty"`
	Score       *int       `json:"score,omitempty"` // Upvote count
	Upvoted     bool       `json:"upvoted,omitempty"`
}

// Target returns the vote target for the item
func (i Item) Target() TargetKey {
	return TargetKey{Kind: TargetThread, ID: i.ID}
}

// VoteState returns the server-confirmed vote state carried by the item
func (i Item) VoteState() ActionState {
	count := 0
	if i.Score != nil {
		count = *i.Score
	}
	return ActionState{Applied: i.Upvoted, Count: count}
}

// SortItems orders items in place: pinned before unpinned, then by mode within each partition
func SortItems(items []Item, mode SortMode) {
	sort.SliceStable(items, func(a, b int) bool {
		x, y := items[a], items[b]
		if x.Pinned != y.Pinned {
			return x.Pinned
		}
		return lessByMode(x, y, mode)
	})
}

// PinnedFirst moves pinned items ahead of unpinned ones, keeping the relative order within each group
func PinnedFirst(items []Item) {
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].Pinned && !items[b].Pinned
	})
}

func lessByMode(x, y Item, mode SortMode) bool {
	switch mode {
	case SortTop:
		if c := compareIntDescNullsLast(x.Score, y.Score); c != 0 {
			return c < 0
		}
	case SortActive:
		if c := compareTimeDescNullsLast(x.LastReplyAt, y.LastReplyAt); c != 0 {
			return c < 0
		}
	case SortHot:
		if c := compareIntDescNullsLast(x.ReplyCount, y.ReplyCount); c != 0 {
			return c < 0
		}
		if c := compareIntDescNullsLast(x.Score, y.Score); c != 0 {
			return c < 0
		}
	}
	// new, and the tiebreak for every other mode
	return x.CreatedAt.After(y.CreatedAt)
}

func compareIntDescNullsLast(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a > *b:
		return -1
	case *a < *b:
		return 1
	}
	return 0
}

func compareTimeDescNullsLast(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.After(*b):
		return -1
	case a.Before(*b):
		return 1
	}
	return 0
}

// FeedFilters selects which items a feed shows
type FeedFilters struct {
	CategoryID  string `json:"category_id,omitempty"`
	SearchQuery string `json:"q,omitempty"`
}

// FeedQuery is a single page request
type FeedQuery struct {
	FeedFilters
	Page  int      `json:"page"`
	Limit int      `json:"limit"`
	Sort  SortMode `json:"sort"`
}

// FeedPageResponse is what a backend returns for one page.
// Backends report either HasMore, TotalCount, or neither.
type FeedPageResponse struct {
	Items      []Item `json:"items"`
	HasMore    *bool  `json:"has_more,omitempty"`
	TotalCount *int   `json:"total_count,omitempty"`
}

// DeriveHasMore applies the more-pages policy: explicit flag, then total count, then full-page heuristic.
// received is the number of items received across all pages including this one.
func DeriveHasMore(resp *FeedPageResponse, received, limit int) bool {
	if resp.HasMore != nil {
		return *resp.HasMore
	}
	if resp.TotalCount != nil {
		return received < *resp.TotalCount
	}
	return limit > 0 && len(resp.Items) == limit
}

// AppendUnique appends the items whose ids are not in seen, recording them in seen
func AppendUnique(existing []Item, seen map[string]struct{}, incoming []Item) []Item {
	for _, item := range incoming {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		existing = append(existing, item)
	}
	return existing
}

// FeedPage is the rendered state of a feed
type FeedPage struct {
	Filters         FeedFilters `json:"filters"`
	Sort            SortMode    `json:"sort"`
	Items           []Item      `json:"items"`
	NextPage        int         `json:"next_page"`
	HasMore         bool        `json:"has_more"`
	IsLoading       bool        `json:"is_loading"`
	IsLoadingMore   bool        `json:"is_loading_more"`
	LoadError       error       `json:"-"` // Blocking: nothing can render
	PaginationError error       `json:"-"` // Isolated: rendered items stay, retry re-requests the next page
}

// CanLoadMore reports whether a load-more would issue a request
func (p FeedPage) CanLoadMore() bool {
	return !p.IsLoading && !p.IsLoadingMore && p.HasMore && p.LoadError == nil
}
