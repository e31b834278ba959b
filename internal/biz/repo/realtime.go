package repo

import (
	"context"

	"github.com/forumline/livecore/internal/biz/domain"
)

// ChangeHandler receives row-level change notifications
type ChangeHandler func(event domain.ChangeEvent)

// Unsubscribe removes a subscription; calling it more than once is a no-op
type Unsubscribe func()

// RealtimeRepo is the publish/subscribe feed of row changes
type RealtimeRepo interface {
	// Subscribe registers handler for changes matching filter.
	// The returned Unsubscribe must be invoked on teardown.
	Subscribe(ctx context.Context, filter domain.ChangeFilter, handler ChangeHandler) (Unsubscribe, error)

	Close() error
}

// ChangePublisher announces row changes made by a local store
type ChangePublisher interface {
	PublishChange(ctx context.Context, event domain.ChangeEvent) error
}
