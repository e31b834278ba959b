package biz

import (
	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/biz/repo"
	"github.com/forumline/livecore/internal/biz/usecase"
	"github.com/forumline/livecore/internal/infra/clock"
)

// Options configures the usecases of one signed-in subject
type Options struct {
	SubjectID     string
	Presence      domain.PresenceConfig
	PageLimit     int
	NearTopOffset int
}

// Usecases contains all session-wide usecases.
// Typing controllers are per conversation and created on demand by the service layer.
type Usecases struct {
	Presence *usecase.PresenceTracker
	Actions  *usecase.ActionManager
	Feed     *usecase.FeedPaginator
	Scroll   *usecase.ScrollDriver
}

// NewUsecases builds the usecases over one Data API backend
func NewUsecases(data repo.DataAPI, clk clock.Clock, opts Options) *Usecases {
	feed := usecase.NewFeedPaginator(data, opts.PageLimit)
	return &Usecases{
		Presence: usecase.NewPresenceTracker(data, clk, opts.Presence),
		Actions:  usecase.NewActionManager(data, data, clk, opts.SubjectID),
		Feed:     feed,
		Scroll:   usecase.NewScrollDriver(feed, opts.NearTopOffset),
	}
}

// Close stops every usecase
func (u *Usecases) Close() {
	u.Presence.Close()
	u.Actions.Close()
	u.Feed.Close()
}
