package repo

import (
	"context"

	"github.com/forumline/livecore/internal/biz/domain"
)

// PresenceRepo stores liveness heartbeats
type PresenceRepo interface {
	// UpsertPresence writes the subject's last-seen timestamp
	UpsertPresence(ctx context.Context, record domain.PresenceRecord) error

	// QueryPresence reads last-seen timestamps for the given subjects.
	// Subjects without a record are omitted.
	QueryPresence(ctx context.Context, subjectIDs []string) ([]domain.PresenceRecord, error)
}

// TypingRepo stores typing status, unique per (subject, conversation)
type TypingRepo interface {
	// UpsertTyping writes the status with upsert-on-conflict semantics
	UpsertTyping(ctx context.Context, state domain.TypingState) error
}

// VoteRepo toggles the caller's vote membership on a target
type VoteRepo interface {
	ToggleVote(ctx context.Context, target domain.TargetKey) (*domain.VoteResult, error)
}

// FeedRepo fetches feed pages
type FeedRepo interface {
	FetchFeedPage(ctx context.Context, query domain.FeedQuery) (*domain.FeedPageResponse, error)
}

// BadgeRepo awards reputation badges
type BadgeRepo interface {
	// AwardFirstUpvote grants the first-upvote badge; repeated calls are harmless
	AwardFirstUpvote(ctx context.Context, subjectID string) error
}

// DataAPI is the complete request/response backend.
// The REST backend and the embedded SQLite fallback both implement it.
type DataAPI interface {
	PresenceRepo
	TypingRepo
	VoteRepo
	FeedRepo
	BadgeRepo

	// Name identifies the backend in logs
	Name() string

	// Ping checks the backend is reachable (used by the capability probe)
	Ping(ctx context.Context) error

	Close() error
}
