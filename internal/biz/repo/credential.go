package repo

import (
	"context"

	"github.com/forumline/livecore/internal/biz/domain"
)

// CredentialRepo reads the caller's bearer credential from the local credential store.
// The core never writes or refreshes credentials.
type CredentialRepo interface {
	Credential(ctx context.Context) (*domain.Credential, error)
}
