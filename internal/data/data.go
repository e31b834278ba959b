package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forumline/livecore/internal/biz/repo"
	"github.com/forumline/livecore/internal/conf"
)

// Repositories contains all repositories
type Repositories struct {
	Data        repo.DataAPI
	Realtime    repo.RealtimeRepo // nil when the realtime driver is none
	Credentials repo.CredentialRepo
	Store       *SQLiteStore // Embedded store, also used by the seed command

	closers []func() error
}

// NewRepositories creates all repositories and selects the Data API backend
func NewRepositories(ctx context.Context, cfg *conf.Config) (*Repositories, error) {
	repos := &Repositories{
		Credentials: NewCredentialRepo(cfg.Credential.Path, cfg.Credential.Token),
	}

	var publisher repo.ChangePublisher
	switch cfg.Realtime.Driver {
	case conf.RealtimeWebSocket:
		rt, err := NewWebSocketRealtime(ctx, cfg.Realtime.URL, repos.Credentials)
		if err != nil {
			return nil, err
		}
		repos.Realtime = rt
		repos.closers = append(repos.closers, rt.Close)
	case conf.RealtimeRedis:
		rt, err := NewRedisRealtime(ctx, cfg.Realtime.RedisURL)
		if err != nil {
			return nil, err
		}
		repos.Realtime = rt
		publisher = rt
		repos.closers = append(repos.closers, rt.Close)
	}

	store, err := NewSQLiteStore(cfg.Store.DBPath, repos.Credentials, publisher)
	if err != nil {
		repos.Close()
		return nil, err
	}
	repos.Store = store
	repos.closers = append(repos.closers, store.Close)

	var primary repo.DataAPI
	if cfg.API.URL != "" {
		primary = NewRestAPI(cfg.API.URL, repos.Credentials, cfg.API.Timeout)
		repos.closers = append(repos.closers, primary.Close)
	}
	repos.Data = SelectDataAPI(ctx, primary, store)

	return repos, nil
}

// Close releases every backend
func (r *Repositories) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close repositories: %w", errors.Join(errs...))
	}
	return nil
}

// probeTimeout bounds the capability probe of the primary backend
const probeTimeout = 3 * time.Second

// SelectDataAPI returns primary when it answers a ping, otherwise fallback.
// Callers never need to know which backend was chosen.
func SelectDataAPI(ctx context.Context, primary, fallback repo.DataAPI) repo.DataAPI {
	if primary == nil {
		slog.Info("[DATA] No primary backend configured", "backend", fallback.Name())
		return fallback
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := primary.Ping(probeCtx); err != nil {
		slog.Warn("[DATA] Primary backend unreachable, using fallback",
			"primary", primary.Name(), "fallback", fallback.Name(), "error", err)
		return fallback
	}

	slog.Info("[DATA] Using primary backend", "backend", primary.Name())
	return primary
}
