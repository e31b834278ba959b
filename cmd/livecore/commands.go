package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forumline/livecore/internal/api"
	"github.com/forumline/livecore/internal/biz"
	"github.com/forumline/livecore/internal/biz/domain"
	"github.com/forumline/livecore/internal/conf"
	"github.com/forumline/livecore/internal/data"
	"github.com/forumline/livecore/internal/infra/clock"
	"github.com/forumline/livecore/internal/mcp"
	"github.com/forumline/livecore/internal/service"
)

const shutdownTimeout = 10 * time.Second

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the live session behind the local HTTP API",
		RunE:  runServe,
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Run the live session as an MCP tool server on stdio",
		RunE:  runMCP,
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Insert demo threads into the embedded SQLite store",
		RunE:  runSeed,
	}
)

// sessionConfig maps the loaded configuration onto a live session
func sessionConfig(cfg *conf.Config, subjectID, name string) service.SessionConfig {
	tuning := cfg.Tuning
	if tuning == nil {
		tuning = conf.DefaultTuningConfig()
	}
	return service.SessionConfig{
		SubjectID:     subjectID,
		DisplayName:   name,
		TypingTimeout: tuning.Typing.Timeout,
		Usecases: biz.Options{
			Presence:      tuning.ToPresenceConfig(),
			PageLimit:     tuning.Feed.PageLimit,
			NearTopOffset: tuning.Scroll.NearTopOffset,
		},
	}
}

// openSession wires repositories into a started live session
func openSession(ctx context.Context) (*service.LiveSession, *data.Repositories, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	repos, err := data.NewRepositories(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create repositories: %w", err)
	}

	cred, err := repos.Credentials.Credential(ctx)
	if err != nil {
		repos.Close()
		return nil, nil, fmt.Errorf("read credential: %w", err)
	}

	session := service.NewLiveSession(repos.Data, repos.Realtime, clock.Real(),
		sessionConfig(cfg, cred.SubjectID, displayName))
	if err := session.Start(ctx); err != nil {
		session.Teardown()
		repos.Close()
		return nil, nil, err
	}
	return session, repos, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, repos, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer repos.Close()
	defer session.Teardown()

	apiServer := api.NewServer(session, cfg.HTTP.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return apiServer.Stop(shutdownCtx)
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, repos, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer repos.Close()
	defer session.Teardown()

	return mcp.NewServer(session, version).Run(ctx)
}

func runSeed(cmd *cobra.Command, args []string) error {
	store, err := data.NewSQLiteStore(cfg.Store.DBPath, nil, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	items := demoItems(time.Now().UTC())
	if err := store.SaveItems(cmd.Context(), items); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Seeded %d threads into %s\n", len(items), cfg.Store.DBPath)
	return nil
}

func demoItems(now time.Time) []domain.Item {
	ago := func(d time.Duration) time.Time { return now.Add(-d) }
	replies := func(n int) *int { return &n }
	at := func(t time.Time) *time.Time { return &t }

	return []domain.Item{
		{ID: "welcome", CategoryID: "meta", Title: "Welcome! Read this first", AuthorID: "mod",
			Pinned: true, CreatedAt: ago(30 * 24 * time.Hour), ReplyCount: replies(12), LastReplyAt: at(ago(48 * time.Hour))},
		{ID: "release-2-0", CategoryID: "announcements", Title: "Release 2.0 is out", AuthorID: "mod",
			CreatedAt: ago(6 * time.Hour), ReplyCount: replies(41), LastReplyAt: at(ago(5 * time.Minute))},
		{ID: "generics-tips", CategoryID: "go", Title: "Practical tips for generics", AuthorID: "alice",
			CreatedAt: ago(26 * time.Hour), ReplyCount: replies(17), LastReplyAt: at(ago(2 * time.Hour))},
		{ID: "context-cancel", CategoryID: "go", Title: "When should I cancel a context?", AuthorID: "bob",
			CreatedAt: ago(3 * time.Hour), ReplyCount: replies(4), LastReplyAt: at(ago(40 * time.Minute))},
		{ID: "sqlite-wal", CategoryID: "databases", Title: "SQLite WAL mode in production", AuthorID: "carol",
			CreatedAt: ago(50 * time.Hour), ReplyCount: replies(9), LastReplyAt: at(ago(20 * time.Hour))},
		{ID: "redis-pubsub", CategoryID: "databases", Title: "Redis pub/sub vs streams", AuthorID: "dave",
			CreatedAt: ago(90 * time.Minute)},
		{ID: "first-post", CategoryID: "introductions", Title: "Hello from a new member", AuthorID: "erin",
			CreatedAt: ago(15 * time.Minute), ReplyCount: replies(0)},
		{ID: "websocket-reconnect", CategoryID: "go", Title: "Reconnecting WebSockets with backoff", AuthorID: "frank",
			CreatedAt: ago(8 * 24 * time.Hour), ReplyCount: replies(23), LastReplyAt: at(ago(7 * 24 * time.Hour))},
	}
}
