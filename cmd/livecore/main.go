package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forumline/livecore/internal/conf"
)

var version = "dev"

var (
	cfg         *conf.Config
	displayName string

	rootCmd = &cobra.Command{
		Use:   "livecore",
		Short: "Live presence, typing, voting and feed core for a community forum",
		Long: `livecore keeps a forum client live: it heartbeats presence, broadcasts typing,
applies votes optimistically and pages the thread feed, against the REST backend
or the embedded SQLite fallback.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = conf.LoadFromEnv()
			slog.SetDefault(newLogger(cfg.Log, os.Stderr))
		},
	}
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&displayName, "display-name", os.Getenv("LIVECORE_DISPLAY_NAME"),
		"name shown to others in typing indicators")
	rootCmd.AddCommand(serveCmd, mcpCmd, seedCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger; logs go to stderr so stdout stays free for MCP
func newLogger(lc conf.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
