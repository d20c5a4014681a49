package main

import (
	"context"

	"gabriel/cmd/identity"
	"gabriel/cmd/internal/app"

	"github.com/spf13/cobra"
)

// usersOpener returns the identity store and its release func.
type usersOpener func(ctx context.Context) (identity.Store, func(), error)

func openUsers(ctx context.Context) (identity.Store, func(), error) {
	cfg := app.LoadConfig()
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	return app.OpenUsers(ctx, cfg, log)
}

func newRootCmd(open usersOpener) *cobra.Command {
	root := &cobra.Command{
		Use:   "gabriel",
		Short: "Faith-based counseling service",
		Long: `gabriel serves the counseling chat, sermon drafting and Bible lookup APIs.

Configuration comes from the environment (GABRIEL_*, OPENAI_*, BIBLE_API_*,
REDIS_*, OTEL_*). Without GABRIEL_DATABASE_URL every store is in memory.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCmd(), newUsersCmd(open))
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Serve(cmd.Context())
		},
	}
}
