package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/catkins/mcp-bouncer/internal/eventbus"
	"github.com/catkins/mcp-bouncer/internal/logs"
	"github.com/catkins/mcp-bouncer/internal/oauthflow"
	"github.com/catkins/mcp-bouncer/internal/overlay"
	"github.com/catkins/mcp-bouncer/internal/secret"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth <server>",
		Short: "Run the OAuth authorization flow for an upstream server",
		Long:  "Opens a browser against the server's authorization endpoint, waits for the localhost callback, and persists the issued token. A running bouncer picks the token up on its next connection attempt.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logs.NewCommandLogger(verbose)
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var secrets secret.Store
			if useKeyring {
				secrets = secret.NewKeyringStore()
			} else {
				secrets = secret.NewFileStore(dataDir)
			}

			orch := oauthflow.NewOrchestrator(newConfigStore(), secrets, overlay.New(), eventbus.New(), logger, nil)
			if err := orch.Authorize(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("authorized %q\n", args[0])
			return nil
		},
	}
}
