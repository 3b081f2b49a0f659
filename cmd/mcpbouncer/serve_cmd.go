package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/catkins/mcp-bouncer/internal/app"
	"github.com/catkins/mcp-bouncer/internal/logs"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bouncer: listen for downstream MCP sessions and aggregate upstream tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := logs.DefaultConfig(dataDir)
			logCfg.Level = logLevel
			logCfg.EnableFile = logToFile
			logger, err := logs.New(logCfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if listenAddr == "" {
				listenAddr = listenAddrFromSettings(logger)
			}

			a, err := app.New(ctx, logger, app.Options{
				DataDir:    dataDir,
				ListenAddr: listenAddr,
				SocketPath: socketPath,
				Version:    version,
				UseKeyring: useKeyring,
			})
			if err != nil {
				return err
			}

			logger.Info("starting mcp bouncer",
				zap.String("version", version),
				zap.String("data_dir", dataDir),
				zap.String("listen", listenAddr))
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from settings.json, else 127.0.0.1:8090)")
	cmd.Flags().StringVar(&socketPath, "socket", "", "additionally serve on this Unix domain socket")
	cmd.Flags().BoolVar(&logToFile, "log-to-file", true, "also write rotating logs under data-dir")
	return cmd
}

const fallbackListenAddr = "127.0.0.1:8090"

func listenAddrFromSettings(logger *zap.Logger) string {
	settings, err := newConfigStore().Load()
	if err != nil || settings.ListenAddr == "" {
		return fallbackListenAddr
	}
	logger.Debug("listen address from settings", zap.String("addr", settings.ListenAddr))
	return settings.ListenAddr
}
