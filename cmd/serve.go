// File: cmd/serve.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-render/internal/api"
	"github.com/xkilldash9x/scalpel-render/internal/observability"
	"github.com/xkilldash9x/scalpel-render/internal/service"
)

// newComponentFactory is swapped in tests to avoid real browsers and databases.
var newComponentFactory = func() service.ComponentFactory {
	return service.NewComponentFactory()
}

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := newComponentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			srv, err := api.NewServer(components.APIDeps(Version))
			if err != nil {
				return fmt.Errorf("failed to build server: %w", err)
			}

			logger.Info("Scalpel-Render is up",
				zap.String("version", Version),
				zap.String("listen_addr", cfg.Server().ListenAddr),
				zap.Bool("auth", !cfg.Server().AuthDisabled()),
				zap.Bool("database", components.Store != nil),
			)

			if err := srv.Run(ctx); err != nil {
				return err
			}
			logger.Info("Server stopped")
			return nil
		},
	}

	serveCmd.Flags().StringP("listen", "l", "", "Address to listen on. (Overrides config/env)")
	bindKey(serveCmd, "listen", "server.listen_addr")

	return serveCmd
}
