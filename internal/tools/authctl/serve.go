package authctl

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/unified-auth-sync/internal/app"
	"github.com/sandeepkv93/unified-auth-sync/internal/config"
	"github.com/sandeepkv93/unified-auth-sync/internal/observability"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP auth surface and the cross-app sync channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.LoadFile(root.envFile)
			if err != nil {
				return err
			}
			logger, lp, err := observability.NewLogger(ctx, cfg, os.Stdout)
			if err != nil {
				return err
			}
			runtime, err := observability.InitRuntime(ctx, cfg, logger, lp)
			if err != nil {
				return err
			}
			a, err := app.New(cfg, logger, runtime)
			if err != nil {
				_ = runtime.Shutdown(context.Background())
				return err
			}
			if watch {
				a.WatchConfig(root.envFile)
			}
			logger.Info("starting", "app_id", cfg.AppID, "addr", cfg.HTTPAddr, "sync", cfg.EnableSecureCrossAppSync, "transport", cfg.SyncTransport)
			if err := a.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the activity timeout when the env file changes")
	return cmd
}
