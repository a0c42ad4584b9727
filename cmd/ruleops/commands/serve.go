package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/ruleops/loader"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/server"
	"github.com/jonwraymond/ruleops/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ruleops HTTP API",
	Long: `Load every rule of the configured project and serve the HTTP API.

With version.refresh_interval set, outdated rules are refreshed
periodically. With a file loader and loader.watch set, changed rule files
are reloaded as they change.

Examples:
  ruleops serve
  RULEOPS_LOADER_TYPE=http RULEOPS_LOADER_BASE_URL=https://rules.internal ruleops serve`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.close(shutdownCtx); err != nil {
				a.logger.Warn(shutdownCtx, "telemetry shutdown failed", observe.F("error", err))
			}
		}()

		if err := a.versions.Initialize(ctx); err != nil {
			return err
		}

		srv, err := server.New(a.engine, a.versions, server.Config{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxBodyBytes:    cfg.Server.MaxBodyBytes,
			Health:          a.health,
			Registry:        a.registry,
			Logger:          a.logger,
		})
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(ctx) })

		if interval := cfg.Version.RefreshInterval; interval > 0 {
			g.Go(func() error { return ignoreCanceled(a.versions.Run(ctx, interval)) })
		}

		if fl, ok := a.loader.(*loader.FileLoader); ok && cfg.Loader.Watch {
			w, err := fl.Watch(ctx, func(ids []string) {
				report, err := a.versions.AutoRefresh(ctx, version.RefreshOptions{IDs: ids, Force: true})
				if err != nil {
					a.logger.Warn(ctx, "reload after file change failed", observe.F("error", err))
					return
				}
				a.logger.Info(ctx, "rules reloaded", observe.F("rules", report.Refreshed))
			})
			if err != nil {
				return err
			}
			defer w.Close()
		}

		return g.Wait()
	},
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
