package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/catalog/migrations"
	"github.com/pgtrickle/trickled/internal/ddlhook"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/refresh"
	"github.com/pgtrickle/trickled/internal/scheduler"
	"github.com/pgtrickle/trickled/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and DDL-change listener",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, pool, err := loadConfigAndPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrations.Run(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if !cfg.Enabled {
		slog.Info("trickled: disabled via config, exiting")
		return nil
	}

	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := catalog.NewStore(pool)
	cache := dvm.NewTemplateCache()
	executor := refresh.New(pool, store, cache)
	sched := scheduler.New(pool, store, cache, executor, cfg, log)

	listenerConn, err := pgx.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open dedicated listener connection: %w", err)
	}
	defer listenerConn.Close(ctx)
	if _, err := listenerConn.Exec(ctx, "LISTEN "+ddlhook.Channel); err != nil {
		return fmt.Errorf("listen on %s: %w", ddlhook.Channel, err)
	}
	listener := ddlhook.New(listenerConn, store, cache, log)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(gctx) })
	group.Go(func() error { return listener.Run(gctx) })
	return group.Wait()
}
