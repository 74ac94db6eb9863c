// Command trickled is the standalone daemon and CLI for pgtrickle: it runs
// the refresh scheduler and DDL-change listener (serve), and exposes
// create/alter/drop/refresh/status as thin wrappers over internal/api, the
// way the teacher's cmd/bd subcommands are thin wrappers over
// internal/storage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pgtrickle/trickled/internal/api"
	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/config"
	"github.com/pgtrickle/trickled/internal/dvm"
	"github.com/pgtrickle/trickled/internal/refresh"
)

var (
	jsonOutput bool
	rootCtx    context.Context
)

var rootCmd = &cobra.Command{
	Use:           "trickled",
	Short:         "trickled - Postgres differential view maintenance daemon",
	Long:          `trickled keeps stream tables fresh against their defining queries, by FULL rebuild or differential (delta-based) maintenance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func main() {
	rootCtx = context.Background()
	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfigAndPool reads configuration and opens a connection pool, shared
// by every subcommand (serve included) so they all apply the same GUCs.
func loadConfigAndPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	v := config.New()
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, pool, nil
}

// newService wires a Service from a fresh pool, the way cmd/bd's subcommands
// open direct storage access when no daemon is available. Every CLI
// create/alter/drop/refresh/status invocation uses this.
func newService(ctx context.Context) (*api.Service, *pgxpool.Pool, error) {
	cfg, pool, err := loadConfigAndPool(ctx)
	if err != nil {
		return nil, nil, err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := catalog.NewStore(pool)
	cache := dvm.NewTemplateCache()
	executor := refresh.New(pool, store, cache)
	svc := api.New(pool, store, cache, executor, cfg, log)
	return svc, pool, nil
}
