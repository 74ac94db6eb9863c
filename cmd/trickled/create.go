package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgtrickle/trickled/internal/api"
)

var createOpts api.CreateOptions

var createCmd = &cobra.Command{
	Use:   "create <schema.name>",
	Short: "Create a stream table from a defining query",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createOpts.Query, "query", "", "Defining SELECT query (required)")
	createCmd.Flags().StringVar(&createOpts.Schedule, "schedule", "", "Refresh schedule: duration, cron, or empty for CALCULATED")
	createCmd.Flags().StringVar(&createOpts.RefreshMode, "refresh-mode", "DIFFERENTIAL", "FULL or DIFFERENTIAL")
	createCmd.Flags().BoolVar(&createOpts.Initialize, "initialize", false, "Populate the stream table immediately instead of on the next scheduler tick")
	_ = createCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	createOpts.Schema, createOpts.Name = splitQualifiedName(args[0])

	svc, pool, err := newService(cmd.Context())
	if err != nil {
		return err
	}
	defer pool.Close()

	meta, err := svc.CreateStreamTable(cmd.Context(), createOpts)
	if err != nil {
		return err
	}
	fmt.Printf("created stream table %s.%s (pgt_id=%d, status=%s)\n", meta.Schema, meta.Name, meta.ID, meta.Status)
	return nil
}

// splitQualifiedName splits "schema.name" into its parts; a bare name is
// taken to live in the public schema.
func splitQualifiedName(qualified string) (schema, name string) {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '.' {
			return qualified[:i], qualified[i+1:]
		}
	}
	return "public", qualified
}
