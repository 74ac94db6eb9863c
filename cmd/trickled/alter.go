package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgtrickle/trickled/internal/api"
)

var (
	alterSchedule    string
	alterRefreshMode string
	alterStatus      string
)

var alterCmd = &cobra.Command{
	Use:   "alter <schema.name>",
	Short: "Change a stream table's schedule, refresh mode, or status",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlter,
}

func init() {
	alterCmd.Flags().StringVar(&alterSchedule, "schedule", "", "New schedule; use \"calculated\" to switch back to CALCULATED")
	alterCmd.Flags().StringVar(&alterRefreshMode, "refresh-mode", "", "FULL or DIFFERENTIAL")
	alterCmd.Flags().StringVar(&alterStatus, "status", "", "ACTIVE, SUSPENDED, or INITIALIZING")
	rootCmd.AddCommand(alterCmd)
}

func runAlter(cmd *cobra.Command, args []string) error {
	schema, name := splitQualifiedName(args[0])
	opts := api.AlterOptions{Schema: schema, Name: name}

	if cmd.Flags().Changed("schedule") {
		s := alterSchedule
		if s == "calculated" {
			s = ""
		}
		opts.Schedule = &s
	}
	if cmd.Flags().Changed("refresh-mode") {
		opts.RefreshMode = &alterRefreshMode
	}
	if cmd.Flags().Changed("status") {
		opts.Status = &alterStatus
	}

	svc, pool, err := newService(cmd.Context())
	if err != nil {
		return err
	}
	defer pool.Close()

	meta, err := svc.AlterStreamTable(cmd.Context(), opts)
	if err != nil {
		return err
	}
	fmt.Printf("altered stream table %s.%s (schedule=%q, refresh_mode=%s, status=%s)\n",
		meta.Schema, meta.Name, meta.Schedule, meta.RefreshMode, meta.Status)
	return nil
}
