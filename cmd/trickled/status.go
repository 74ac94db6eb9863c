package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [schema.name]",
	Short: "Show stream table status, or list every stream table",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	svc, pool, err := newService(cmd.Context())
	if err != nil {
		return err
	}
	defer pool.Close()

	if len(args) == 1 {
		schema, name := splitQualifiedName(args[0])
		st, err := svc.GetStatus(cmd.Context(), schema, name)
		if err != nil {
			return err
		}
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(st)
		}
		fmt.Printf("%s.%s\n  status:        %s\n  refresh_mode:  %s\n  schedule:      %q\n  needs_reinit:  %v\n",
			st.Meta.Schema, st.Meta.Name, st.Meta.Status, st.Meta.RefreshMode, st.Meta.Schedule, st.Meta.NeedsReinit)
		if st.LatestRefresh != nil {
			fmt.Printf("  last refresh:  %s at %s (%d rows inserted, %d deleted)\n",
				st.LatestRefresh.Status, st.LatestRefresh.StartTime, st.LatestRefresh.RowsInserted, st.LatestRefresh.RowsDeleted)
		}
		return nil
	}

	statuses, err := svc.ListStreamTables(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(statuses)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tREFRESH_MODE\tSCHEDULE")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s.%s\t%s\t%s\t%s\n", st.Meta.Schema, st.Meta.Name, st.Meta.Status, st.Meta.RefreshMode, st.Meta.Schedule)
	}
	return w.Flush()
}
