package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dropCmd = &cobra.Command{
	Use:   "drop <schema.name>",
	Short: "Drop a stream table and its CDC infrastructure",
	Args:  cobra.ExactArgs(1),
	RunE:  runDrop,
}

func init() {
	rootCmd.AddCommand(dropCmd)
}

func runDrop(cmd *cobra.Command, args []string) error {
	schema, name := splitQualifiedName(args[0])

	svc, pool, err := newService(cmd.Context())
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := svc.DropStreamTable(cmd.Context(), schema, name); err != nil {
		return err
	}
	fmt.Printf("dropped stream table %s.%s\n", schema, name)
	return nil
}
