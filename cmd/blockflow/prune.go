package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete the stored records of finished executions",
	Long: `Remove completed, failed and cancelled execution records from the
configured storage backend. Definitions are kept. With the in-memory backend
there is nothing to prune between invocations, so this is mostly useful with
storage.backend: redis.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.engine.PruneExecutions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d execution records\n", removed)
		return nil
	},
}
