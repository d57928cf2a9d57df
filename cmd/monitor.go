package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/traceline/bomflow/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print a one-shot health snapshot",
	Long:  "Collects job counts, queue depth, stalled jobs, and failed-item totals from the store. Breaker and subscriber metrics only exist inside a serve process and are absent here.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := storeForCLI(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stallAfter := time.Duration(cfg.Monitoring.StallAfterSecs) * time.Second
		snap, err := monitoring.NewCollector(st, nil, nil).Collect(ctx, stallAfter)
		if err != nil {
			return eris.Wrap(err, "monitor")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
