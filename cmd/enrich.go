package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/model"
)

var (
	enrichFile    string
	enrichTenant  string
	enrichProject string
	enrichName    string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run one BOM through the pipeline locally",
	Long:  "Creates a job from a JSON line-item file and processes it to completion in-process. Intended for local runs against the fixture catalog and for smoke-testing supplier configuration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		items, err := loadItemsFile(enrichFile)
		if err != nil {
			return err
		}

		env, err := initOrchestrator(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Store.CreateJob(ctx, enrichTenant, enrichProject, enrichName)
		if err != nil {
			return eris.Wrap(err, "enrich: create job")
		}
		zap.L().Info("job created", zap.String("job_id", job.ID), zap.Int("items", len(items)))

		if _, err := env.Coord.AcceptItems(ctx, job.ID, items, "cli"); err != nil {
			return eris.Wrap(err, "enrich: accept items")
		}

		if err := env.Pool.Run(ctx, job.ID); err != nil {
			return eris.Wrap(err, "enrich: process job")
		}

		final, err := env.Store.GetJob(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "enrich: reload job")
		}

		fmt.Printf("job %s: %s (%.1f%%)\n", final.ID, final.Status, final.OverallProgress)
		fmt.Printf("items: %d enriched, %d failed, %d total\n",
			final.EnrichedItems, final.FailedItems, final.TotalItems)

		if summary, err := env.Store.GetBomSummary(ctx, final.ID); err == nil && summary != nil {
			fmt.Printf("risk: grade %s, weighted %.1f, trend %s\n",
				summary.HealthGrade, summary.WeightedScore, summary.Trend)
		}
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichFile, "file", "", "path to JSON line-item file (required)")
	enrichCmd.Flags().StringVar(&enrichTenant, "tenant", "local", "tenant ID for the job")
	enrichCmd.Flags().StringVar(&enrichProject, "project", "local", "project ID for the job")
	enrichCmd.Flags().StringVar(&enrichName, "name", "local run", "job name")
	_ = enrichCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(enrichCmd)
}

// itemFileEntry is one row of the --file payload, matching the normalized
// shape the ingestion gateway delivers.
type itemFileEntry struct {
	MPN            string            `json:"mpn"`
	Manufacturer   string            `json:"manufacturer"`
	Quantity       int               `json:"quantity"`
	RefDesignators []string          `json:"reference_designators"`
	Criticality    model.Criticality `json:"criticality"`
}

// loadItemsFile parses a JSON array of line items.
func loadItemsFile(path string) ([]model.LineItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: read items file")
	}

	var entries []itemFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrap(err, "enrich: parse items file")
	}
	if len(entries) == 0 {
		return nil, eris.New("enrich: items file is empty")
	}

	items := make([]model.LineItem, 0, len(entries))
	for i, e := range entries {
		mpn := strings.TrimSpace(e.MPN)
		if mpn == "" {
			return nil, eris.Errorf("enrich: items[%d]: mpn is required", i)
		}
		qty := e.Quantity
		if qty <= 0 {
			qty = 1
		}
		items = append(items, model.LineItem{
			MPN:            mpn,
			Manufacturer:   strings.TrimSpace(e.Manufacturer),
			Quantity:       qty,
			RefDesignators: e.RefDesignators,
			Criticality:    e.Criticality,
		})
	}
	return items, nil
}
