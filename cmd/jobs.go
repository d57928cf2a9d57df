package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/traceline/bomflow/internal/coordinator"
	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/internal/scheduler"
	"github.com/traceline/bomflow/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control BOM processing jobs",
	Long:  "Commands for listing jobs, viewing status and journals, and applying pause/resume/cancel/restart signals.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with queue position and ETA",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := storeForCLI(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		tenant, _ := cmd.Flags().GetString("tenant")
		project, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status:    model.JobStatus(status),
			TenantID:  tenant,
			ProjectID: project,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		snap, err := scheduler.New(st).Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs list: queue snapshot")
		}

		formatJobsList(os.Stdout, jobs, snap)
		return nil
	},
}

// -- jobs status --

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show full job status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := storeForCLI(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs status")
		}
		if job == nil {
			return eris.Errorf("job %s not found", args[0])
		}

		out := struct {
			model.BomJob
			HealthGrade model.HealthGrade `json:"health_grade,omitempty"`
		}{BomJob: *job}
		if summary, err := st.GetBomSummary(ctx, job.ID); err == nil && summary != nil {
			out.HealthGrade = summary.HealthGrade
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- jobs events --

var jobsEventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Show a job's transition journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := storeForCLI(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		events, err := st.ListJobEvents(ctx, args[0], 0, limit)
		if err != nil {
			return eris.Wrap(err, "jobs events")
		}
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No events recorded.")
			return nil
		}

		formatJobEvents(os.Stdout, events)
		return nil
	},
}

// -- jobs pause/resume/cancel/restart --

// signalCommand builds one control-signal subcommand. Signals are applied
// directly against durable state; a serve process picks the change up at its
// next dispatch checkpoint.
func signalCommand(use, short string, sig model.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := storeForCLI(cmd)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			coord := coordinator.New(st, nil, resilience.DefaultRetryConfig())
			job, decision, err := coord.Signal(ctx, args[0], sig, "cli")
			if err != nil {
				return eris.Wrapf(err, "jobs %s", use)
			}

			fmt.Printf("%s: %s (status=%s stage=%s progress=%.1f%%)\n",
				use, decision, job.Status, job.Stage, job.OverallProgress)
			return nil
		},
	}
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (pending, running, paused, completed, failed, cancelled)")
	jobsListCmd.Flags().String("tenant", "", "filter by tenant ID")
	jobsListCmd.Flags().String("project", "", "filter by project ID")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsEventsCmd.Flags().Int("limit", 100, "max number of journal entries to display")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsEventsCmd)
	jobsCmd.AddCommand(signalCommand("pause", "Pause a running job", model.SignalPause))
	jobsCmd.AddCommand(signalCommand("resume", "Resume a paused job", model.SignalResume))
	jobsCmd.AddCommand(signalCommand("cancel", "Cancel a job", model.SignalCancel))
	jobsCmd.AddCommand(signalCommand("restart", "Restart a failed or cancelled job", model.SignalRestart))
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular job listing to w.
func formatJobsList(out io.Writer, jobs []model.BomJob, snap *scheduler.Snapshot) {
	positions := make(map[string]scheduler.Entry, len(snap.Entries))
	for _, e := range snap.Entries {
		positions[e.Job.ID] = e
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTAGE\tPROGRESS\tITEMS\tPOS\tETA")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-----\t--------\t-----\t---\t---")

	for _, j := range jobs {
		name := j.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}

		pos, eta := "", ""
		if e, ok := positions[j.ID]; ok {
			pos = fmt.Sprintf("%d", e.Position)
			if e.ETASeconds != nil {
				eta = (time.Duration(*e.ETASeconds) * time.Second).String()
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f%%\t%d/%d/%d\t%s\t%s\n",
			truncateID(j.ID),
			name,
			j.Status,
			j.Stage,
			j.OverallProgress,
			j.EnrichedItems,
			j.FailedItems,
			j.TotalItems,
			pos,
			eta,
		)
	}
	_ = w.Flush()
}

// formatJobEvents writes a job journal to w.
func formatJobEvents(out io.Writer, events []model.JobEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tTYPE\tSIGNAL\tSTATUS\tSTAGE\tACTOR\tAT")

	for _, e := range events {
		status := string(e.NewStatus)
		if e.OldStatus != e.NewStatus {
			status = fmt.Sprintf("%s->%s", e.OldStatus, e.NewStatus)
		}
		stage := string(e.NewStage)
		if e.OldStage != e.NewStage {
			stage = fmt.Sprintf("%s->%s", e.OldStage, e.NewStage)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq,
			e.Type,
			e.Signal,
			status,
			stage,
			e.Actor,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
