// Package scheduler computes queue positions and completion estimates for
// the jobs awaiting or undergoing processing. Everything is recomputed per
// query from the store; there is no cached queue state to drift.
package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/store"
)

// Scheduler derives queue views from durable job state.
type Scheduler struct {
	store store.Store
}

// New creates a scheduler over the given store.
func New(st store.Store) *Scheduler {
	return &Scheduler{store: st}
}

// Entry is one job's place in the processing queue.
type Entry struct {
	Job        model.BomJob `json:"job"`
	Position   int          `json:"position"`
	ETASeconds *int64       `json:"eta_seconds,omitempty"`
}

// Snapshot is the queue at one instant.
type Snapshot struct {
	Entries     []Entry   `json:"entries"`
	AvgSeconds  *float64  `json:"avg_seconds,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Snapshot returns every pending and running job with its 1-indexed
// position and estimated seconds to completion. Started jobs rank by
// StartedAt ascending; unstarted pending jobs follow, ranked by CreatedAt.
func (s *Scheduler) Snapshot(ctx context.Context) (*Snapshot, error) {
	jobs, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list queue")
	}
	stats, err := s.store.GetQueueStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: queue stats")
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		switch {
		case a.StartedAt != nil && b.StartedAt != nil:
			return a.StartedAt.Before(*b.StartedAt)
		case a.StartedAt != nil:
			return true
		case b.StartedAt != nil:
			return false
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	})

	snap := &Snapshot{
		Entries:     make([]Entry, 0, len(jobs)),
		AvgSeconds:  stats.AvgSeconds,
		GeneratedAt: time.Now().UTC(),
	}
	for i, job := range jobs {
		position := i + 1
		snap.Entries = append(snap.Entries, Entry{
			Job:        job,
			Position:   position,
			ETASeconds: etaSeconds(job, position, stats.AvgSeconds),
		})
	}
	return snap, nil
}

// Describe returns the queue entry for one job, or nil when the job is not
// in the live set (paused or terminal jobs have no position).
func (s *Scheduler) Describe(ctx context.Context, jobID string) (*Entry, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for i := range snap.Entries {
		if snap.Entries[i].Job.ID == jobID {
			return &snap.Entries[i], nil
		}
	}
	return nil, nil
}

// etaSeconds estimates time to completion. Running jobs scale the average
// processing time by remaining progress; pending jobs wait for everything
// ahead of them. Without completed-job history there is no estimate.
func etaSeconds(job model.BomJob, position int, avg *float64) *int64 {
	if avg == nil {
		return nil
	}
	var secs float64
	switch job.Status {
	case model.JobStatusRunning:
		secs = (100 - job.OverallProgress) / 100 * *avg
	case model.JobStatusPending:
		secs = float64(position-1) * *avg
	default:
		return nil
	}
	if secs < 0 {
		secs = 0
	}
	v := int64(math.Round(secs))
	return &v
}
