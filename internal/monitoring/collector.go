package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job counts by status, archived jobs excluded.
	JobCounts map[model.JobStatus]int `json:"job_counts"`
	// QueueDepth is the number of jobs awaiting or undergoing processing.
	QueueDepth int `json:"queue_depth"`
	// AvgJobSeconds is the mean wall time of completed jobs, when any exist.
	AvgJobSeconds *float64 `json:"avg_job_seconds,omitempty"`

	// StalledJobs are running jobs without a single write for the stall
	// window. They are surfaced for operators, never failed automatically.
	StalledJobs []model.BomJob `json:"stalled_jobs,omitempty"`

	// FailedItems is the total failed line items across all jobs.
	FailedItems int `json:"failed_items"`

	// BreakerStates maps each supplier to its circuit state.
	BreakerStates map[string]string `json:"breaker_states,omitempty"`
	OpenBreakers  []string          `json:"open_breakers,omitempty"`

	// Event fan-out health.
	Subscribers        int   `json:"subscribers"`
	DroppedSubscribers int64 `json:"dropped_subscribers"`

	StallAfterSecs int       `json:"stall_after_secs"`
	CollectedAt    time.Time `json:"collected_at"`
}

// BreakerStater reports per-supplier circuit breaker states.
type BreakerStater interface {
	States() map[string]resilience.CircuitState
}

// BusStats reports progress fan-out health.
type BusStats interface {
	SubscriberCount() int
	LaggedTotal() int64
}

// Collector gathers metrics from the store, the supplier breakers, and the
// event bus.
type Collector struct {
	store    store.Store
	breakers BreakerStater
	bus      BusStats
}

// NewCollector creates a metrics collector. breakers and bus may be nil when
// the caller runs without an enrichment pool or event feed.
func NewCollector(st store.Store, breakers BreakerStater, bus BusStats) *Collector {
	return &Collector{store: st, breakers: breakers, bus: bus}
}

// Collect gathers a snapshot of system metrics. Jobs without a write for
// stallAfter count as stalled.
func (c *Collector) Collect(ctx context.Context, stallAfter time.Duration) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		StallAfterSecs: int(stallAfter.Seconds()),
		CollectedAt:    time.Now().UTC(),
	}

	counts, err := c.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}
	snap.JobCounts = counts
	snap.QueueDepth = counts[model.JobStatusPending] + counts[model.JobStatusRunning]

	stats, err := c.store.GetQueueStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}
	snap.AvgJobSeconds = stats.AvgSeconds

	stalled, err := c.store.StalledJobs(ctx, stallAfter)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stalled jobs")
	}
	snap.StalledJobs = stalled

	failed, err := c.store.CountFailedItems(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count failed items")
	}
	snap.FailedItems = failed

	if c.breakers != nil {
		states := c.breakers.States()
		snap.BreakerStates = make(map[string]string, len(states))
		for name, state := range states {
			snap.BreakerStates[name] = state.String()
			if state == resilience.CircuitOpen {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	if c.bus != nil {
		snap.Subscribers = c.bus.SubscriberCount()
		snap.DroppedSubscribers = c.bus.LaggedTotal()
	}

	return snap, nil
}
