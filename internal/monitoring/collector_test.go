package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func jobWithStatus(t *testing.T, st store.Store, status model.JobStatus) *model.BomJob {
	t.Helper()
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "tenant-1", "project-1", "controller board rev B")
	require.NoError(t, err)
	if status == model.JobStatusPending {
		return job
	}

	now := time.Now().UTC()
	job.Status = status
	switch status {
	case model.JobStatusRunning, model.JobStatusPaused:
		job.Stage = model.StageEnrichment
		started := now.Add(-time.Minute)
		job.StartedAt = &started
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
		started := now.Add(-time.Minute)
		job.StartedAt = &started
		job.CompletedAt = &now
	}
	require.NoError(t, st.UpdateJobTransition(ctx, job, nil))
	return job
}

type fakeBreakers struct {
	states map[string]resilience.CircuitState
}

func (f fakeBreakers) States() map[string]resilience.CircuitState { return f.states }

type fakeBusStats struct {
	subs   int
	lagged int64
}

func (f fakeBusStats) SubscriberCount() int { return f.subs }
func (f fakeBusStats) LaggedTotal() int64   { return f.lagged }

func TestCollector_EmptyStore(t *testing.T) {
	st := newTestStore(t)
	c := NewCollector(st, nil, nil)

	snap, err := c.Collect(context.Background(), 5*time.Minute)
	require.NoError(t, err)

	assert.Empty(t, snap.JobCounts)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Nil(t, snap.AvgJobSeconds)
	assert.Empty(t, snap.StalledJobs)
	assert.Equal(t, 0, snap.FailedItems)
	assert.Nil(t, snap.BreakerStates)
	assert.Equal(t, 300, snap.StallAfterSecs)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_JobCountsAndQueueDepth(t *testing.T) {
	st := newTestStore(t)
	jobWithStatus(t, st, model.JobStatusPending)
	jobWithStatus(t, st, model.JobStatusPending)
	jobWithStatus(t, st, model.JobStatusRunning)
	jobWithStatus(t, st, model.JobStatusPaused)
	jobWithStatus(t, st, model.JobStatusCompleted)

	c := NewCollector(st, nil, nil)
	snap, err := c.Collect(context.Background(), 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.JobCounts[model.JobStatusPending])
	assert.Equal(t, 1, snap.JobCounts[model.JobStatusRunning])
	assert.Equal(t, 1, snap.JobCounts[model.JobStatusPaused])
	assert.Equal(t, 1, snap.JobCounts[model.JobStatusCompleted])
	assert.Equal(t, 3, snap.QueueDepth) // pending + running

	require.NotNil(t, snap.AvgJobSeconds)
	assert.InDelta(t, 60, *snap.AvgJobSeconds, 1)
}

func TestCollector_StalledJobs(t *testing.T) {
	st := newTestStore(t)
	stalled := jobWithStatus(t, st, model.JobStatusRunning)
	time.Sleep(30 * time.Millisecond)
	fresh := jobWithStatus(t, st, model.JobStatusRunning)

	c := NewCollector(st, nil, nil)
	snap, err := c.Collect(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)

	require.Len(t, snap.StalledJobs, 1)
	assert.Equal(t, stalled.ID, snap.StalledJobs[0].ID)
	assert.NotEqual(t, fresh.ID, snap.StalledJobs[0].ID)
}

func TestCollector_FailedItems(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := jobWithStatus(t, st, model.JobStatusRunning)

	items := []model.LineItem{{MPN: "GHOST-1", Manufacturer: "Acme Semi"}}
	_, err := st.CreateLineItems(ctx, job.ID, items)
	require.NoError(t, err)
	require.NoError(t, st.FailItem(ctx, items[0].ID, "part not found", "permanent"))

	c := NewCollector(st, nil, nil)
	snap, err := c.Collect(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.FailedItems)
}

func TestCollector_BreakerAndBusHealth(t *testing.T) {
	st := newTestStore(t)
	breakers := fakeBreakers{states: map[string]resilience.CircuitState{
		"mouser":   resilience.CircuitOpen,
		"octopart": resilience.CircuitClosed,
		"digikey":  resilience.CircuitOpen,
	}}
	busStats := fakeBusStats{subs: 4, lagged: 2}

	c := NewCollector(st, breakers, busStats)
	snap, err := c.Collect(context.Background(), 5*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "open", snap.BreakerStates["mouser"])
	assert.Equal(t, "closed", snap.BreakerStates["octopart"])
	assert.Equal(t, []string{"digikey", "mouser"}, snap.OpenBreakers)
	assert.Equal(t, 4, snap.Subscribers)
	assert.Equal(t, int64(2), snap.DroppedSubscribers)
}
