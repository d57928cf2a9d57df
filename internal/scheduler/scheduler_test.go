package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st), st
}

func createJob(t *testing.T, st store.Store, name string) *model.BomJob {
	t.Helper()
	job, err := st.CreateJob(context.Background(), "tenant-1", "project-1", name)
	require.NoError(t, err)
	return job
}

// setRunning marks the job running with the given start time.
func setRunning(t *testing.T, st store.Store, job *model.BomJob, startedAt time.Time, overall float64) {
	t.Helper()
	j := *job
	j.Status = model.JobStatusRunning
	j.Stage = model.StageEnrichment
	j.OverallProgress = overall
	j.StartedAt = &startedAt
	require.NoError(t, st.UpdateJobTransition(context.Background(), &j, nil))
}

// setCompleted records a finished job with the given processing duration.
func setCompleted(t *testing.T, st store.Store, job *model.BomJob, took time.Duration) {
	t.Helper()
	end := time.Now().UTC()
	start := end.Add(-took)
	j := *job
	j.Status = model.JobStatusCompleted
	j.Stage = model.StageComplete
	j.OverallProgress = 100
	j.StartedAt = &start
	j.CompletedAt = &end
	require.NoError(t, st.UpdateJobTransition(context.Background(), &j, nil))
}

func TestSnapshot_OrdersStartedBeforePending(t *testing.T) {
	s, st := newTestScheduler(t)
	now := time.Now().UTC()

	older := createJob(t, st, "older running")
	newer := createJob(t, st, "newer running")
	waiting := createJob(t, st, "still pending")

	// Insert out of order on purpose.
	setRunning(t, st, newer, now.Add(-5*time.Minute), 50)
	setRunning(t, st, older, now.Add(-10*time.Minute), 80)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Entries, 3)

	assert.Equal(t, older.ID, snap.Entries[0].Job.ID)
	assert.Equal(t, 1, snap.Entries[0].Position)
	assert.Equal(t, newer.ID, snap.Entries[1].Job.ID)
	assert.Equal(t, 2, snap.Entries[1].Position)
	assert.Equal(t, waiting.ID, snap.Entries[2].Job.ID)
	assert.Equal(t, 3, snap.Entries[2].Position)
}

func TestSnapshot_PendingOrderedByCreation(t *testing.T) {
	s, st := newTestScheduler(t)

	first := createJob(t, st, "first in line")
	time.Sleep(5 * time.Millisecond)
	second := createJob(t, st, "second in line")

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, first.ID, snap.Entries[0].Job.ID)
	assert.Equal(t, second.ID, snap.Entries[1].Job.ID)
}

func TestSnapshot_NoHistoryMeansNoETA(t *testing.T) {
	s, st := newTestScheduler(t)
	createJob(t, st, "waiting")

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.AvgSeconds)
	require.Len(t, snap.Entries, 1)
	assert.Nil(t, snap.Entries[0].ETASeconds)
}

func TestSnapshot_ETAFromCompletedHistory(t *testing.T) {
	s, st := newTestScheduler(t)
	now := time.Now().UTC()

	done := createJob(t, st, "already done")
	setCompleted(t, st, done, 100*time.Second)

	running := createJob(t, st, "halfway there")
	setRunning(t, st, running, now.Add(-time.Minute), 50)

	waiting := createJob(t, st, "up next")

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.AvgSeconds)
	assert.InDelta(t, 100.0, *snap.AvgSeconds, 1.0)
	require.Len(t, snap.Entries, 2)

	// Running at 50%: half the average remains.
	require.NotNil(t, snap.Entries[0].ETASeconds)
	assert.InDelta(t, 50.0, float64(*snap.Entries[0].ETASeconds), 2.0)

	// Pending at position 2: one full job ahead.
	assert.Equal(t, waiting.ID, snap.Entries[1].Job.ID)
	require.NotNil(t, snap.Entries[1].ETASeconds)
	assert.InDelta(t, 100.0, float64(*snap.Entries[1].ETASeconds), 2.0)
}

func TestDescribe(t *testing.T) {
	s, st := newTestScheduler(t)

	job := createJob(t, st, "findable")
	entry, err := s.Describe(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Position)

	// Terminal jobs are not in the live set.
	setCompleted(t, st, job, time.Minute)
	entry, err = s.Describe(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestETASeconds(t *testing.T) {
	avg := 200.0

	running := model.BomJob{Status: model.JobStatusRunning, OverallProgress: 75}
	eta := etaSeconds(running, 1, &avg)
	require.NotNil(t, eta)
	assert.Equal(t, int64(50), *eta)

	pending := model.BomJob{Status: model.JobStatusPending}
	eta = etaSeconds(pending, 3, &avg)
	require.NotNil(t, eta)
	assert.Equal(t, int64(400), *eta)

	assert.Nil(t, etaSeconds(running, 1, nil))

	paused := model.BomJob{Status: model.JobStatusPaused}
	assert.Nil(t, etaSeconds(paused, 1, &avg))

	// Progress beyond 100 never yields a negative estimate.
	over := model.BomJob{Status: model.JobStatusRunning, OverallProgress: 101}
	eta = etaSeconds(over, 1, &avg)
	require.NotNil(t, eta)
	assert.Equal(t, int64(0), *eta)
}
