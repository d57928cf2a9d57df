package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline/bomflow/internal/bus"
	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	b := bus.New(64)
	t.Cleanup(b.Close)
	c := New(st, b, resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond})
	return c, st, b
}

func createTestJob(t *testing.T, st store.Store) *model.BomJob {
	t.Helper()
	job, err := st.CreateJob(context.Background(), "tenant-1", "project-1", "mainboard rev C")
	require.NoError(t, err)
	return job
}

func testItems() []model.LineItem {
	return []model.LineItem{
		{MPN: "STM32F407VGT6", Manufacturer: "STMicroelectronics", Quantity: 2},
		{MPN: "GRM188R71H104KA93D", Manufacturer: "Murata", Quantity: 40},
	}
}

func countEvents(t *testing.T, st store.Store, jobID string) int {
	t.Helper()
	events, err := st.ListJobEvents(context.Background(), jobID, 0, 100)
	require.NoError(t, err)
	return len(events)
}

func TestSignal_StartPendingJob(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	got, decision, err := c.Signal(context.Background(), job.ID, model.SignalStart, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	events, err := st.ListJobEvents(context.Background(), job.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.JobEventSignal, events[0].Type)
	assert.Equal(t, model.SignalStart, events[0].Signal)
	assert.Equal(t, model.JobStatusPending, events[0].OldStatus)
	assert.Equal(t, model.JobStatusRunning, events[0].NewStatus)
	assert.Equal(t, "api", events[0].Actor)
}

func TestSignal_PauseNeverErrors(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	// Pause on a pending job is a no-op, not an error.
	got, decision, err := c.Signal(context.Background(), job.ID, model.SignalPause, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionNoOp, decision)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 0, countEvents(t, st, job.ID))

	_, _, err = c.Signal(context.Background(), job.ID, model.SignalStart, "api")
	require.NoError(t, err)

	got, decision, err = c.Signal(context.Background(), job.ID, model.SignalPause, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, model.JobStatusPaused, got.Status)

	// Double pause: idempotent, no duplicate journal entry.
	before := countEvents(t, st, job.ID)
	got, decision, err = c.Signal(context.Background(), job.ID, model.SignalPause, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionNoOp, decision)
	assert.Equal(t, model.JobStatusPaused, got.Status)
	assert.Equal(t, before, countEvents(t, st, job.ID))
}

func TestSignal_ResumeRequiresPaused(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, decision, err := c.Signal(context.Background(), job.ID, model.SignalResume, "api")
	require.Error(t, err)
	assert.Equal(t, DecisionNotApplicable, decision)
	var na *NotApplicableError
	require.True(t, errors.As(err, &na))
	assert.Equal(t, model.SignalResume, na.Signal)
	assert.Equal(t, model.JobStatusPending, na.Status)

	_, _, err = c.Signal(context.Background(), job.ID, model.SignalStart, "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalPause, "api")
	require.NoError(t, err)

	got, decision, err := c.Signal(context.Background(), job.ID, model.SignalResume, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, model.JobStatusRunning, got.Status)
}

func TestSignal_ConcurrentResumeAndCancelEndsCancelled(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, _, err := c.Signal(context.Background(), job.ID, model.SignalStart, "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalPause, "api")
	require.NoError(t, err)

	// Whichever order the two signals land in, cancel wins: either resume
	// applies first and cancel takes the running job down, or cancel
	// applies first and resume gets NotApplicable.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Signal(context.Background(), job.ID, model.SignalResume, "api") //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		c.Signal(context.Background(), job.ID, model.SignalCancel, "api") //nolint:errcheck
	}()
	wg.Wait()

	final, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, final.Status)
}

func TestSignal_CancelIdempotent(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	got, decision, err := c.Signal(context.Background(), job.ID, model.SignalCancel, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	before := countEvents(t, st, job.ID)
	got, decision, err = c.Signal(context.Background(), job.ID, model.SignalCancel, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionNoOp, decision)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.Equal(t, before, countEvents(t, st, job.ID))
}

func TestSignal_CancelCompletedNotApplicable(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)
	_, err = c.AdvanceStage(context.Background(), job.ID, "coordinator")
	require.NoError(t, err)
	got, err := c.AdvanceStage(context.Background(), job.ID, "coordinator")
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, got.Status)

	_, decision, err := c.Signal(context.Background(), job.ID, model.SignalCancel, "api")
	require.Error(t, err)
	assert.Equal(t, DecisionNotApplicable, decision)
	var na *NotApplicableError
	assert.True(t, errors.As(err, &na))
}

func TestSignal_RestartResets(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalCancel, "api")
	require.NoError(t, err)

	got, decision, err := c.Signal(context.Background(), job.ID, model.SignalRestart, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionApplied, decision)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, model.StageRawUpload, got.Stage)
	assert.Zero(t, got.OverallProgress)
	assert.Zero(t, got.EnrichedItems)
	assert.Zero(t, got.FailedItems)
	assert.Equal(t, 2, got.TotalItems)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	items, err := st.ListItems(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, model.ItemStatusPending, it.Status)
		assert.Zero(t, it.Attempts)
	}

	// Restarting a pending job is a no-op.
	before := countEvents(t, st, job.ID)
	_, decision, err = c.Signal(context.Background(), job.ID, model.SignalRestart, "api")
	require.NoError(t, err)
	assert.Equal(t, DecisionNoOp, decision)
	assert.Equal(t, before, countEvents(t, st, job.ID))
}

func TestStartProcessing_AfterRestart(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalCancel, "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalRestart, "api")
	require.NoError(t, err)

	got, err := c.StartProcessing(context.Background(), job.ID, "api")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, model.StageEnrichment, got.Stage)
	assert.Equal(t, 2, got.TotalItems)
	require.NotNil(t, got.StartedAt)
}

func TestStartProcessing_RequiresPending(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)

	_, err = c.StartProcessing(context.Background(), job.ID, "api")
	require.Error(t, err)
	var na *NotApplicableError
	assert.True(t, errors.As(err, &na))
}

func TestStartProcessing_RequiresItems(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.StartProcessing(context.Background(), job.ID, "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no line items")
}

func TestSignal_JobNotFound(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	_, _, err := c.Signal(context.Background(), "ghost", model.SignalStart, "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestSignal_PublishesProgressEvent(t *testing.T) {
	c, st, b := newTestCoordinator(t)
	job := createTestJob(t, st)
	sub := b.Subscribe(job.ID)
	defer sub.Close()

	_, _, err := c.Signal(context.Background(), job.ID, model.SignalStart, "api")
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, model.EventProgress, ev.Type)
		assert.Equal(t, model.JobStatusRunning, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no progress event published")
	}
}

func TestAcceptItems_AdvancesToEnrichment(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	got, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, got.Status)
	assert.Equal(t, model.StageEnrichment, got.Stage)
	assert.InDelta(t, 20.0, got.OverallProgress, 0.001)
	assert.Equal(t, 2, got.TotalItems)
	require.NotNil(t, got.StartedAt)

	// Journal: start signal plus two stage changes.
	events, err := st.ListJobEvents(context.Background(), job.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.JobEventSignal, events[0].Type)
	assert.Equal(t, model.JobEventStageChanged, events[1].Type)
	assert.Equal(t, model.StageParsing, events[1].NewStage)
	assert.Equal(t, model.JobEventStageChanged, events[2].Type)
	assert.Equal(t, model.StageEnrichment, events[2].NewStage)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageEnrichment, stored.Stage)
	assert.Equal(t, 2, stored.TotalItems)
}

func TestAcceptItems_RejectsNonPending(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)

	_, err = c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.Error(t, err)
	var na *NotApplicableError
	assert.True(t, errors.As(err, &na))
}

func TestAcceptItems_RequiresItems(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, nil, "api")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no line items")
}

func TestAdvanceStage_RunsToCompletion(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)

	got, err := c.AdvanceStage(context.Background(), job.ID, "coordinator")
	require.NoError(t, err)
	assert.Equal(t, model.StageRiskAnalysis, got.Stage)
	assert.InDelta(t, 80.0, got.OverallProgress, 0.001)
	assert.Equal(t, model.JobStatusRunning, got.Status)

	got, err = c.AdvanceStage(context.Background(), job.ID, "coordinator")
	require.NoError(t, err)
	assert.Equal(t, model.StageComplete, got.Stage)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.InDelta(t, 100.0, got.OverallProgress, 0.001)
	require.NotNil(t, got.CompletedAt)

	events, err := st.ListJobEvents(context.Background(), job.ID, 0, 10)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.JobEventCompleted, last.Type)
	assert.Equal(t, model.JobStatusCompleted, last.NewStatus)
}

func TestAdvanceStage_IgnoredWhenPaused(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalPause, "api")
	require.NoError(t, err)

	got, err := c.AdvanceStage(context.Background(), job.ID, "coordinator")
	require.NoError(t, err)
	assert.Equal(t, model.StageEnrichment, got.Stage)
	assert.Equal(t, model.JobStatusPaused, got.Status)
}

func TestAdvanceStage_IgnoredWhenTerminal(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalCancel, "api")
	require.NoError(t, err)

	got, err := c.AdvanceStage(context.Background(), job.ID, "coordinator")
	require.NoError(t, err)
	assert.Equal(t, model.StageEnrichment, got.Stage)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestReportStageProgress(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)

	got, err := c.ReportStageProgress(context.Background(), job.ID, 50)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.StageProgress, 0.001)
	assert.InDelta(t, 50.0, got.OverallProgress, 0.001)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, stored.OverallProgress, 0.001)
}

func TestReportStageProgress_NeverRegresses(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)

	_, err = c.ReportStageProgress(context.Background(), job.ID, 50)
	require.NoError(t, err)

	got, err := c.ReportStageProgress(context.Background(), job.ID, 25)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.StageProgress, 0.001)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, stored.StageProgress, 0.001)
}

func TestReportStageProgress_IgnoredWhenTerminal(t *testing.T) {
	c, st, _ := newTestCoordinator(t)
	job := createTestJob(t, st)

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), job.ID, model.SignalCancel, "api")
	require.NoError(t, err)

	got, err := c.ReportStageProgress(context.Background(), job.ID, 75)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	stored, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, 75.0, stored.StageProgress)
}

func TestFailJob(t *testing.T) {
	c, st, b := newTestCoordinator(t)
	job := createTestJob(t, st)
	sub := b.Subscribe(job.ID)
	defer sub.Close()

	_, err := c.AcceptItems(context.Background(), job.ID, testItems(), "api")
	require.NoError(t, err)

	got, err := c.FailJob(context.Background(), job.ID, "persistence retries exhausted")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)

	events, err := st.ListJobEvents(context.Background(), job.ID, 0, 10)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.JobEventFailed, last.Type)
	assert.Equal(t, "persistence retries exhausted", last.Detail)

	// Failing a terminal job is a no-op.
	before := countEvents(t, st, job.ID)
	got, err = c.FailJob(context.Background(), job.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, before, countEvents(t, st, job.ID))

	// The bus saw the error event.
	var sawError bool
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			if ev.Type == model.EventError {
				sawError = true
				assert.Equal(t, "persistence retries exhausted", ev.Error)
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	assert.True(t, sawError)
}

func TestRecoverActive(t *testing.T) {
	c, st, _ := newTestCoordinator(t)

	running := createTestJob(t, st)
	_, err := c.AcceptItems(context.Background(), running.ID, testItems(), "api")
	require.NoError(t, err)

	paused := createTestJob(t, st)
	_, err = c.AcceptItems(context.Background(), paused.ID, testItems(), "api")
	require.NoError(t, err)
	_, _, err = c.Signal(context.Background(), paused.ID, model.SignalPause, "api")
	require.NoError(t, err)

	cancelled := createTestJob(t, st)
	_, _, err = c.Signal(context.Background(), cancelled.ID, model.SignalCancel, "api")
	require.NoError(t, err)

	jobs, err := c.RecoverActive(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, running.ID, jobs[0].ID)
}
