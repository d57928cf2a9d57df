// Package coordinator owns the per-job state machine. It applies control
// signals through a pure transition function, journals every applied
// transition alongside the job row write, advances pipeline stages, and
// recovers active jobs at startup. Signals for one job serialize through a
// per-job mutex and re-read durable status under the lock, so a cancel
// that landed first always wins over a queued resume.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/bus"
	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/internal/store"
)

// NotApplicableError reports a signal that is invalid for the job's current
// status. The API maps it to 409 Conflict.
type NotApplicableError struct {
	JobID  string          `json:"job_id"`
	Signal model.Signal    `json:"signal"`
	Status model.JobStatus `json:"status"`
}

func (e *NotApplicableError) Error() string {
	return fmt.Sprintf("signal %s not applicable to job %s in status %s", e.Signal, e.JobID, e.Status)
}

// Coordinator drives job state transitions and stage advancement.
type Coordinator struct {
	store store.Store
	bus   *bus.Bus
	retry resilience.RetryConfig

	mu   sync.Mutex
	jobs map[string]*sync.Mutex
}

// New creates a coordinator. retryCfg governs persistence retries for
// transition writes.
func New(st store.Store, b *bus.Bus, retryCfg resilience.RetryConfig) *Coordinator {
	return &Coordinator{
		store: st,
		bus:   b,
		retry: retryCfg,
		jobs:  make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) jobLock(jobID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.jobs[jobID]
	if !ok {
		mu = &sync.Mutex{}
		c.jobs[jobID] = mu
	}
	return mu
}

// Signal applies a control signal to a job and returns the post-signal job.
// Idempotent re-sends return DecisionNoOp with no error and no duplicate
// journal entry. Invalid transitions return a NotApplicableError.
func (c *Coordinator) Signal(ctx context.Context, jobID string, sig model.Signal, actor string) (*model.BomJob, Decision, error) {
	mu := c.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, DecisionNoOp, eris.Wrap(err, "coordinator: load job")
	}
	if job == nil {
		return nil, DecisionNoOp, eris.Errorf("coordinator: job not found: %s", jobID)
	}

	next, decision := apply(job.Status, sig)
	switch decision {
	case DecisionNoOp:
		return job, decision, nil
	case DecisionNotApplicable:
		return job, decision, &NotApplicableError{JobID: jobID, Signal: sig, Status: job.Status}
	}

	now := time.Now().UTC()
	event := &model.JobEvent{
		JobID:     jobID,
		Type:      model.JobEventSignal,
		Signal:    sig,
		OldStatus: job.Status,
		NewStatus: next,
		OldStage:  job.Stage,
		NewStage:  job.Stage,
		Actor:     actor,
		CreatedAt: now,
	}

	if sig == model.SignalRestart {
		event.NewStage = model.StageRawUpload
		if err := c.persist(ctx, func(ctx context.Context) error {
			return c.store.ResetJob(ctx, jobID, event)
		}); err != nil {
			return nil, decision, eris.Wrap(err, "coordinator: reset job")
		}
		fresh, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, decision, eris.Wrap(err, "coordinator: reload job")
		}
		c.publishStatus(fresh)
		zap.L().Info("job restarted", zap.String("job_id", jobID), zap.String("actor", actor))
		return fresh, decision, nil
	}

	updated := *job
	updated.Status = next
	updated.UpdatedAt = now
	switch sig {
	case model.SignalStart:
		if updated.StartedAt == nil {
			updated.StartedAt = &now
		}
	case model.SignalCancel:
		updated.CompletedAt = &now
	}

	if err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateJobTransition(ctx, &updated, event)
	}); err != nil {
		return nil, decision, eris.Wrap(err, "coordinator: apply signal")
	}

	c.publishStatus(&updated)
	zap.L().Info("signal applied",
		zap.String("job_id", jobID),
		zap.String("signal", string(sig)),
		zap.String("old_status", string(job.Status)),
		zap.String("new_status", string(next)),
		zap.String("actor", actor),
	)
	return &updated, decision, nil
}

// AcceptItems records delivery of a job's normalized line items. The job
// starts, raw_upload and parsing complete, and the job enters enrichment
// ready for dispatch. Items may only be delivered to a pending job.
func (c *Coordinator) AcceptItems(ctx context.Context, jobID string, items []model.LineItem, actor string) (*model.BomJob, error) {
	if len(items) == 0 {
		return nil, eris.New("coordinator: no line items")
	}

	mu := c.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: load job")
	}
	if job == nil {
		return nil, eris.Errorf("coordinator: job not found: %s", jobID)
	}
	if job.Status != model.JobStatusPending {
		return job, &NotApplicableError{JobID: jobID, Signal: model.SignalStart, Status: job.Status}
	}

	// Items are persisted before any transition: a job with no stored
	// items never leaves pending.
	n, err := c.store.CreateLineItems(ctx, jobID, items)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: store line items")
	}
	job.TotalItems += n

	cur, err := c.beginLocked(ctx, job, actor)
	if err != nil {
		return nil, err
	}
	zap.L().Info("line items accepted",
		zap.String("job_id", jobID),
		zap.Int("items", n),
		zap.String("stage", string(cur.Stage)),
	)
	return cur, nil
}

// StartProcessing takes a pending job that already holds line items (after
// a restart) back into enrichment. Jobs without items stay pending.
func (c *Coordinator) StartProcessing(ctx context.Context, jobID, actor string) (*model.BomJob, error) {
	mu := c.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: load job")
	}
	if job == nil {
		return nil, eris.Errorf("coordinator: job not found: %s", jobID)
	}
	if job.Status != model.JobStatusPending {
		return job, &NotApplicableError{JobID: jobID, Signal: model.SignalStart, Status: job.Status}
	}
	if job.TotalItems == 0 {
		return nil, eris.Errorf("coordinator: job %s has no line items", jobID)
	}
	return c.beginLocked(ctx, job, actor)
}

// beginLocked starts a pending job and advances it through raw_upload and
// parsing into enrichment. Delivery completes raw_upload, and persisting
// the normalized items is the whole of parsing, so both stages advance
// immediately. Callers hold the job lock.
func (c *Coordinator) beginLocked(ctx context.Context, job *model.BomJob, actor string) (*model.BomJob, error) {
	now := time.Now().UTC()
	updated := *job
	updated.Status = model.JobStatusRunning
	updated.StartedAt = &now
	updated.UpdatedAt = now
	event := &model.JobEvent{
		JobID:     job.ID,
		Type:      model.JobEventSignal,
		Signal:    model.SignalStart,
		OldStatus: model.JobStatusPending,
		NewStatus: model.JobStatusRunning,
		OldStage:  job.Stage,
		NewStage:  job.Stage,
		Actor:     actor,
		CreatedAt: now,
	}
	if err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateJobTransition(ctx, &updated, event)
	}); err != nil {
		return nil, eris.Wrap(err, "coordinator: start job")
	}
	c.publishStatus(&updated)

	cur := &updated
	var err error
	for _, stage := range []model.Stage{model.StageRawUpload, model.StageParsing} {
		if cur.Stage != stage {
			break
		}
		cur, err = c.advanceLocked(ctx, cur, actor)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// AdvanceStage moves a running job to its next stage. Late completion
// callbacks for terminal or paused jobs are ignored and return the job
// unchanged.
func (c *Coordinator) AdvanceStage(ctx context.Context, jobID, actor string) (*model.BomJob, error) {
	mu := c.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: load job")
	}
	if job == nil {
		return nil, eris.Errorf("coordinator: job not found: %s", jobID)
	}
	if job.Status != model.JobStatusRunning || job.Stage == model.StageComplete {
		return job, nil
	}
	return c.advanceLocked(ctx, job, actor)
}

// advanceLocked writes the stage transition. Callers hold the job lock.
func (c *Coordinator) advanceLocked(ctx context.Context, job *model.BomJob, actor string) (*model.BomJob, error) {
	now := time.Now().UTC()
	next := model.NextStage(job.Stage)

	updated := *job
	updated.Stage = next
	updated.UpdatedAt = now
	event := &model.JobEvent{
		JobID:     job.ID,
		Type:      model.JobEventStageChanged,
		OldStatus: job.Status,
		NewStatus: job.Status,
		OldStage:  job.Stage,
		NewStage:  next,
		Actor:     actor,
		CreatedAt: now,
	}

	if next == model.StageComplete {
		updated.Status = model.JobStatusCompleted
		updated.StageProgress = 100
		updated.OverallProgress = 100
		updated.CompletedAt = &now
		event.Type = model.JobEventCompleted
		event.NewStatus = model.JobStatusCompleted
	} else {
		updated.StageProgress = 0
		updated.OverallProgress = model.OverallProgress(next, 0)
	}

	if err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateJobTransition(ctx, &updated, event)
	}); err != nil {
		return nil, eris.Wrap(err, "coordinator: advance stage")
	}

	typ := model.EventStageChanged
	if updated.Status == model.JobStatusCompleted {
		typ = model.EventCompleted
	}
	c.publish(typ, &updated, "")
	zap.L().Info("stage advanced",
		zap.String("job_id", job.ID),
		zap.String("from", string(job.Stage)),
		zap.String("to", string(next)),
	)
	return &updated, nil
}

// ReportStageProgress records fractional progress within the current stage.
// Terminal jobs ignore late reports. The caller publishes its own detailed
// progress event; this only persists the numbers.
func (c *Coordinator) ReportStageProgress(ctx context.Context, jobID string, stageProgress float64) (*model.BomJob, error) {
	mu := c.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: load job")
	}
	if job == nil {
		return nil, eris.Errorf("coordinator: job not found: %s", jobID)
	}
	if job.Status.Terminal() {
		return job, nil
	}
	// Progress within a stage only moves forward; a slower writer reporting
	// an older percentage is dropped.
	if stageProgress <= job.StageProgress {
		return job, nil
	}

	overall := model.OverallProgress(job.Stage, stageProgress)
	if err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateJobProgress(ctx, jobID, job.Stage, stageProgress, overall)
	}); err != nil {
		return nil, eris.Wrap(err, "coordinator: update progress")
	}
	job.StageProgress = stageProgress
	job.OverallProgress = overall
	return job, nil
}

// FailJob marks a job failed after an unrecoverable coordinator error.
// Item-level failures never route here; they only bump counters.
func (c *Coordinator) FailJob(ctx context.Context, jobID, cause string) (*model.BomJob, error) {
	mu := c.jobLock(jobID)
	mu.Lock()
	defer mu.Unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: load job")
	}
	if job == nil {
		return nil, eris.Errorf("coordinator: job not found: %s", jobID)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	now := time.Now().UTC()
	updated := *job
	updated.Status = model.JobStatusFailed
	updated.CompletedAt = &now
	updated.UpdatedAt = now
	event := &model.JobEvent{
		JobID:     jobID,
		Type:      model.JobEventFailed,
		OldStatus: job.Status,
		NewStatus: model.JobStatusFailed,
		OldStage:  job.Stage,
		NewStage:  job.Stage,
		Actor:     "coordinator",
		Detail:    cause,
		CreatedAt: now,
	}
	if err := c.persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateJobTransition(ctx, &updated, event)
	}); err != nil {
		return nil, eris.Wrap(err, "coordinator: fail job")
	}

	c.publish(model.EventError, &updated, cause)
	zap.L().Error("job failed", zap.String("job_id", jobID), zap.String("cause", cause))
	return &updated, nil
}

// RecoverActive returns the jobs to re-dispatch after a process restart.
// Running jobs resume enrichment immediately; paused jobs wait for an
// operator resume. Claims leased by the previous process fall back into
// the claim pool when their lease expires.
func (c *Coordinator) RecoverActive(ctx context.Context) ([]model.BomJob, error) {
	jobs, err := c.store.ListActiveJobs(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "coordinator: recover active")
	}
	var running []model.BomJob
	for _, j := range jobs {
		if j.Status == model.JobStatusRunning {
			running = append(running, j)
		}
	}
	if len(jobs) > 0 {
		zap.L().Info("recovered active jobs",
			zap.Int("running", len(running)),
			zap.Int("paused", len(jobs)-len(running)),
		)
	}
	return running, nil
}

// persist runs a store write through the coordinator's retry policy.
func (c *Coordinator) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, c.retry, fn)
}

func (c *Coordinator) publishStatus(job *model.BomJob) {
	c.publish(model.EventProgress, job, "")
}

func (c *Coordinator) publish(typ model.EventType, job *model.BomJob, errText string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(model.ProgressEvent{
		Type:          typ,
		JobID:         job.ID,
		Status:        job.Status,
		Stage:         job.Stage,
		Progress:      job.OverallProgress,
		TotalItems:    job.TotalItems,
		EnrichedItems: job.EnrichedItems,
		FailedItems:   job.FailedItems,
		Error:         errText,
		At:            time.Now().UTC(),
	})
}
