// Package enrich runs the enrichment stage. Workers claim pending line
// items under a lease, resolve part data through the supplier cascade, and
// record per-item outcomes. Per-job concurrency is capped by an errgroup
// limit and cross-job supplier pressure by a weighted semaphore. Item
// failures never fail the job; only exhausted persistence does.
package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/traceline/bomflow/internal/bus"
	"github.com/traceline/bomflow/internal/coordinator"
	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/internal/scheduler"
	"github.com/traceline/bomflow/internal/store"
	"github.com/traceline/bomflow/internal/supplier"
	"github.com/traceline/bomflow/pkg/catalog"
)

// Scorer computes risk scores for a job once enrichment finishes.
type Scorer interface {
	ScoreJob(ctx context.Context, job *model.BomJob) error
}

// Config tunes the worker pool.
type Config struct {
	PerJob       int                    // concurrent workers per job
	GlobalLimit  int64                  // concurrent lookups across all jobs
	ClaimTTL     time.Duration          // item lease duration
	MaxAttempts  int                    // per-item retry budget
	Backoff      resilience.RetryConfig // delay schedule for item requeues
	PollInterval time.Duration          // wait between sweeps while items are deferred
}

func (c Config) withDefaults() Config {
	if c.PerJob <= 0 {
		c.PerJob = 4
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 16
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Pool is the enrichment worker pool shared by every running job.
type Pool struct {
	store    store.Store
	resolver *supplier.Resolver
	coord    *coordinator.Coordinator
	sched    *scheduler.Scheduler
	bus      *bus.Bus
	scorer   Scorer
	cfg      Config

	global     *semaphore.Weighted
	storeRetry resilience.RetryConfig

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewPool creates the worker pool. scorer may be nil, in which case jobs
// skip straight through risk analysis unscored.
func NewPool(st store.Store, resolver *supplier.Resolver, coord *coordinator.Coordinator, sched *scheduler.Scheduler, b *bus.Bus, scorer Scorer, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		store:    st,
		resolver: resolver,
		coord:    coord,
		sched:    sched,
		bus:      b,
		scorer:   scorer,
		cfg:      cfg,
		global:   semaphore.NewWeighted(cfg.GlobalLimit),
		storeRetry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			ShouldRetry:    func(error) bool { return true },
		},
		active: make(map[string]struct{}),
	}
}

// Dispatch launches the processing loop for a job in the background. A job
// already being worked is left alone.
func (p *Pool) Dispatch(ctx context.Context, jobID string) {
	if !p.acquireJob(jobID) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.releaseJob(jobID)
		if err := p.run(ctx, jobID); err != nil {
			zap.L().Error("enrichment run aborted",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}()
}

// Run processes one job synchronously. Used by the one-shot enrich command.
func (p *Pool) Run(ctx context.Context, jobID string) error {
	if !p.acquireJob(jobID) {
		return nil
	}
	defer p.releaseJob(jobID)
	return p.run(ctx, jobID)
}

// Wait blocks until every background run has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) acquireJob(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.active[jobID]; busy {
		return false
	}
	p.active[jobID] = struct{}{}
	return true
}

func (p *Pool) releaseJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, jobID)
}

// run drives one job until its enrichment stage finishes or dispatch stops
// (pause, cancel, shutdown). In-flight items always finish; the claim lease
// re-dispatches anything stranded by a crash.
func (p *Pool) run(ctx context.Context, jobID string) error {
	log := zap.L().With(zap.String("job_id", jobID))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PerJob)

	for {
		if ctx.Err() != nil {
			break
		}

		job, err := p.store.GetJob(ctx, jobID)
		if err != nil {
			_ = g.Wait()
			return p.abort(ctx, jobID, eris.Wrap(err, "enrich: load job"))
		}
		if job == nil {
			_ = g.Wait()
			return eris.Errorf("enrich: job not found: %s", jobID)
		}
		if job.Status != model.JobStatusRunning {
			log.Info("dispatch stopped", zap.String("status", string(job.Status)))
			break
		}
		if job.Stage == model.StageRiskAnalysis {
			// Resumed or recovered mid-analysis: score without re-enriching.
			_ = g.Wait()
			return p.scoreAndComplete(ctx, job)
		}
		if job.Stage != model.StageEnrichment {
			log.Info("dispatch stopped", zap.String("stage", string(job.Stage)))
			break
		}

		item, err := p.store.ClaimNextItem(ctx, jobID, p.cfg.ClaimTTL)
		if err != nil {
			_ = g.Wait()
			return p.abort(ctx, jobID, eris.Wrap(err, "enrich: claim item"))
		}
		if item == nil {
			// Nothing dispatchable right now. Let in-flight workers land,
			// then either the stage is done or deferred items remain.
			if err := g.Wait(); err != nil {
				return p.abort(ctx, jobID, err)
			}
			pending, _, _, err := p.store.CountItems(ctx, jobID)
			if err != nil {
				return p.abort(ctx, jobID, eris.Wrap(err, "enrich: count items"))
			}
			if pending == 0 {
				return p.finishStage(ctx, jobID)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.PollInterval):
			}
			// A fresh group per sweep: the previous group is spent once
			// Wait has returned.
			g, gctx = errgroup.WithContext(ctx)
			g.SetLimit(p.cfg.PerJob)
			continue
		}

		g.Go(func() error {
			p.processItem(gctx, job, item)
			return nil // item outcomes never abort the job
		})
	}

	return g.Wait()
}

// processItem resolves one claimed item and records the outcome.
func (p *Pool) processItem(ctx context.Context, job *model.BomJob, item *model.LineItem) {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("item_id", item.ID),
		zap.String("mpn", item.MPN),
	)

	if err := p.global.Acquire(ctx, 1); err != nil {
		// Shutdown while queued for a slot: the lease expires and the
		// item is claimed again later.
		return
	}
	defer p.global.Release(1)

	part, err := p.resolver.Resolve(ctx, item.MPN, item.Manufacturer)
	switch {
	case err == nil:
		p.completeItem(ctx, job, item, part, log)

	case errors.Is(err, resilience.ErrCircuitOpen):
		// Deferred, not failed: no retry budget consumed.
		delay := p.resolver.CoolDown()
		p.requeueItem(ctx, item, delay, err, false, log)
		log.Warn("item deferred by open circuit",
			zap.String("error_class", "circuit_open"),
			zap.Duration("retry_in", delay),
		)

	case errors.Is(err, catalog.ErrNotFound):
		p.failItem(ctx, job, item, err, "permanent", log)

	case resilience.IsTransient(err):
		if item.Attempts+1 >= p.cfg.MaxAttempts {
			p.failItem(ctx, job, item, err, "transient", log)
			return
		}
		delay := resilience.BackoffFor(p.cfg.Backoff, item.Attempts)
		p.requeueItem(ctx, item, delay, err, true, log)
		log.Warn("item requeued after transient failure",
			zap.Int("attempts", item.Attempts+1),
			zap.Duration("retry_in", delay),
		)

	default:
		p.failItem(ctx, job, item, err, "permanent", log)
	}
}

func (p *Pool) completeItem(ctx context.Context, job *model.BomJob, item *model.LineItem, part *catalog.PartData, log *zap.Logger) {
	if err := p.storeWrite(ctx, func(ctx context.Context) error {
		return p.store.CompleteItem(ctx, item.ID, part)
	}); err != nil {
		// The lease expires and the item is processed again.
		log.Error("persisting enrichment failed", zap.Error(err))
		return
	}
	fresh, err := p.bumpCounters(ctx, job.ID, 1, 0)
	if err != nil {
		log.Error("bumping counters failed", zap.Error(err))
		return
	}
	fresh = p.reportItemProgress(ctx, fresh)
	p.publishProgress(ctx, fresh, item.MPN, model.EventProgress, "")
	log.Debug("item enriched", zap.String("supplier", part.Supplier))
}

func (p *Pool) failItem(ctx context.Context, job *model.BomJob, item *model.LineItem, cause error, class string, log *zap.Logger) {
	if err := p.storeWrite(ctx, func(ctx context.Context) error {
		return p.store.FailItem(ctx, item.ID, cause.Error(), class)
	}); err != nil {
		log.Error("persisting item failure failed", zap.Error(err))
		return
	}
	fresh, err := p.bumpCounters(ctx, job.ID, 0, 1)
	if err != nil {
		log.Error("bumping counters failed", zap.Error(err))
		return
	}
	fresh = p.reportItemProgress(ctx, fresh)
	p.publishProgress(ctx, fresh, item.MPN, model.EventItemFailed, cause.Error())
	log.Warn("item failed",
		zap.String("error_class", class),
		zap.Int("attempts", item.Attempts),
		zap.Error(cause),
	)
}

func (p *Pool) requeueItem(ctx context.Context, item *model.LineItem, delay time.Duration, cause error, consumeAttempt bool, log *zap.Logger) {
	if err := p.storeWrite(ctx, func(ctx context.Context) error {
		return p.store.RequeueItem(ctx, item.ID, time.Now().UTC().Add(delay), cause.Error(), consumeAttempt)
	}); err != nil {
		log.Error("requeueing item failed", zap.Error(err))
	}
}

// finishStage advances the job out of enrichment once every item is
// terminal. Failed items do not block progression to risk analysis.
func (p *Pool) finishStage(ctx context.Context, jobID string) error {
	job, err := p.coord.AdvanceStage(ctx, jobID, "enrich")
	if err != nil {
		return p.abort(ctx, jobID, err)
	}
	if job.Status != model.JobStatusRunning || job.Stage != model.StageRiskAnalysis {
		// Paused or cancelled at the stage boundary; a resume or restart
		// picks the job back up.
		return nil
	}
	return p.scoreAndComplete(ctx, job)
}

// scoreAndComplete runs risk analysis and closes the job out.
func (p *Pool) scoreAndComplete(ctx context.Context, job *model.BomJob) error {
	if p.scorer != nil {
		if err := p.scorer.ScoreJob(ctx, job); err != nil {
			return p.abort(ctx, job.ID, eris.Wrap(err, "enrich: risk scoring"))
		}
	}
	done, err := p.coord.AdvanceStage(ctx, job.ID, "enrich")
	if err != nil {
		return p.abort(ctx, job.ID, err)
	}
	zap.L().Info("job finished",
		zap.String("job_id", done.ID),
		zap.String("status", string(done.Status)),
		zap.Int("enriched", done.EnrichedItems),
		zap.Int("failed", done.FailedItems),
	)
	return nil
}

// abort marks the job failed after an unrecoverable error. This is the only
// path that fails a job; item-level outcomes never route here.
func (p *Pool) abort(ctx context.Context, jobID string, cause error) error {
	if ctx.Err() != nil {
		// Shutdown, not failure: recovery re-dispatches the job.
		return nil
	}
	if _, err := p.coord.FailJob(ctx, jobID, cause.Error()); err != nil {
		zap.L().Error("marking job failed failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return cause
}

// reportItemProgress persists stage progress derived from item counters.
func (p *Pool) reportItemProgress(ctx context.Context, job *model.BomJob) *model.BomJob {
	if job.TotalItems == 0 {
		return job
	}
	terminal := job.EnrichedItems + job.FailedItems
	stageProgress := float64(terminal) / float64(job.TotalItems) * 100
	updated, err := p.coord.ReportStageProgress(ctx, job.ID, stageProgress)
	if err != nil {
		zap.L().Error("reporting progress failed", zap.String("job_id", job.ID), zap.Error(err))
		return job
	}
	return updated
}

func (p *Pool) publishProgress(ctx context.Context, job *model.BomJob, currentItem string, typ model.EventType, errText string) {
	if p.bus == nil {
		return
	}
	var eta *int64
	if p.sched != nil {
		if entry, err := p.sched.Describe(ctx, job.ID); err == nil && entry != nil {
			eta = entry.ETASeconds
		}
	}
	p.bus.Publish(model.ProgressEvent{
		Type:          typ,
		JobID:         job.ID,
		Status:        job.Status,
		Stage:         job.Stage,
		Progress:      job.OverallProgress,
		TotalItems:    job.TotalItems,
		EnrichedItems: job.EnrichedItems,
		FailedItems:   job.FailedItems,
		CurrentItem:   currentItem,
		Error:         errText,
		ETASeconds:    eta,
		At:            time.Now().UTC(),
	})
}

func (p *Pool) bumpCounters(ctx context.Context, jobID string, enriched, failed int) (*model.BomJob, error) {
	return resilience.DoVal(ctx, p.storeRetry, func(ctx context.Context) (*model.BomJob, error) {
		return p.store.BumpJobCounters(ctx, jobID, enriched, failed, 0)
	})
}

// storeWrite runs a store mutation through the pool's persistence retry.
func (p *Pool) storeWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, p.storeRetry, fn)
}
