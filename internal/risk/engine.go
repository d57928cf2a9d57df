package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/store"
)

// Engine scores enriched line items and maintains the roll-up summaries.
// Profiles are read on every scored item, so they are cached and refreshed
// on update.
type Engine struct {
	store  store.Store
	policy Policy

	mu       sync.RWMutex
	profiles map[string]*model.RiskProfile
}

// NewEngine creates a scoring engine with the given grading policy.
func NewEngine(st store.Store, policy Policy) *Engine {
	return &Engine{
		store:    st,
		policy:   policy,
		profiles: make(map[string]*model.RiskProfile),
	}
}

// Policy returns the active grading policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Profile returns the tenant's scoring profile, falling back to the defaults
// for tenants that never customized one.
func (e *Engine) Profile(ctx context.Context, tenantID string) (*model.RiskProfile, error) {
	e.mu.RLock()
	p, ok := e.profiles[tenantID]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := e.store.GetRiskProfile(ctx, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "risk: load profile")
	}
	if p == nil {
		p = model.DefaultRiskProfile(tenantID)
	}

	e.mu.Lock()
	e.profiles[tenantID] = p
	e.mu.Unlock()
	return p, nil
}

// PutProfile validates and persists a tenant profile, then refreshes the
// cache so in-flight scoring picks up the change.
func (e *Engine) PutProfile(ctx context.Context, profile *model.RiskProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	profile.UpdatedAt = time.Now().UTC()
	if err := e.store.PutRiskProfile(ctx, profile); err != nil {
		return eris.Wrap(err, "risk: save profile")
	}

	e.mu.Lock()
	e.profiles[profile.TenantID] = profile
	e.mu.Unlock()
	zap.L().Info("risk profile updated", zap.String("tenant_id", profile.TenantID))
	return nil
}

// ScoreJob computes base and contextual scores for every enriched item of a
// job, then refreshes the BOM, project, and history roll-ups. Every write is
// an upsert and the scored counter is set by delta, so re-running after a
// crash converges instead of double counting.
func (e *Engine) ScoreJob(ctx context.Context, job *model.BomJob) error {
	items, err := e.store.ListItems(ctx, job.ID)
	if err != nil {
		return eris.Wrap(err, "risk: list items")
	}
	profile, err := e.Profile(ctx, job.TenantID)
	if err != nil {
		return err
	}
	defaults := model.DefaultRiskProfile(job.TenantID)

	now := time.Now().UTC()
	bases := make([]model.BaseRiskScore, 0, len(items))
	contextuals := make([]model.ContextualRiskScore, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.Status != model.ItemStatusEnriched || it.Attributes == nil {
			continue
		}
		factors := computeFactors(it.Attributes)
		base := baseScore(factors, defaults.Weights)

		key := model.PartKey(it.MPN, it.Manufacturer)
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			bases = append(bases, model.BaseRiskScore{
				PartKey:      key,
				MPN:          it.MPN,
				Manufacturer: it.Manufacturer,
				Factors:      factors,
				TotalScore:   base,
				RiskLevel:    defaults.LevelFor(base),
				ComputedAt:   now,
			})
		}

		sc := contextualScore(&it, base, profile)
		sc.ComputedAt = now
		contextuals = append(contextuals, sc)
	}

	if len(bases) > 0 {
		if err := e.store.UpsertBaseScores(ctx, bases); err != nil {
			return eris.Wrap(err, "risk: upsert base scores")
		}
	}
	if len(contextuals) > 0 {
		if err := e.store.UpsertContextualScores(ctx, contextuals); err != nil {
			return eris.Wrap(err, "risk: upsert contextual scores")
		}
	}

	fresh, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return eris.Wrap(err, "risk: reload job")
	}
	if fresh == nil {
		return eris.Errorf("risk: job not found: %s", job.ID)
	}
	if delta := len(contextuals) - fresh.RiskScoredItems; delta != 0 {
		if _, err := e.store.BumpJobCounters(ctx, job.ID, 0, 0, delta); err != nil {
			return eris.Wrap(err, "risk: bump scored counter")
		}
	}

	if _, err := e.RecomputeBomSummary(ctx, job.ID); err != nil {
		return err
	}
	if _, err := e.RecomputeProjectSummary(ctx, job.ProjectID); err != nil {
		return err
	}

	zap.L().Info("risk scoring complete",
		zap.String("job_id", job.ID),
		zap.Int("scored", len(contextuals)),
		zap.Int("parts", len(bases)),
	)
	return nil
}

// RecomputeBomSummary rebuilds a job's roll-up from its stored contextual
// scores. Jobs with nothing scored have no summary.
func (e *Engine) RecomputeBomSummary(ctx context.Context, jobID string) (*model.BomRiskSummary, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "risk: load job")
	}
	if job == nil {
		return nil, eris.Errorf("risk: job not found: %s", jobID)
	}

	scores, err := e.store.ListContextualScores(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "risk: list scores")
	}
	if len(scores) == 0 {
		return nil, nil
	}
	quantities, err := e.itemQuantities(ctx, jobID)
	if err != nil {
		return nil, err
	}

	prev, err := e.store.GetBomSummary(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "risk: load previous summary")
	}
	var prevWeighted *float64
	if prev != nil {
		prevWeighted = &prev.WeightedScore
	}

	agg := aggregateScores(scores, quantities)
	now := time.Now().UTC()
	summary := &model.BomRiskSummary{
		JobID:         jobID,
		TenantID:      job.TenantID,
		ProjectID:     job.ProjectID,
		LevelCounts:   agg.counts,
		AverageScore:  agg.average,
		WeightedScore: agg.weighted,
		MaxScore:      agg.max,
		MinScore:      agg.min,
		ItemCount:     agg.items,
		HealthGrade:   e.policy.GradeFor(agg.weighted),
		Trend:         e.policy.TrendFor(prevWeighted, agg.weighted),
		ComputedAt:    now,
	}
	if err := e.store.SaveBomSummary(ctx, summary); err != nil {
		return nil, eris.Wrap(err, "risk: save bom summary")
	}
	if err := e.recordHistory(ctx, model.EntityBom, jobID, summary.WeightedScore, summary.HealthGrade, now); err != nil {
		return nil, err
	}
	return summary, nil
}

// RecomputeProjectSummary rebuilds a project's roll-up across all of its
// jobs' contextual scores.
func (e *Engine) RecomputeProjectSummary(ctx context.Context, projectID string) (*model.ProjectRiskSummary, error) {
	jobs, err := e.store.ListJobs(ctx, store.JobFilter{ProjectID: projectID, Limit: 500})
	if err != nil {
		return nil, eris.Wrap(err, "risk: list project jobs")
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	var all []model.ContextualRiskScore
	quantities := make(map[string]int)
	jobCount := 0
	for _, j := range jobs {
		scores, err := e.store.ListContextualScores(ctx, j.ID)
		if err != nil {
			return nil, eris.Wrap(err, "risk: list scores")
		}
		if len(scores) == 0 {
			continue
		}
		jobCount++
		all = append(all, scores...)
		q, err := e.itemQuantities(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		for id, qty := range q {
			quantities[id] = qty
		}
	}
	if len(all) == 0 {
		return nil, nil
	}

	prev, err := e.store.GetProjectSummary(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "risk: load previous summary")
	}
	var prevWeighted *float64
	if prev != nil {
		prevWeighted = &prev.WeightedScore
	}

	agg := aggregateScores(all, quantities)
	now := time.Now().UTC()
	summary := &model.ProjectRiskSummary{
		ProjectID:     projectID,
		TenantID:      jobs[0].TenantID,
		LevelCounts:   agg.counts,
		AverageScore:  agg.average,
		WeightedScore: agg.weighted,
		MaxScore:      agg.max,
		MinScore:      agg.min,
		JobCount:      jobCount,
		ItemCount:     agg.items,
		HealthGrade:   e.policy.GradeFor(agg.weighted),
		Trend:         e.policy.TrendFor(prevWeighted, agg.weighted),
		ComputedAt:    now,
	}
	if err := e.store.SaveProjectSummary(ctx, summary); err != nil {
		return nil, eris.Wrap(err, "risk: save project summary")
	}
	if err := e.recordHistory(ctx, model.EntityProject, projectID, summary.WeightedScore, summary.HealthGrade, now); err != nil {
		return nil, err
	}
	return summary, nil
}

func (e *Engine) itemQuantities(ctx context.Context, jobID string) (map[string]int, error) {
	items, err := e.store.ListItems(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "risk: list items")
	}
	q := make(map[string]int, len(items))
	for _, it := range items {
		q[it.ID] = it.Quantity
	}
	return q, nil
}

func (e *Engine) recordHistory(ctx context.Context, entityType, entityID string, weighted float64, grade model.HealthGrade, now time.Time) error {
	point := &model.RiskHistoryPoint{
		EntityType:    entityType,
		EntityID:      entityID,
		Day:           model.HistoryDay(now),
		WeightedScore: weighted,
		HealthGrade:   grade,
		CreatedAt:     now,
	}
	if err := e.store.UpsertHistoryPoint(ctx, point); err != nil {
		return eris.Wrap(err, "risk: record history")
	}
	return nil
}

type rollup struct {
	counts   map[model.RiskLevel]int
	average  float64
	weighted float64
	max      float64
	min      float64
	items    int
}

// aggregateScores folds contextual scores into the summary numbers. The
// weighted average weighs each score by its line item's quantity, so one
// risky jellybean part used five thousand times outweighs a safe one-off.
func aggregateScores(scores []model.ContextualRiskScore, quantities map[string]int) rollup {
	r := rollup{counts: make(map[model.RiskLevel]int)}
	if len(scores) == 0 {
		return r
	}

	var sum, weightedSum float64
	var totalQty int
	for i, s := range scores {
		r.counts[s.RiskLevel]++
		sum += s.Score

		qty := quantities[s.LineItemID]
		if qty <= 0 {
			qty = 1
		}
		weightedSum += s.Score * float64(qty)
		totalQty += qty

		if i == 0 || s.Score > r.max {
			r.max = s.Score
		}
		if i == 0 || s.Score < r.min {
			r.min = s.Score
		}
	}
	r.items = len(scores)
	r.average = round2(sum / float64(len(scores)))
	r.weighted = round2(weightedSum / float64(totalQty))
	return r
}
