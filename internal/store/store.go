// Package store persists jobs, line items, scores, and the job event journal
// behind a single interface with SQLite and Postgres backends.
package store

import (
	"context"
	"time"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/pkg/catalog"
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status    model.JobStatus `json:"status,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// QueueStats summarizes completed-job timing for ETA computation.
type QueueStats struct {
	CompletedJobs  int      `json:"completed_jobs"`
	AvgSeconds     *float64 `json:"avg_seconds,omitempty"`
	OldestStartAge *float64 `json:"oldest_start_age_seconds,omitempty"`
}

// Store defines the persistence interface for the BOM orchestrator. All
// methods are safe for concurrent use.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, tenantID, projectID, name string) (*model.BomJob, error)
	GetJob(ctx context.Context, jobID string) (*model.BomJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.BomJob, error)
	// ListActiveJobs returns running and paused jobs for recovery at startup.
	ListActiveJobs(ctx context.Context) ([]model.BomJob, error)
	// UpdateJobTransition persists a status/stage change and, when event is
	// non-nil, appends it to the job's journal in the same transaction.
	UpdateJobTransition(ctx context.Context, job *model.BomJob, event *model.JobEvent) error
	// UpdateJobProgress writes stage and overall progress.
	UpdateJobProgress(ctx context.Context, jobID string, stage model.Stage, stageProgress, overallProgress float64) error
	// BumpJobCounters atomically increments item counters and returns the
	// fresh job row.
	BumpJobCounters(ctx context.Context, jobID string, enrichedDelta, failedDelta, riskScoredDelta int) (*model.BomJob, error)
	// ResetJob reverts a job and its items to the pre-processing state and
	// journals the restart.
	ResetJob(ctx context.Context, jobID string, event *model.JobEvent) error
	ListJobEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]model.JobEvent, error)
	// ArchiveTerminalJobs flags completed/failed/cancelled jobs older than
	// the retention window.
	ArchiveTerminalJobs(ctx context.Context, olderThan time.Duration) (int, error)

	// Line items
	CreateLineItems(ctx context.Context, jobID string, items []model.LineItem) (int, error)
	// ClaimNextItem leases the oldest dispatchable pending item of a job.
	// Items whose lease expired or whose deferred attempt time has passed are
	// claimable again. Returns nil when nothing is dispatchable.
	ClaimNextItem(ctx context.Context, jobID string, leaseTTL time.Duration) (*model.LineItem, error)
	CompleteItem(ctx context.Context, itemID string, attrs *catalog.PartData) error
	FailItem(ctx context.Context, itemID, lastError, errorClass string) error
	// RequeueItem returns a claimed item to the pending pool. consumeAttempt
	// distinguishes retry-budget failures from circuit-open deferrals.
	RequeueItem(ctx context.Context, itemID string, nextAttemptAt time.Time, lastError string, consumeAttempt bool) error
	CountItems(ctx context.Context, jobID string) (pending, enriched, failed int, err error)
	ListItems(ctx context.Context, jobID string) ([]model.LineItem, error)

	// Queue
	ListQueue(ctx context.Context) ([]model.BomJob, error)
	GetQueueStats(ctx context.Context) (*QueueStats, error)

	// Risk profiles and scores
	GetRiskProfile(ctx context.Context, tenantID string) (*model.RiskProfile, error)
	PutRiskProfile(ctx context.Context, profile *model.RiskProfile) error
	GetBaseScore(ctx context.Context, partKey string) (*model.BaseRiskScore, error)
	UpsertBaseScores(ctx context.Context, scores []model.BaseRiskScore) error
	UpsertContextualScores(ctx context.Context, scores []model.ContextualRiskScore) error
	ListContextualScores(ctx context.Context, jobID string) ([]model.ContextualRiskScore, error)

	// Summaries and history
	GetBomSummary(ctx context.Context, jobID string) (*model.BomRiskSummary, error)
	SaveBomSummary(ctx context.Context, summary *model.BomRiskSummary) error
	GetProjectSummary(ctx context.Context, projectID string) (*model.ProjectRiskSummary, error)
	SaveProjectSummary(ctx context.Context, summary *model.ProjectRiskSummary) error
	UpsertHistoryPoint(ctx context.Context, point *model.RiskHistoryPoint) error
	ListHistory(ctx context.Context, entityType, entityID string, limit int) ([]model.RiskHistoryPoint, error)

	// Monitoring
	CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	// StalledJobs returns running jobs without any write for at least the
	// given duration.
	StalledJobs(ctx context.Context, noProgressFor time.Duration) ([]model.BomJob, error)
	CountFailedItems(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
