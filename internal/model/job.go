package model

import (
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a BOM processing job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can never transition again
// except via Restart.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Stage identifies a step of the BOM processing pipeline.
type Stage string

const (
	StageRawUpload    Stage = "raw_upload"
	StageParsing      Stage = "parsing"
	StageEnrichment   Stage = "enrichment"
	StageRiskAnalysis Stage = "risk_analysis"
	StageComplete     Stage = "complete"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []Stage{
	StageRawUpload,
	StageParsing,
	StageEnrichment,
	StageRiskAnalysis,
	StageComplete,
}

// stageWeights is each stage's contribution to overall progress. Sums to 100.
var stageWeights = map[Stage]float64{
	StageRawUpload:    10,
	StageParsing:      10,
	StageEnrichment:   60,
	StageRiskAnalysis: 15,
	StageComplete:     5,
}

// StageWeight returns the overall-progress weight of a stage.
func StageWeight(s Stage) float64 {
	return stageWeights[s]
}

// NextStage returns the stage following s, or s unchanged when s is final.
func NextStage(s Stage) Stage {
	for i, st := range StageOrder {
		if st == s && i < len(StageOrder)-1 {
			return StageOrder[i+1]
		}
	}
	return s
}

// OverallProgress computes weighted progress across the pipeline. Stages
// before the current one count as fully complete, later stages as zero, and
// the current stage contributes proportionally to stageProgress (0-100).
func OverallProgress(stage Stage, stageProgress float64) float64 {
	if stageProgress < 0 {
		stageProgress = 0
	} else if stageProgress > 100 {
		stageProgress = 100
	}
	total := 0.0
	for _, st := range StageOrder {
		if st == stage {
			total += stageWeights[st] * stageProgress / 100
			break
		}
		total += stageWeights[st]
	}
	return math.Round(total*100) / 100
}

// Signal is a control instruction applied to a job by an operator or API
// caller.
type Signal string

const (
	SignalStart   Signal = "start"
	SignalPause   Signal = "pause"
	SignalResume  Signal = "resume"
	SignalCancel  Signal = "cancel"
	SignalRestart Signal = "restart"
)

// BomJob is a single BOM processing job, the unit of orchestration. A job is
// owned by exactly one coordinator at a time; all mutation flows through
// control signals and worker callbacks.
type BomJob struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	ProjectID       string     `json:"project_id"`
	Name            string     `json:"name"`
	Status          JobStatus  `json:"status"`
	Stage           Stage      `json:"stage"`
	StageProgress   float64    `json:"stage_progress"`
	OverallProgress float64    `json:"overall_progress"`
	TotalItems      int        `json:"total_items"`
	EnrichedItems   int        `json:"enriched_items"`
	FailedItems     int        `json:"failed_items"`
	RiskScoredItems int        `json:"risk_scored_items"`
	Archived        bool       `json:"archived,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobEvent is one entry of a job's append-only journal. Every applied
// transition writes exactly one event; replayed signals that change nothing
// write none.
type JobEvent struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	Signal    Signal    `json:"signal,omitempty"`
	OldStatus JobStatus `json:"old_status,omitempty"`
	NewStatus JobStatus `json:"new_status,omitempty"`
	OldStage  Stage     `json:"old_stage,omitempty"`
	NewStage  Stage     `json:"new_stage,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Journal event types.
const (
	JobEventSignal       = "signal"
	JobEventStageChanged = "stage_changed"
	JobEventCompleted    = "completed"
	JobEventFailed       = "failed"
)
