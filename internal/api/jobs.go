package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/coordinator"
	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/internal/store"
)

type createJobRequest struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Name = strings.TrimSpace(req.Name)
	if req.TenantID == "" || req.ProjectID == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "tenant_id, project_id and name are required")
		return
	}

	job, err := s.store.CreateJob(r.Context(), req.TenantID, req.ProjectID, req.Name)
	if err != nil {
		zap.L().Error("create job", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "create job")
		return
	}
	zap.L().Info("job created",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("project_id", job.ProjectID),
	)
	respondJSON(w, http.StatusCreated, job)
}

// jobStatusResponse is a job snapshot joined with its current health grade.
type jobStatusResponse struct {
	model.BomJob
	HealthGrade model.HealthGrade `json:"health_grade,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	resp := jobStatusResponse{BomJob: *job}
	summary, err := s.store.GetBomSummary(r.Context(), job.ID)
	if err != nil {
		zap.L().Warn("load bom summary", zap.String("job_id", job.ID), zap.Error(err))
	} else if summary != nil {
		resp.HealthGrade = summary.HealthGrade
	}
	respondJSON(w, http.StatusOK, resp)
}

// jobListEntry joins a job with its live queue position and ETA. Position is
// zero for jobs that are not pending or running.
type jobListEntry struct {
	model.BomJob
	QueuePosition int    `json:"queue_position,omitempty"`
	ETASeconds    *int64 `json:"eta_seconds,omitempty"`
}

type jobListResponse struct {
	Jobs  []jobListEntry `json:"jobs"`
	Count int            `json:"count"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter, ok := jobFilterFrom(w, r)
	if !ok {
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		zap.L().Error("list jobs", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "list jobs")
		return
	}

	// Queue positions come from the scheduler's snapshot; jobs outside the
	// live queue keep zero values.
	positions := map[string]jobListEntry{}
	if snap, err := s.sched.Snapshot(r.Context()); err != nil {
		zap.L().Warn("queue snapshot", zap.Error(err))
	} else {
		for _, e := range snap.Entries {
			positions[e.Job.ID] = jobListEntry{QueuePosition: e.Position, ETASeconds: e.ETASeconds}
		}
	}

	resp := jobListResponse{Jobs: make([]jobListEntry, 0, len(jobs))}
	for _, j := range jobs {
		entry := jobListEntry{BomJob: j}
		if pos, ok := positions[j.ID]; ok {
			entry.QueuePosition = pos.QueuePosition
			entry.ETASeconds = pos.ETASeconds
		}
		resp.Jobs = append(resp.Jobs, entry)
	}
	resp.Count = len(resp.Jobs)
	respondJSON(w, http.StatusOK, resp)
}

func jobFilterFrom(w http.ResponseWriter, r *http.Request) (store.JobFilter, bool) {
	q := r.URL.Query()
	filter := store.JobFilter{
		TenantID:  q.Get("tenant_id"),
		ProjectID: q.Get("project_id"),
	}
	if raw := q.Get("status"); raw != "" {
		status := model.JobStatus(raw)
		switch status {
		case model.JobStatusPending, model.JobStatusRunning, model.JobStatusPaused,
			model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
			filter.Status = status
		default:
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return filter, false
		}
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, raw))
				return filter, false
			}
			*dst = n
		}
	}
	return filter, true
}

type deliverItemsRequest struct {
	Items []itemPayload `json:"items"`
}

type itemPayload struct {
	MPN            string            `json:"mpn"`
	Manufacturer   string            `json:"manufacturer"`
	Quantity       int               `json:"quantity"`
	RefDesignators []string          `json:"reference_designators"`
	Criticality    model.Criticality `json:"criticality"`
}

func (s *Server) deliverItems(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}

	var req deliverItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		respondError(w, http.StatusBadRequest, "items are required")
		return
	}

	items := make([]model.LineItem, 0, len(req.Items))
	for i, p := range req.Items {
		if strings.TrimSpace(p.MPN) == "" {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: mpn is required", i))
			return
		}
		switch p.Criticality {
		case "", model.CriticalityStandard, model.CriticalityHigh, model.CriticalityCritical:
		default:
			respondError(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: unknown criticality %q", i, p.Criticality))
			return
		}
		items = append(items, model.LineItem{
			MPN:            strings.TrimSpace(p.MPN),
			Manufacturer:   strings.TrimSpace(p.Manufacturer),
			Quantity:       p.Quantity,
			RefDesignators: p.RefDesignators,
			Criticality:    p.Criticality,
		})
	}

	updated, err := s.coord.AcceptItems(r.Context(), job.ID, items, actorFrom(r))
	if err != nil {
		var na *coordinator.NotApplicableError
		if errors.As(err, &na) {
			respondJSON(w, http.StatusConflict, na)
			return
		}
		zap.L().Error("accept items", zap.String("job_id", job.ID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "accept items")
		return
	}

	// The job is now in enrichment; processing continues under the server
	// lifetime so a client disconnect cannot orphan it.
	s.pool.Dispatch(s.runCtx, updated.ID)
	respondJSON(w, http.StatusAccepted, updated)
}

type signalResponse struct {
	Job      *model.BomJob `json:"job"`
	Decision string        `json:"decision"`
}

func (s *Server) signalHandler(sig model.Signal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := s.loadJob(w, r)
		if job == nil {
			return
		}
		updated, decision, err := s.coord.Signal(r.Context(), job.ID, sig, actorFrom(r))
		if err != nil {
			var na *coordinator.NotApplicableError
			if errors.As(err, &na) {
				respondJSON(w, http.StatusConflict, na)
				return
			}
			zap.L().Error("apply signal",
				zap.String("job_id", job.ID),
				zap.String("signal", string(sig)),
				zap.Error(err),
			)
			respondError(w, http.StatusInternalServerError, "apply signal")
			return
		}
		if sig == model.SignalResume && decision == coordinator.DecisionApplied {
			// A resumed job re-enters the pool; pending items resume from
			// durable state.
			s.pool.Dispatch(s.runCtx, updated.ID)
		}
		respondJSON(w, http.StatusOK, signalResponse{Job: updated, Decision: decision.String()})
	}
}

// restartJob resets a terminal job to the first stage and, when its line
// items are already stored, immediately reprocesses them.
func (s *Server) restartJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	updated, decision, err := s.coord.Signal(r.Context(), job.ID, model.SignalRestart, actorFrom(r))
	if err != nil {
		var na *coordinator.NotApplicableError
		if errors.As(err, &na) {
			respondJSON(w, http.StatusConflict, na)
			return
		}
		zap.L().Error("restart job", zap.String("job_id", job.ID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "restart job")
		return
	}

	if decision == coordinator.DecisionApplied && updated.TotalItems > 0 {
		started, err := s.coord.StartProcessing(s.runCtx, updated.ID, actorFrom(r))
		if err != nil {
			zap.L().Error("start after restart", zap.String("job_id", updated.ID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "start after restart")
			return
		}
		s.pool.Dispatch(s.runCtx, started.ID)
		updated = started
	}
	respondJSON(w, http.StatusOK, signalResponse{Job: updated, Decision: decision.String()})
}

func (s *Server) queueSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sched.Snapshot(r.Context())
	if err != nil {
		zap.L().Error("queue snapshot", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "queue snapshot")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
