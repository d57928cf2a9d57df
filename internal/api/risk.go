package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/traceline/bomflow/internal/model"
)

func (s *Server) getRiskProfile(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	profile, err := s.engine.Profile(r.Context(), orgID)
	if err != nil {
		zap.L().Error("load risk profile", zap.String("tenant_id", orgID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "load risk profile")
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (s *Server) putRiskProfile(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	var profile model.RiskProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// The route owns tenant identity; a mismatched body does not move the
	// profile to another org.
	profile.TenantID = orgID

	if err := s.engine.PutProfile(r.Context(), &profile); err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, verr)
			return
		}
		zap.L().Error("store risk profile", zap.String("tenant_id", orgID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store risk profile")
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (s *Server) bomRiskSummary(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	summary, err := s.store.GetBomSummary(r.Context(), job.ID)
	if err != nil {
		zap.L().Error("load bom summary", zap.String("job_id", job.ID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "load bom summary")
		return
	}
	if summary == nil {
		respondError(w, http.StatusNotFound, "no risk summary for this bom yet")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) projectRiskSummary(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(chi.URLParam(r, "projectID"))
	if projectID == "" {
		respondError(w, http.StatusBadRequest, "project id is required")
		return
	}
	summary, err := s.store.GetProjectSummary(r.Context(), projectID)
	if err != nil {
		zap.L().Error("load project summary", zap.String("project_id", projectID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "load project summary")
		return
	}
	if summary == nil {
		respondError(w, http.StatusNotFound, "no risk summary for this project yet")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
