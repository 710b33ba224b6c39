package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/campaign-sendqueue/internal/auth"
	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/service"
	"github.com/campaign-sendqueue/internal/types"
)

type controlFunc func(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error)

// campaignID parses the {id} route variable
func campaignID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// principal returns the caller set by AuthMiddleware
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// controlHandler serves POST /api/campaigns/{id}/<operation>
func (s *Server) controlHandler(op controlFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := campaignID(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid campaign id", nil)
			return
		}

		result, err := op(r.Context(), principal(r), id)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondControl(w, result)
	}
}

// handleCreateCampaign handles POST /api/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCampaignInput
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	c, err := s.campaigns.CreateCampaign(r.Context(), principal(r), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// handleGetCampaign handles GET /api/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid campaign id", nil)
		return
	}

	c, err := s.campaigns.GetCampaign(r.Context(), principal(r), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// handleGetProgress handles GET /api/campaigns/{id}/progress
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid campaign id", nil)
		return
	}

	progress, err := s.campaigns.Progress(r.Context(), principal(r), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

// handleGetFailures handles GET /api/campaigns/{id}/failures?limit=N
func (s *Server) handleGetFailures(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid campaign id", nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid limit", nil)
			return
		}
	}

	items, err := s.campaigns.Failures(r.Context(), principal(r), id, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaignId": id,
		"failures":   items,
	})
}

// handleProcessBatch handles POST /api/queue/process. An empty body runs a default batch.
func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req job.RunOptions
	if err := parseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	result, err := s.campaigns.ProcessBatch(r.Context(), principal(r), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
