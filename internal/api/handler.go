package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/archive"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/config"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/flow"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/httputil"
	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/models"
)

// Handler provides HTTP API endpoints
type Handler struct {
	flow  *flow.Flow
	store *archive.Store
	cfg   config.Config
}

// NewHandler creates a new API handler
func NewHandler(f *flow.Flow, store *archive.Store, cfg config.Config) *Handler {
	return &Handler{
		flow:  f,
		store: store,
		cfg:   cfg,
	}
}

// RegisterRoutes sets up all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Health and info
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/info", h.handleInfo).Methods("GET")

	// Model and mapping metadata
	r.HandleFunc("/model", h.handleModel).Methods("GET")
	r.HandleFunc("/mapping", h.handleMapping).Methods("GET")

	// Flow runs
	r.HandleFunc("/run", h.handleTriggerRun).Methods("POST")
	r.HandleFunc("/runs", h.handleListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.handleGetRun).Methods("GET")
}

// handleHealth returns server health status
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfo returns server information
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"version":        h.cfg.Version,
		"gateway":        h.cfg.GatewayURL,
		"model_loaded":   h.flow != nil && h.flow.Model != nil,
		"archive_loaded": h.store != nil,
	}
	if h.flow != nil && h.flow.Model != nil {
		info["model"] = h.flow.Model.Name()
	}
	httputil.RespondJSON(w, http.StatusOK, info)
}

// handleModel returns metadata of the loaded surrogate
func (h *Handler) handleModel(w http.ResponseWriter, r *http.Request) {
	if h.flow == nil || h.flow.Model == nil {
		httputil.RespondError(w, http.StatusNotFound, "no model loaded")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, h.flow.Model.Info())
}

// handleMapping returns the active PV mapping
func (h *Handler) handleMapping(w http.ResponseWriter, r *http.Request) {
	if h.flow == nil || h.flow.Mapping == nil {
		httputil.RespondError(w, http.StatusNotFound, "no mapping loaded")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, h.flow.Mapping)
}

// handleTriggerRun executes one flow run and returns its result
func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.flow == nil || h.flow.Model == nil || h.flow.Mapping == nil {
		httputil.RespondError(w, http.StatusServiceUnavailable, "flow not configured")
		return
	}

	result, err := h.flow.Run(r.Context())
	if err != nil {
		httputil.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.RespondJSON(w, http.StatusOK, toRunResponse(result))
}

// handleListRuns returns archived runs, newest first
func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		httputil.RespondJSON(w, http.StatusOK, models.RunListResponse{Runs: []models.RunResponse{}})
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	results, err := h.store.Recent(limit)
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := models.RunListResponse{Runs: make([]models.RunResponse, 0, len(results))}
	for _, res := range results {
		resp.Runs = append(resp.Runs, toRunResponse(res))
	}
	resp.Count = len(resp.Runs)
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// handleGetRun returns one archived run by ID
func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		httputil.RespondError(w, http.StatusNotFound, "no archive configured")
		return
	}

	id := mux.Vars(r)["id"]
	result, err := h.store.Get(id)
	if err != nil {
		httputil.RespondError(w, http.StatusNotFound, "run not found")
		return
	}
	httputil.RespondJSON(w, http.StatusOK, toRunResponse(result))
}

func toRunResponse(r *flow.Result) models.RunResponse {
	return models.RunResponse{
		RunID:      r.RunID,
		Model:      r.Model,
		StartedAt:  r.StartedAt.Format(time.RFC3339Nano),
		FinishedAt: r.FinishedAt.Format(time.RFC3339Nano),
		Inputs:     r.Inputs,
		Outputs:    r.Outputs,
	}
}
