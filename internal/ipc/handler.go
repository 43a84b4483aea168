// Package ipc provides the HTTP API for the irrigation engine.
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gzpfarm/irrigation-engine/internal/cache"
	"github.com/gzpfarm/irrigation-engine/internal/config"
	"github.com/gzpfarm/irrigation-engine/internal/demand"
	"github.com/gzpfarm/irrigation-engine/internal/domain"
	"github.com/gzpfarm/irrigation-engine/internal/exec"
	"github.com/gzpfarm/irrigation-engine/internal/metrics"
	"github.com/gzpfarm/irrigation-engine/internal/planner"
	"github.com/gzpfarm/irrigation-engine/internal/regen"
	"github.com/gzpfarm/irrigation-engine/internal/store"
	"github.com/gzpfarm/irrigation-engine/internal/waterlevel"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Topo     *domain.Topology
	Planner  *planner.Planner
	Regen    *regen.Engine
	Exec     *exec.Manager
	Levels   *waterlevel.Manager
	Cache    *cache.Cache
	DB       *sql.DB
	Plans    *store.PlanRepo
	Execs    *store.ExecutionRepo
	Readings *store.ReadingRepo

	Defaults config.PlannerConfig
	Prices   config.PriceSchedule

	validate *validator.Validate
}

// NewHandler finishes handler setup; the exported fields are wired by the
// caller.
func NewHandler(h Handler) *Handler {
	h.validate = validator.New(validator.WithRequiredStructEnabled())
	return &h
}

// PlanRequest is the body for POST /api/v1/plan.
type PlanRequest struct {
	TargetDepthMM float64  `json:"target_depth_mm" validate:"omitempty,gt=0"`
	TimeWindowH   float64  `json:"time_window_h" validate:"omitempty,gt=0"`
	Pumps         []string `json:"pumps" validate:"required,min=1,dive,required"`
	AllowedZones  []string `json:"allowed_zones,omitempty"`
	StartOffsetH  float64  `json:"start_offset_h" validate:"gte=0"`
}

// ScenarioRequest is the body for POST /api/v1/scenarios.
type ScenarioRequest struct {
	TargetDepthMM  float64  `json:"target_depth_mm" validate:"omitempty,gt=0"`
	TimeWindowH    float64  `json:"time_window_h" validate:"omitempty,gt=0"`
	Roster         []string `json:"roster" validate:"required,min=1,dive,required"`
	AllowedZones   []string `json:"allowed_zones,omitempty"`
	StartHourOfDay float64  `json:"start_hour_of_day" validate:"gte=0,lt=24"`
}

// RegenRequest is the body for POST /api/v1/plan/{planID}/regenerate.
type RegenRequest struct {
	Modifications []domain.Modification `json:"modifications" validate:"dive"`
	Force         bool                  `json:"force"`
	Reason        string                `json:"reason,omitempty"`
}

// RegenResult pairs the regenerated plan with its summary.
type RegenResult struct {
	Plan    *domain.Plan                `json:"plan"`
	Summary *domain.RegenerationSummary `json:"summary"`
}

// StartExecutionRequest is the body for POST /api/v1/executions.
type StartExecutionRequest struct {
	PlanID       string `json:"plan_id" validate:"required"`
	EnableRegen  *bool  `json:"enable_regen,omitempty"`
	ScenarioName string `json:"scenario_name,omitempty"`
}

// StopExecutionRequest is the optional body for an execution stop.
type StopExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SetLevelRequest is the body for PUT /api/v1/levels/{fieldID}.
type SetLevelRequest struct {
	LevelMM float64 `json:"level_mm" validate:"gte=0"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "farm_id": h.Topo.FarmID}
	if err := h.DB.PingContext(r.Context()); err != nil {
		status["status"] = "degraded"
		status["db"] = err.Error()
	}
	writeJSON(w, http.StatusOK, status)
}

// GetDemand handles GET /api/v1/demand?target_depth_mm=N.
func (h *Handler) GetDemand(w http.ResponseWriter, r *http.Request) {
	target := h.Defaults.TargetDepthMM
	if s := r.URL.Query().Get("target_depth_mm"); s != "" {
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "target_depth_mm must be a number"})
			return
		}
		target = parsed
	}

	set, err := demand.Evaluate(h.Topo.Fields, h.Levels.Snapshot(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// GeneratePlan handles POST /api/v1/plan.
func (h *Handler) GeneratePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TargetDepthMM == 0 {
		req.TargetDepthMM = h.Defaults.TargetDepthMM
	}
	if req.TimeWindowH == 0 {
		req.TimeWindowH = h.Defaults.TimeWindowH
	}

	set, err := demand.Evaluate(h.Topo.Fields, h.Levels.Snapshot(), req.TargetDepthMM)
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := h.Planner.Build(set, planner.Options{
		TargetDepthMM: req.TargetDepthMM,
		TimeWindowH:   req.TimeWindowH,
		ActivePumps:   req.Pumps,
		AllowedZones:  req.AllowedZones,
		StartOffsetH:  req.StartOffsetH,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.PlanBuilds.Inc()

	if err := h.Plans.Save(r.Context(), h.DB, h.Topo.FarmID, plan); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// GetPlan handles GET /api/v1/plan/{planID}.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Plans.GetByID(r.Context(), h.DB, r.PathValue("planID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ListPlans handles GET /api/v1/plans?limit=N.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}
	ids, err := h.Plans.ListByFarm(r.Context(), h.DB, h.Topo.FarmID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// GenerateScenarios handles POST /api/v1/scenarios.
func (h *Handler) GenerateScenarios(w http.ResponseWriter, r *http.Request) {
	var req ScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TargetDepthMM == 0 {
		req.TargetDepthMM = h.Defaults.TargetDepthMM
	}
	if req.TimeWindowH == 0 {
		req.TimeWindowH = h.Defaults.TimeWindowH
	}

	set, err := demand.Evaluate(h.Topo.Fields, h.Levels.Snapshot(), req.TargetDepthMM)
	if err != nil {
		writeError(w, err)
		return
	}
	scenarios, err := h.Planner.GenerateScenarios(r.Context(), set, planner.ScenarioOptions{
		Options: planner.Options{
			TargetDepthMM: req.TargetDepthMM,
			TimeWindowH:   req.TimeWindowH,
			AllowedZones:  req.AllowedZones,
		},
		Roster:           req.Roster,
		MinFieldsTrigger: h.Defaults.MinFieldsTrigger,
		StartHourOfDay:   req.StartHourOfDay,
		Prices:           h.Prices,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ScenarioRuns.Inc()
	writeJSON(w, http.StatusOK, scenarios)
}

// RegeneratePlan handles POST /api/v1/plan/{planID}/regenerate. Identical
// requests within the cache TTL share one computation.
func (h *Handler) RegeneratePlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("planID")
	var req RegenRequest
	if !h.decode(w, r, &req) {
		return
	}

	plan, err := h.Plans.GetByID(r.Context(), h.DB, planID)
	if err != nil {
		writeError(w, err)
		return
	}

	rr := domain.RegenerationRequest{
		PlanID:        planID,
		Modifications: req.Modifications,
		Force:         req.Force,
		Reason:        req.Reason,
	}
	key := cache.FingerprintRequest(rr)
	v, hit, err := h.Cache.GetOrBuild(r.Context(), key, func(ctx context.Context) (any, error) {
		newPlan, summary, err := h.Regen.Regenerate(plan, h.Levels.Snapshot(), rr)
		if err != nil {
			return nil, err
		}
		if err := h.Plans.Save(ctx, h.DB, h.Topo.FarmID, newPlan); err != nil {
			return nil, err
		}
		metrics.Regenerations.WithLabelValues("request").Inc()
		return RegenResult{Plan: newPlan, Summary: summary}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if hit {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
	}

	res, ok := v.(RegenResult)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "unexpected cache entry type"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StartExecution handles POST /api/v1/executions.
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartExecutionRequest
	if !h.decode(w, r, &req) {
		return
	}
	plan, err := h.Plans.GetByID(r.Context(), h.DB, req.PlanID)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := h.Exec.Start(r.Context(), h.Topo.FarmID, plan, exec.StartOptions{
		EnableRegen:  req.EnableRegen,
		ScenarioName: req.ScenarioName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := h.Exec.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// GetExecution handles GET /api/v1/executions/{execID}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	st, err := h.Exec.Status(r.Context(), r.PathValue("execID"))
	if err != nil {
		// Executions from a previous process live only in the store.
		if errors.Is(err, domain.ErrExecutionNotFound) {
			stored, serr := h.Execs.GetByID(r.Context(), h.DB, r.PathValue("execID"))
			if serr == nil {
				writeJSON(w, http.StatusOK, stored)
				return
			}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetExecutionPlan handles GET /api/v1/executions/{execID}/plan.
func (h *Handler) GetExecutionPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Exec.Plan(r.Context(), r.PathValue("execID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// PauseExecution handles POST /api/v1/executions/{execID}/pause.
func (h *Handler) PauseExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.Exec.Pause(r.Context(), r.PathValue("execID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeExecution handles POST /api/v1/executions/{execID}/resume.
func (h *Handler) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.Exec.Resume(r.Context(), r.PathValue("execID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopExecution handles POST /api/v1/executions/{execID}/stop.
func (h *Handler) StopExecution(w http.ResponseWriter, r *http.Request) {
	var req StopExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if err := h.Exec.Stop(r.Context(), r.PathValue("execID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteBatch handles POST /api/v1/executions/{execID}/batches/{index}/complete.
func (h *Handler) CompleteBatch(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "batch index must be an integer"})
		return
	}
	if err := h.Exec.MarkBatchComplete(r.Context(), r.PathValue("execID"), idx); err != nil {
		writeError(w, err)
		return
	}
	st, err := h.Exec.Status(r.Context(), r.PathValue("execID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListExecutionEvents handles GET /api/v1/executions/{execID}/events?since_seq=N.
func (h *Handler) ListExecutionEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}
	events, err := h.Execs.ListEvents(r.Context(), h.DB, r.PathValue("execID"), sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.ExecutionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamExecutionEvents handles GET /api/v1/executions/{execID}/events/stream (SSE).
func (h *Handler) StreamExecutionEvents(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("execID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, err := h.Execs.ListEvents(r.Context(), h.DB, execID, 0)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
	}

	lastSeq := int64(0)
	if len(events) > 0 {
		lastSeq = events[len(events)-1].SeqNo
	}

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := h.Execs.ListEvents(ctx, h.DB, execID, lastSeq)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

// ListLevels handles GET /api/v1/levels.
func (h *Handler) ListLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Levels.Snapshot())
}

// SetLevel handles PUT /api/v1/levels/{fieldID}.
func (h *Handler) SetLevel(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	if _, ok := h.Topo.Fields[fieldID]; !ok {
		writeError(w, domain.ErrFieldNotFound.WithDetail("%s", fieldID))
		return
	}
	var req SetLevelRequest
	if !h.decode(w, r, &req) {
		return
	}
	reading := h.Levels.Set(r.Context(), fieldID, req.LevelMM)
	writeJSON(w, http.StatusOK, reading)
}

// LevelHistory handles GET /api/v1/levels/{fieldID}/history?hours=N.
func (h *Handler) LevelHistory(w http.ResponseWriter, r *http.Request) {
	fieldID := r.PathValue("fieldID")
	if _, ok := h.Topo.Fields[fieldID]; !ok {
		writeError(w, domain.ErrFieldNotFound.WithDetail("%s", fieldID))
		return
	}
	hours := 24
	if s := r.URL.Query().Get("hours"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err == nil && parsed > 0 {
			hours = parsed
		}
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	readings, err := h.Readings.History(r.Context(), h.DB, fieldID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if readings == nil {
		readings = []domain.WaterLevelReading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

// decode parses and validates a JSON request body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag())
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine error code bands onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, httpStatus(engErr.Code), APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func httpStatus(code int) int {
	switch {
	case code <= -32360: // store and config failures
		return http.StatusInternalServerError
	case code <= -32330: // unknown or unusable data
		return http.StatusUnprocessableEntity
	case code <= -32300: // lifecycle state conflicts
		return http.StatusConflict
	case code <= -32270: // capacity shortfalls
		return http.StatusUnprocessableEntity
	case code <= -32240: // missing entities
		return http.StatusNotFound
	case code <= -32210: // request validation
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.ExecutionEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
