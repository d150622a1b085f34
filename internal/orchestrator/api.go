package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/freightwatch/freightwatch/internal/history"
	"github.com/freightwatch/freightwatch/internal/logging"
	"github.com/freightwatch/freightwatch/internal/tracing"
	"github.com/freightwatch/freightwatch/internal/workflow"
)

// API exposes run management over JSON/HTTP.
type API struct {
	driver *Driver
	log    *logging.Logger
}

func NewAPI(driver *Driver, log *logging.Logger) *API {
	if log == nil {
		log = logging.New("freightwatch-api")
	}
	return &API{driver: driver, log: log}
}

// Register mounts the run routes on the given mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", a.startRun)
	mux.HandleFunc("GET /v1/runs", a.listRuns)
	mux.HandleFunc("GET /v1/runs/{id}", a.getRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", a.cancelRun)
}

type startRunRequest struct {
	RunID                 string    `json:"run_id,omitempty"`
	ShipmentID            string    `json:"shipment_id"`
	CustomerID            string    `json:"customer_id"`
	OriginCoord           string    `json:"origin_coord"`
	DestCoord             string    `json:"dest_coord"`
	EstimatedDelivery     time.Time `json:"estimated_delivery"`
	DelayThresholdMinutes int       `json:"delay_threshold_minutes"`
}

type startRunResponse struct {
	RunID string         `json:"run_id"`
	State workflow.State `json:"state"`
}

func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.start_run")
	defer span.End()

	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	input := workflow.Input{
		ShipmentID:            req.ShipmentID,
		CustomerID:            req.CustomerID,
		OriginCoord:           req.OriginCoord,
		DestCoord:             req.DestCoord,
		EstimatedDelivery:     req.EstimatedDelivery,
		DelayThresholdMinutes: req.DelayThresholdMinutes,
	}

	runID, err := a.driver.StartWorkflow(ctx, input, req.RunID)
	if errors.Is(err, history.ErrRunExists) {
		// Idempotent start: report the existing run instead of a duplicate.
		st, gerr := a.driver.GetStatus(ctx, runID)
		if gerr != nil {
			writeError(w, http.StatusConflict, "run already exists")
			return
		}
		writeJSON(w, http.StatusConflict, startRunResponse{RunID: runID, State: st.State})
		return
	}
	if err != nil {
		a.log.WithContext(ctx).WithError(err).Warn("start run rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(attribute.String("run_id", runID))
	writeJSON(w, http.StatusCreated, startRunResponse{RunID: runID, State: workflow.StateAwaitingTraffic})
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.get_run")
	defer span.End()

	st, err := a.driver.GetStatus(ctx, r.PathValue("id"))
	if errors.Is(err, history.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		a.log.WithContext(ctx).WithError(err).Error("get run failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type listRunsResponse struct {
	Runs []history.Run `json:"runs"`
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.list_runs")
	defer span.End()

	var states []workflow.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			states = append(states, workflow.State(strings.TrimSpace(s)))
		}
	}

	runs, err := a.driver.List(ctx, states)
	if err != nil {
		a.log.WithContext(ctx).WithError(err).Error("list runs failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.cancel_run")
	defer span.End()

	id := r.PathValue("id")
	if err := a.driver.Cancel(ctx, id); err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		a.log.WithContext(ctx).WithError(err).Error("cancel run failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancel_requested"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
