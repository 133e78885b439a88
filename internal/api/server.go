package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ngalert/internal/config"
	"ngalert/internal/logging"
	"ngalert/internal/metrics"
	"ngalert/internal/notifier"
	"ngalert/internal/schedule"
)

const (
	EvalPath    = "/internal/alert/api/v1/eval"
	ProcessPath = "/internal/alert/api/v1/process"
	RunPath     = "/internal/alert/api/v1/run"

	// RunByKeyPath takes org id and rule uid path parameters.
	RunByKeyPath = RunPath + "/{orgId}/{uid}"
)

// RouterConfig carries HTTP surface collaborators.
type RouterConfig struct {
	HTTP    config.HTTPConfig
	Service *Service
	Metrics *metrics.Metrics
	// Ready reports readiness; nil means always ready.
	Ready  func() error
	Logger *slog.Logger
}

type errorResponse struct {
	Message string `json:"message"`
}

type handler struct {
	service      *Service
	maxBodyBytes int64
	ready        func() error
	logger       *slog.Logger
}

// NewRouter builds chi router for alerting and health endpoints.
// Params: router configuration.
// Returns: HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	h := &handler{
		service:      cfg.Service,
		maxBodyBytes: cfg.HTTP.MaxBodyBytes,
		ready:        cfg.Ready,
		logger:       logging.Component(cfg.Logger, "ngalert.http"),
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument(cfg.Metrics))

	r.Post(EvalPath, h.handleEval)
	r.Post(ProcessPath, h.handleProcess)
	r.Post(RunPath, h.handleRun)
	r.Post(RunByKeyPath, h.handleRunByKey)

	r.Get(pathOr(cfg.HTTP.HealthPath, "/healthz"), func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get(pathOr(cfg.HTTP.ReadyPath, "/readyz"), h.handleReady)
	r.Method(http.MethodGet, pathOr(cfg.HTTP.MetricsPath, "/metrics"), cfg.Metrics.Handler())
	return r
}

func (h *handler) handleEval(w http.ResponseWriter, r *http.Request) {
	var request AlertEvaluationRequest
	if !h.decode(w, r, &request) {
		return
	}
	results, err := h.service.Evaluate(r.Context(), request)
	if err != nil {
		if IsRequestError(err) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var request AlertProcessRequest
	if !h.decode(w, r, &request) {
		return
	}
	alerts, err := h.service.Process(r.Context(), request)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, alerts)
	case IsRequestError(err), notifier.IsNoRoute(err):
		h.logger.Info("process request rejected", "org_id", request.AlertRule.OrgID, "error", err.Error())
		writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.Error("process request failed", "org_id", request.AlertRule.OrgID, "rule_uid", request.AlertRule.UID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var request AlertRunRequest
	if !h.decode(w, r, &request) {
		return
	}
	result, err := h.service.Run(r.Context(), request)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case IsRequestError(err):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, schedule.ErrJobRunning):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// handleRunByKey runs provisioned rule; optional evalTime query is RFC3339.
func (h *handler) handleRunByKey(w http.ResponseWriter, r *http.Request) {
	orgID, err := strconv.ParseInt(chi.URLParam(r, "orgId"), 10, 64)
	if err != nil || orgID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad org id %q", chi.URLParam(r, "orgId")))
		return
	}
	var at time.Time
	if raw := r.URL.Query().Get("evalTime"); raw != "" {
		if at, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad evalTime: %w", err))
			return
		}
	}
	result, err := h.service.RunByKey(r.Context(), orgID, chi.URLParam(r, "uid"), at)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, schedule.ErrJobRunning):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads JSON body under size limit; writes 400 on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "bad request data: " + err.Error()})
		return false
	}
	return true
}

// instrument observes request latency by route pattern.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestLatency.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(started).Seconds())
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Message: err.Error()})
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}
