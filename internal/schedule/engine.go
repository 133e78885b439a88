package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ngalert/internal/eval"
	"ngalert/internal/logging"
	"ngalert/internal/metrics"
	"ngalert/internal/models"
	"ngalert/internal/notifier"
	"ngalert/internal/state"
	"ngalert/internal/telemetry"
)

const (
	defaultEvalTimeout         = 30 * time.Second
	defaultNotificationTimeout = 30 * time.Second
)

// ErrJobRunning is returned when a synchronous run finds its job already active.
var ErrJobRunning = errors.New("evaluation already running")

// AlertmanagerResolver resolves per-organization alertmanager.
type AlertmanagerResolver interface {
	AlertmanagerFor(orgID int64) (notifier.Alertmanager, error)
}

// JobResult summarizes one evaluation cycle.
type JobResult struct {
	EvaluatedAt   time.Time
	Duration      time.Duration
	Firing        bool
	NoData        bool
	Error         error
	Results       eval.Results
	States        []*state.State
	Alerts        notifier.PostableAlerts
	DispatchError error
}

// EngineConfig carries engine collaborators and phase timeouts.
type EngineConfig struct {
	Evaluator           eval.Evaluator
	State               *state.Manager
	Alertmanagers       AlertmanagerResolver
	AppURL              *url.URL
	EvalTimeout         time.Duration
	NotificationTimeout time.Duration
	Metrics             *metrics.Metrics
	Tracer              trace.Tracer
	Logger              *slog.Logger
}

// Engine drives evaluation, state fold and dispatch of one job.
// Params: evaluator, state manager, alertmanager registry and timeouts.
// Returns: job processor shared by scheduler and synchronous runs.
type Engine struct {
	evaluator           eval.Evaluator
	state               *state.Manager
	alertmanagers       AlertmanagerResolver
	appURL              *url.URL
	evalTimeout         time.Duration
	notificationTimeout time.Duration
	metrics             *metrics.Metrics
	tracer              trace.Tracer
	logger              *slog.Logger
}

// NewEngine creates job engine.
// Params: engine collaborators; zero timeouts fall back to defaults.
// Returns: engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = defaultEvalTimeout
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = defaultNotificationTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	return &Engine{
		evaluator:           cfg.Evaluator,
		state:               cfg.State,
		alertmanagers:       cfg.Alertmanagers,
		appURL:              cfg.AppURL,
		evalTimeout:         cfg.EvalTimeout,
		notificationTimeout: cfg.NotificationTimeout,
		metrics:             cfg.Metrics,
		tracer:              cfg.Tracer,
		logger:              logging.Component(cfg.Logger, "ngalert.engine"),
	}
}

// State returns state manager used by engine.
func (e *Engine) State() *state.Manager {
	return e.state
}

// RunOnce evaluates rule synchronously outside scheduler bookkeeping.
// Params: ctx carries request values only (phases keep own timeouts), rule and evaluation instant.
// Returns: job result or rule validation error.
func (e *Engine) RunOnce(ctx context.Context, rule models.AlertRule, at time.Time) (JobResult, error) {
	if err := rule.Validate(); err != nil {
		return JobResult{}, fmt.Errorf("validate rule: %w", err)
	}
	job := newJob(rule, at, nil)
	if !job.TryStart() {
		return JobResult{}, ErrJobRunning
	}
	return e.run(context.WithoutCancel(ctx), job), nil
}

// Process folds externally evaluated results and delivers resulting alerts.
// Params: ctx carries request values only, rule and its already evaluated results; zero EvaluatedAt means now.
// Returns: postable alerts built from processed states and validation or delivery error.
func (e *Engine) Process(ctx context.Context, rule models.AlertRule, results eval.Results) (JobResult, error) {
	if err := rule.Validate(); err != nil {
		return JobResult{}, fmt.Errorf("validate rule: %w", err)
	}
	now := e.state.Now()
	stamped := make(eval.Results, len(results))
	for i, r := range results {
		if r.EvaluatedAt.IsZero() {
			r.EvaluatedAt = now
		}
		stamped[i] = r
	}
	results = stamped
	result := JobResult{
		EvaluatedAt: latestEvaluation(results, now),
		Firing:      results.HasAlerting(),
		NoData:      results.HasNoData(),
		Error:       results.FirstError(),
		Results:     results,
	}
	e.dispatch(context.WithoutCancel(ctx), rule, &result)
	return result, result.DispatchError
}

// processJob runs started job and marks it idle afterwards.
// Params: job already acquired through TryStart.
// Returns: cycle result.
func (e *Engine) processJob(job *Job) JobResult {
	return e.run(context.Background(), job)
}

func (e *Engine) run(parent context.Context, job *Job) JobResult {
	defer job.Finish()

	result := e.evaluate(parent, job)
	e.dispatch(parent, job.Rule, &result)
	job.setResult(result)

	e.logger.Debug("alert evaluation finished",
		"rule_uid", job.Rule.UID,
		"org_id", job.Rule.OrgID,
		"duration", result.Duration.String(),
		"firing", result.Firing,
		"no_data", result.NoData,
		"states", len(result.States),
		"alerts", len(result.Alerts.PostableAlerts),
	)
	return result
}

// evaluate runs condition under evaluation timeout.
// Params: parent context and job.
// Returns: result with evaluation outcome; outright evaluator failures become one Error result.
func (e *Engine) evaluate(parent context.Context, job *Job) JobResult {
	ctx, cancel := context.WithTimeout(parent, e.evalTimeout)
	defer cancel()
	ctx, span := telemetry.StartExecutionSpan(ctx, e.tracer, job.Rule.UID, job.Rule.OrgID)

	started := time.Now()
	results, err := e.evaluator.ConditionEval(ctx, job.Rule.GetEvalCondition(), job.EvalTime)
	took := time.Since(started)
	if err != nil {
		var evalErr *eval.EvaluationError
		if !errors.As(err, &evalErr) {
			err = &eval.EvaluationError{Err: err}
		}
		results = eval.Results{{
			Instance:           models.Labels{},
			State:              eval.Error,
			Error:              err,
			EvaluatedAt:        job.EvalTime,
			EvaluationDuration: took,
		}}
	}

	result := JobResult{
		EvaluatedAt: job.EvalTime,
		Duration:    took,
		Firing:      results.HasAlerting(),
		NoData:      results.HasNoData(),
		Error:       results.FirstError(),
		Results:     results,
	}
	telemetry.EndExecutionSpan(span, telemetry.ExecutionOutcome{
		Firing:  result.Firing,
		NoData:  result.NoData,
		Timeout: errors.Is(result.Error, context.DeadlineExceeded),
		Err:     result.Error,
	})

	e.metrics.EvalDuration.Observe(took.Seconds())
	e.metrics.EvalTotal.WithLabelValues(outcomeLabel(result)).Inc()
	if result.Error != nil {
		e.metrics.EvalFailures.Inc()
		e.logger.Warn("alert evaluation failed",
			"rule_uid", job.Rule.UID,
			"org_id", job.Rule.OrgID,
			"error", result.Error.Error(),
		)
	}
	return result
}

// dispatch folds results into state and pushes alerts under notification timeout.
// Params: parent context, rule and result to complete.
// Returns: none; dispatch failure is stored on result.
func (e *Engine) dispatch(parent context.Context, rule models.AlertRule, result *JobResult) {
	ctx, cancel := context.WithTimeout(parent, e.notificationTimeout)
	defer cancel()

	states := e.state.ProcessEvalResults(ctx, rule, result.Results)
	// Persistence failures are logged and counted by the manager.
	_ = e.state.Persist(ctx, states)
	states = append(states, e.state.ResolveStale(ctx, rule, result.EvaluatedAt, states)...)
	result.States = states

	alerts := FromAlertStateToPostableAlerts(states, e.state, e.appURL)
	result.Alerts = alerts
	if len(alerts.PostableAlerts) == 0 {
		return
	}
	if result.DispatchError = e.putAlerts(ctx, rule.OrgID, alerts); result.DispatchError != nil {
		return
	}
	for _, s := range statesToSend(states, e.state.ResendDelay()) {
		e.state.MarkSent(s, s.LastEvaluationTime)
	}
}

func (e *Engine) putAlerts(ctx context.Context, orgID int64, alerts notifier.PostableAlerts) error {
	am, err := e.alertmanagers.AlertmanagerFor(orgID)
	if err != nil {
		e.metrics.DispatchTotal.WithLabelValues("no_route").Inc()
		e.logger.Warn("no alertmanager for org", "org_id", orgID, "alerts", len(alerts.PostableAlerts), "error", err.Error())
		return err
	}
	if err := am.PutAlerts(ctx, alerts); err != nil {
		e.metrics.DispatchTotal.WithLabelValues("error").Inc()
		e.logger.Error("put alerts failed", "org_id", orgID, "alerts", len(alerts.PostableAlerts), "error", err.Error())
		return err
	}
	e.metrics.DispatchTotal.WithLabelValues("success").Inc()
	return nil
}

func outcomeLabel(result JobResult) string {
	switch {
	case result.Error != nil:
		return "error"
	case result.Firing:
		return "firing"
	case result.NoData:
		return "nodata"
	default:
		return "normal"
	}
}

func latestEvaluation(results eval.Results, fallback time.Time) time.Time {
	var latest time.Time
	for _, result := range results {
		if result.EvaluatedAt.After(latest) {
			latest = result.EvaluatedAt
		}
	}
	if latest.IsZero() {
		return fallback
	}
	return latest
}
