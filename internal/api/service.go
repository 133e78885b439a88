package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ngalert/internal/clock"
	"ngalert/internal/eval"
	"ngalert/internal/logging"
	"ngalert/internal/models"
	"ngalert/internal/notifier"
	"ngalert/internal/schedule"
)

const defaultEvalTimeout = 30 * time.Second

// ErrRuleNotFound is returned when a run by key names an unknown rule.
var ErrRuleNotFound = errors.New("alert rule not found")

// RuleLookup resolves provisioned rules by key.
type RuleLookup interface {
	Rule(orgID int64, uid string) (models.AlertRule, bool)
}

// RequestError marks client-side failures: malformed body or invalid rule.
type RequestError struct {
	Err error
}

// Error returns wrapped message.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes cause.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsRequestError reports whether err is client-side.
func IsRequestError(err error) bool {
	var requestErr *RequestError
	return errors.As(err, &requestErr)
}

// Processor folds externally evaluated results and delivers alerts.
type Processor interface {
	Process(ctx context.Context, request AlertProcessRequest) (notifier.PostableAlerts, error)
}

// ServiceConfig carries synchronous alerting service collaborators.
type ServiceConfig struct {
	Evaluator   eval.Evaluator
	Engine      *schedule.Engine
	Rules       RuleLookup
	Clock       clock.Clock
	EvalTimeout time.Duration
	Logger      *slog.Logger
}

// Service implements eval, process and run operations shared by HTTP and NATS ingest.
// Params: evaluator, job engine and evaluation timeout.
// Returns: synchronous alerting side channel.
type Service struct {
	evaluator   eval.Evaluator
	engine      *schedule.Engine
	rules       RuleLookup
	clock       clock.Clock
	evalTimeout time.Duration
	logger      *slog.Logger
}

// NewService creates alerting service.
// Params: service collaborators; zero timeout falls back to default.
// Returns: service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = defaultEvalTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Service{
		evaluator:   cfg.Evaluator,
		engine:      cfg.Engine,
		rules:       cfg.Rules,
		clock:       cfg.Clock,
		evalTimeout: cfg.EvalTimeout,
		logger:      logging.Component(cfg.Logger, "ngalert.api"),
	}
}

// Evaluate runs rule condition without touching state.
// Params: request context and evaluation request; zero evalTime means now.
// Returns: wire results, RequestError for invalid rule, evaluator error otherwise.
func (s *Service) Evaluate(ctx context.Context, request AlertEvaluationRequest) ([]ApiEvalResult, error) {
	rule, err := s.rule(request.AlertRule)
	if err != nil {
		return nil, err
	}
	at := request.EvalTime
	if at.IsZero() {
		at = s.clock.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, s.evalTimeout)
	defer cancel()
	started := time.Now()
	results, err := s.evaluator.ConditionEval(ctx, rule.GetEvalCondition(), at)
	if err != nil {
		s.logger.Error("failed to evaluate alert rule",
			"rule_uid", rule.UID,
			"org_id", rule.OrgID,
			"duration", time.Since(started).String(),
			"error", err.Error(),
		)
		return nil, fmt.Errorf("evaluate conditions: %w", err)
	}
	return EvaluationResultsToApi(results), nil
}

// Process folds supplied results into state and delivers resulting alerts.
// Params: request context and process request.
// Returns: delivered alerts, RequestError, NoRouteError or delivery error.
func (s *Service) Process(ctx context.Context, request AlertProcessRequest) (notifier.PostableAlerts, error) {
	rule, err := s.rule(request.AlertRule)
	if err != nil {
		return notifier.PostableAlerts{}, err
	}
	results, err := ApiToEvaluationResults(request.EvaluationResults)
	if err != nil {
		return notifier.PostableAlerts{}, &RequestError{Err: err}
	}
	result, err := s.engine.Process(ctx, rule, results)
	if err != nil {
		return result.Alerts, fmt.Errorf("process alert: %w", err)
	}
	s.logger.Debug("alert processed", "rule_uid", rule.UID, "org_id", rule.OrgID, "alerts", len(result.Alerts.PostableAlerts))
	return result.Alerts, nil
}

// Run executes one full evaluation cycle for submitted rule.
// Params: request context and run request; zero evalTime means now.
// Returns: wire cycle result or RequestError.
func (s *Service) Run(ctx context.Context, request AlertRunRequest) (ApiRunResult, error) {
	rule, err := s.rule(request.AlertRule)
	if err != nil {
		return ApiRunResult{}, err
	}
	at := request.EvalTime
	if at.IsZero() {
		at = s.clock.Now()
	}
	result, err := s.engine.RunOnce(ctx, rule, at)
	if err != nil {
		return ApiRunResult{}, fmt.Errorf("run alert rule: %w", err)
	}
	return JobResultToApi(result), nil
}

// RunByKey executes one full evaluation cycle for a provisioned rule.
// Params: request context, rule key and evaluation instant; zero instant means now.
// Returns: wire cycle result, ErrRuleNotFound or run error.
func (s *Service) RunByKey(ctx context.Context, orgID int64, uid string, at time.Time) (ApiRunResult, error) {
	if s.rules == nil {
		return ApiRunResult{}, fmt.Errorf("rule %d/%s: %w", orgID, uid, ErrRuleNotFound)
	}
	rule, ok := s.rules.Rule(orgID, uid)
	if !ok {
		return ApiRunResult{}, fmt.Errorf("rule %d/%s: %w", orgID, uid, ErrRuleNotFound)
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	result, err := s.engine.RunOnce(ctx, rule, at)
	if err != nil {
		return ApiRunResult{}, fmt.Errorf("run alert rule: %w", err)
	}
	return JobResultToApi(result), nil
}

func (s *Service) rule(api ApiAlertRule) (models.AlertRule, error) {
	rule, err := ApiRuleToAlertRule(api)
	if err != nil {
		return models.AlertRule{}, &RequestError{Err: err}
	}
	if err := rule.Validate(); err != nil {
		return models.AlertRule{}, &RequestError{Err: err}
	}
	return rule, nil
}
