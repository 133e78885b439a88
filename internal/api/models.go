package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/model"

	"ngalert/internal/eval"
	"ngalert/internal/models"
	"ngalert/internal/notifier"
	"ngalert/internal/schedule"
	"ngalert/internal/state"
)

const (
	// EvaluationErrorRefIDKey is metadata key carrying the failed query refId.
	EvaluationErrorRefIDKey = "REF_ID"
	// QueryErrorType marks errors attributable to one query.
	QueryErrorType = "QUERY_ERROR"
	// OtherErrorType marks every other evaluation error.
	OtherErrorType = "OTHER"
)

// ApiRelativeTimeRange is query window; bounds accept Prometheus duration strings.
type ApiRelativeTimeRange struct {
	From model.Duration `json:"from"`
	To   model.Duration `json:"to"`
}

// ApiAlertQuery is one node of submitted condition graph.
type ApiAlertQuery struct {
	RefID             string               `json:"refId"`
	DatasourceUID     string               `json:"datasourceUid"`
	RelativeTimeRange ApiRelativeTimeRange `json:"relativeTimeRange"`
	Model             json.RawMessage      `json:"model"`
}

// ApiAlertRule is rule definition submitted with a request.
type ApiAlertRule struct {
	ID              int64             `json:"id"`
	OrgID           int64             `json:"orgId"`
	UID             string            `json:"uid"`
	Title           string            `json:"title"`
	NamespaceUID    string            `json:"namespaceUid"`
	RuleGroup       string            `json:"ruleGroup"`
	Condition       string            `json:"condition"`
	Data            []ApiAlertQuery   `json:"data"`
	IntervalSeconds int64             `json:"intervalSeconds"`
	For             model.Duration    `json:"for"`
	NoDataState     string            `json:"noDataState"`
	ExecErrState    string            `json:"execErrState"`
	Labels          map[string]string `json:"labels"`
	Annotations     map[string]string `json:"annotations"`
	Schedule        string            `json:"schedule,omitempty"`
	Version         int64             `json:"version"`
	Updated         time.Time         `json:"updated"`
	DashboardUID    *string           `json:"dashboardUid,omitempty"`
	PanelID         *int64            `json:"panelId,omitempty"`
}

// AlertEvaluationRequest asks to evaluate rule condition at an instant.
type AlertEvaluationRequest struct {
	AlertRule ApiAlertRule `json:"alertRule"`
	EvalTime  time.Time    `json:"evalTime"`
}

// AlertProcessRequest carries already evaluated results to fold and deliver.
type AlertProcessRequest struct {
	AlertRule         ApiAlertRule    `json:"alertRule"`
	EvaluationResults []ApiEvalResult `json:"evaluationResults"`
}

// AlertRunRequest asks for one full evaluation cycle.
type AlertRunRequest struct {
	AlertRule ApiAlertRule `json:"alertRule"`
	EvalTime  time.Time    `json:"evalTime"`
}

// ApiNumberValueCapture is one captured expression value.
type ApiNumberValueCapture struct {
	Var    string        `json:"var"`
	Labels models.Labels `json:"labels"`
	Value  *float64      `json:"value"`
}

// ApiEvalError describes evaluation failure of one result.
type ApiEvalError struct {
	Message  string            `json:"message"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata"`
}

// ApiEvalResult is wire form of one evaluation result.
type ApiEvalResult struct {
	Instance           models.Labels                    `json:"instance"`
	State              eval.State                       `json:"state"`
	StateName          string                           `json:"stateName"`
	Error              *ApiEvalError                    `json:"error,omitempty"`
	EvaluatedAt        time.Time                        `json:"evaluatedAt"`
	EvaluationDuration time.Duration                    `json:"evaluationDuration"`
	EvaluationString   string                           `json:"evaluationString"`
	Values             map[string]ApiNumberValueCapture `json:"values,omitempty"`
}

// ApiAlertState is wire form of one processed alert instance state.
type ApiAlertState struct {
	Labels             models.Labels     `json:"labels"`
	Annotations        map[string]string `json:"annotations"`
	State              string            `json:"state"`
	StateReason        string            `json:"stateReason,omitempty"`
	StartsAt           time.Time         `json:"startsAt"`
	EndsAt             time.Time         `json:"endsAt"`
	LastEvaluationTime time.Time         `json:"lastEvaluationTime"`
	Resolved           bool              `json:"resolved"`
}

// ApiRunResult is wire form of one evaluation cycle.
type ApiRunResult struct {
	EvaluatedAt   time.Time               `json:"evaluatedAt"`
	Duration      time.Duration           `json:"duration"`
	Firing        bool                    `json:"firing"`
	NoData        bool                    `json:"noData"`
	Error         string                  `json:"error,omitempty"`
	Results       []ApiEvalResult         `json:"results"`
	States        []ApiAlertState         `json:"states"`
	Alerts        notifier.PostableAlerts `json:"alerts"`
	DispatchError string                  `json:"dispatchError,omitempty"`
}

// ApiRuleToAlertRule converts submitted rule into domain rule.
// Params: wire rule.
// Returns: domain rule or policy parse error.
func ApiRuleToAlertRule(api ApiAlertRule) (models.AlertRule, error) {
	noData, err := models.ParseNoDataState(api.NoDataState)
	if err != nil {
		return models.AlertRule{}, err
	}
	execErr, err := models.ParseExecutionErrorState(api.ExecErrState)
	if err != nil {
		return models.AlertRule{}, err
	}
	data := make([]models.AlertQuery, 0, len(api.Data))
	for _, q := range api.Data {
		data = append(data, models.AlertQuery{
			RefID:         q.RefID,
			DatasourceUID: q.DatasourceUID,
			RelativeTimeRange: models.RelativeTimeRange{
				From: time.Duration(q.RelativeTimeRange.From),
				To:   time.Duration(q.RelativeTimeRange.To),
			},
			Model: q.Model,
		})
	}
	return models.AlertRule{
		ID:              api.ID,
		OrgID:           api.OrgID,
		UID:             api.UID,
		Title:           api.Title,
		NamespaceUID:    api.NamespaceUID,
		RuleGroup:       api.RuleGroup,
		Condition:       api.Condition,
		Data:            data,
		IntervalSeconds: api.IntervalSeconds,
		For:             time.Duration(api.For),
		NoDataState:     noData,
		ExecErrState:    execErr,
		Labels:          api.Labels,
		Annotations:     api.Annotations,
		Schedule:        api.Schedule,
		Version:         api.Version,
		Updated:         api.Updated,
		DashboardUID:    api.DashboardUID,
		PanelID:         api.PanelID,
	}, nil
}

// EvaluationResultsToApi converts evaluator results to wire form.
// Params: evaluation results.
// Returns: wire results in the same order.
func EvaluationResultsToApi(results eval.Results) []ApiEvalResult {
	out := make([]ApiEvalResult, 0, len(results))
	for _, result := range results {
		out = append(out, evaluationResultToApi(result))
	}
	return out
}

func evaluationResultToApi(result eval.Result) ApiEvalResult {
	out := ApiEvalResult{
		Instance:           result.Instance,
		State:              result.State,
		StateName:          result.State.String(),
		EvaluatedAt:        result.EvaluatedAt,
		EvaluationDuration: result.EvaluationDuration,
		EvaluationString:   result.EvaluationString,
	}
	if result.Values != nil {
		out.Values = make(map[string]ApiNumberValueCapture, len(result.Values))
		for refID, capture := range result.Values {
			out.Values[refID] = ApiNumberValueCapture{Var: capture.Var, Labels: capture.Labels, Value: capture.Value}
		}
	}
	if result.Error != nil {
		var queryErr *eval.QueryError
		if errors.As(result.Error, &queryErr) {
			out.Error = &ApiEvalError{
				Type:     QueryErrorType,
				Message:  queryErr.Err.Error(),
				Metadata: map[string]string{EvaluationErrorRefIDKey: queryErr.RefID},
			}
		} else {
			out.Error = &ApiEvalError{Type: OtherErrorType, Message: result.Error.Error(), Metadata: map[string]string{}}
		}
	}
	return out
}

// ApiToEvaluationResults converts wire results back to evaluator results.
// Params: wire results; stateName wins over numeric state when present.
// Returns: evaluation results or error for unknown state name.
func ApiToEvaluationResults(in []ApiEvalResult) (eval.Results, error) {
	out := make(eval.Results, 0, len(in))
	for i, api := range in {
		st := api.State
		if api.StateName != "" {
			parsed, err := eval.ParseState(api.StateName)
			if err != nil {
				return nil, fmt.Errorf("evaluation result %d: %w", i, err)
			}
			st = parsed
		}
		result := eval.Result{
			Instance:           api.Instance,
			State:              st,
			EvaluatedAt:        api.EvaluatedAt,
			EvaluationDuration: api.EvaluationDuration,
			EvaluationString:   api.EvaluationString,
			Error:              apiToError(api.Error),
		}
		if result.Instance == nil {
			result.Instance = models.Labels{}
		}
		if api.Values != nil {
			result.Values = make(map[string]eval.NumberValueCapture, len(api.Values))
			for refID, capture := range api.Values {
				result.Values[refID] = eval.NumberValueCapture{Var: capture.Var, Labels: capture.Labels, Value: capture.Value}
			}
		}
		out = append(out, result)
	}
	return out, nil
}

func apiToError(api *ApiEvalError) error {
	if api == nil {
		return nil
	}
	cause := errors.New(api.Message)
	if api.Type == QueryErrorType {
		return &eval.QueryError{RefID: api.Metadata[EvaluationErrorRefIDKey], Err: cause}
	}
	return cause
}

// JobResultToApi converts one evaluation cycle to wire form.
// Params: engine job result.
// Returns: wire result.
func JobResultToApi(result schedule.JobResult) ApiRunResult {
	out := ApiRunResult{
		EvaluatedAt: result.EvaluatedAt,
		Duration:    result.Duration,
		Firing:      result.Firing,
		NoData:      result.NoData,
		Results:     EvaluationResultsToApi(result.Results),
		States:      StatesToApi(result.States),
		Alerts:      result.Alerts,
	}
	if result.Error != nil {
		out.Error = result.Error.Error()
	}
	if result.DispatchError != nil {
		out.DispatchError = result.DispatchError.Error()
	}
	return out
}

// StatesToApi converts processed states to wire form.
func StatesToApi(states []*state.State) []ApiAlertState {
	out := make([]ApiAlertState, 0, len(states))
	for _, s := range states {
		out = append(out, ApiAlertState{
			Labels:             s.Labels,
			Annotations:        s.Annotations,
			State:              s.State.String(),
			StateReason:        s.StateReason,
			StartsAt:           s.StartsAt,
			EndsAt:             s.EndsAt,
			LastEvaluationTime: s.LastEvaluationTime,
			Resolved:           s.Resolved,
		})
	}
	return out
}
