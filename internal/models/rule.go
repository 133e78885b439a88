package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExpressionDatasourceUID marks queries evaluated by the expression engine instead of a data source.
const ExpressionDatasourceUID = "__expr__"

// NoDataState is the policy applied when a rule returns no series.
type NoDataState string

const (
	NoDataAlerting      NoDataState = "Alerting"
	NoDataNoData        NoDataState = "NoData"
	NoDataOK            NoDataState = "OK"
	NoDataKeepLastState NoDataState = "KeepLastState"
)

// ExecutionErrorState is the policy applied when an evaluation fails.
type ExecutionErrorState string

const (
	ErrorAlerting      ExecutionErrorState = "Alerting"
	ErrorError         ExecutionErrorState = "Error"
	ErrorOK            ExecutionErrorState = "OK"
	ErrorKeepLastState ExecutionErrorState = "KeepLastState"
)

// ParseNoDataState validates textual no-data policy.
// Params: raw policy name, empty defaults to NoData.
// Returns: typed policy or error.
func ParseNoDataState(raw string) (NoDataState, error) {
	switch NoDataState(strings.TrimSpace(raw)) {
	case "":
		return NoDataNoData, nil
	case NoDataAlerting, NoDataNoData, NoDataOK, NoDataKeepLastState:
		return NoDataState(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("unsupported no data state %q", raw)
	}
}

// ParseExecutionErrorState validates textual execution-error policy.
// Params: raw policy name, empty defaults to Alerting.
// Returns: typed policy or error.
func ParseExecutionErrorState(raw string) (ExecutionErrorState, error) {
	switch ExecutionErrorState(strings.TrimSpace(raw)) {
	case "":
		return ErrorAlerting, nil
	case ErrorAlerting, ErrorError, ErrorOK, ErrorKeepLastState:
		return ExecutionErrorState(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("unsupported execution error state %q", raw)
	}
}

// RelativeTimeRange is the query window relative to evaluation time.
type RelativeTimeRange struct {
	From time.Duration
	To   time.Duration
}

// AlertQuery is one node of a rule condition graph.
type AlertQuery struct {
	RefID             string
	DatasourceUID     string
	RelativeTimeRange RelativeTimeRange
	Model             json.RawMessage
}

// IsExpression reports whether query runs in the expression engine.
// Params: none.
// Returns: true for expression nodes.
func (q AlertQuery) IsExpression() bool {
	return q.DatasourceUID == ExpressionDatasourceUID
}

// Condition is the executable part of a rule.
type Condition struct {
	Condition string
	OrgID     int64
	Data      []AlertQuery
}

// Validate checks that condition references a node and carries at least one data query.
// Params: none.
// Returns: validation error, nil when valid.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Condition) == "" {
		return errors.New("condition is required")
	}
	found := false
	dataQueries := 0
	for _, q := range c.Data {
		if q.RefID == c.Condition {
			found = true
		}
		if !q.IsExpression() {
			dataQueries++
		}
	}
	if !found {
		return fmt.Errorf("condition %q does not match any query refId", c.Condition)
	}
	if dataQueries == 0 {
		return errors.New("condition must reference at least one data query")
	}
	return nil
}

// AlertRule is one stored rule definition.
type AlertRule struct {
	ID              int64
	OrgID           int64
	UID             string
	Title           string
	NamespaceUID    string
	RuleGroup       string
	Condition       string
	Data            []AlertQuery
	IntervalSeconds int64
	For             time.Duration
	NoDataState     NoDataState
	ExecErrState    ExecutionErrorState
	Labels          map[string]string
	Annotations     map[string]string
	Schedule        string
	Version         int64
	Updated         time.Time
	DashboardUID    *string
	PanelID         *int64
}

// RuleKey identifies rule across organizations.
type RuleKey struct {
	OrgID int64
	UID   string
}

// String renders key as `<org>/<uid>`.
// Params: none.
// Returns: textual key.
func (k RuleKey) String() string {
	return fmt.Sprintf("%d/%s", k.OrgID, k.UID)
}

// GetKey returns organization-scoped rule key.
// Params: none.
// Returns: rule key.
func (r AlertRule) GetKey() RuleKey {
	return RuleKey{OrgID: r.OrgID, UID: r.UID}
}

// GetEvalCondition builds evaluator input from rule.
// Params: none.
// Returns: condition graph bound to rule org.
func (r AlertRule) GetEvalCondition() Condition {
	return Condition{Condition: r.Condition, OrgID: r.OrgID, Data: r.Data}
}

// Interval returns evaluation interval as duration.
// Params: none.
// Returns: interval, zero when not set.
func (r AlertRule) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Validate checks invariants required before scheduling or evaluating rule.
// Params: none.
// Returns: first validation error.
func (r AlertRule) Validate() error {
	if strings.TrimSpace(r.UID) == "" {
		return errors.New("rule uid is required")
	}
	if r.OrgID <= 0 {
		return fmt.Errorf("rule %s: org id must be >0", r.UID)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("rule %s: title is required", r.UID)
	}
	if r.IntervalSeconds <= 0 {
		return fmt.Errorf("rule %s: interval must be >0", r.UID)
	}
	if r.For < 0 {
		return fmt.Errorf("rule %s: for must be >=0", r.UID)
	}
	if _, err := ParseNoDataState(string(r.NoDataState)); err != nil {
		return fmt.Errorf("rule %s: %w", r.UID, err)
	}
	if _, err := ParseExecutionErrorState(string(r.ExecErrState)); err != nil {
		return fmt.Errorf("rule %s: %w", r.UID, err)
	}
	if err := r.GetEvalCondition().Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.UID, err)
	}
	return nil
}
