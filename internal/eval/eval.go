package eval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"ngalert/internal/models"
)

// Evaluator executes rule conditions at an evaluation instant.
type Evaluator interface {
	ConditionEval(ctx context.Context, cond models.Condition, at time.Time) (Results, error)
}

// State is categorical outcome of one evaluated instance.
type State int

const (
	// Normal means the condition is not met.
	Normal State = iota
	// Alerting means the condition is met.
	Alerting
	// Pending means the condition is met but For has not elapsed yet.
	Pending
	// NoData means the queried data source returned nothing for the instance.
	NoData
	// Error means evaluation failed.
	Error
)

var stateNames = map[State]string{
	Normal:   "Normal",
	Alerting: "Alerting",
	Pending:  "Pending",
	NoData:   "NoData",
	Error:    "Error",
}

// String returns human-readable state name.
// Params: none.
// Returns: state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState converts state name back into State.
// Params: state name as rendered by String.
// Returns: state or error for unknown name.
func ParseState(name string) (State, error) {
	for state, candidate := range stateNames {
		if strings.EqualFold(candidate, name) {
			return state, nil
		}
	}
	return Normal, fmt.Errorf("unknown evaluation state %q", name)
}

// NumberValueCapture is one captured expression output for an instance.
type NumberValueCapture struct {
	Var    string
	Labels models.Labels
	Value  *float64
}

// Result is evaluation outcome for one instance label-set.
type Result struct {
	Instance           models.Labels
	State              State
	Error              error
	EvaluatedAt        time.Time
	EvaluationDuration time.Duration
	EvaluationString   string
	Values             map[string]NumberValueCapture
}

// Results is all outcomes of one rule evaluation.
type Results []Result

// HasErrors reports whether any result is in Error state.
// Params: none.
// Returns: true when at least one Error result exists.
func (r Results) HasErrors() bool {
	return r.has(Error)
}

// HasAlerting reports whether any result is Alerting.
// Params: none.
// Returns: true when condition is met for at least one instance.
func (r Results) HasAlerting() bool {
	return r.has(Alerting)
}

// HasNoData reports whether any result is NoData.
// Params: none.
// Returns: true when at least one instance had no data.
func (r Results) HasNoData() bool {
	return r.has(NoData)
}

// FirstError returns first non-nil result error.
// Params: none.
// Returns: error or nil.
func (r Results) FirstError() error {
	for _, result := range r {
		if result.Error != nil {
			return result.Error
		}
	}
	return nil
}

func (r Results) has(state State) bool {
	for _, result := range r {
		if result.State == state {
			return true
		}
	}
	return false
}

// ValuesFloat flattens captured values for template rendering.
// Params: none.
// Returns: refID to value map, nil captures omitted.
func (r Result) ValuesFloat() map[string]float64 {
	out := make(map[string]float64, len(r.Values))
	for refID, capture := range r.Values {
		if capture.Value != nil {
			out[refID] = *capture.Value
		}
	}
	return out
}

// FormatEvaluationString renders captures as `[ var='B' labels={a=1} value=3 ], ...`.
// Params: captured values keyed by refID.
// Returns: stable human-readable string.
func FormatEvaluationString(values map[string]NumberValueCapture) string {
	refIDs := make([]string, 0, len(values))
	for refID := range values {
		refIDs = append(refIDs, refID)
	}
	sort.Strings(refIDs)

	parts := make([]string, 0, len(refIDs))
	for _, refID := range refIDs {
		capture := values[refID]
		value := "null"
		if capture.Value != nil {
			value = strconv.FormatFloat(*capture.Value, 'f', -1, 64)
		}
		parts = append(parts, fmt.Sprintf("[ var='%s' labels=%s value=%s ]", refID, capture.Labels.String(), value))
	}
	return strings.Join(parts, ", ")
}
