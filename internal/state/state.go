package state

import (
	"time"

	"ngalert/internal/eval"
	"ngalert/internal/models"
)

// Evaluation is summary of the latest result folded into a state.
type Evaluation struct {
	EvaluationTime   time.Time
	EvaluationState  eval.State
	EvaluationString string
	Values           map[string]float64
}

// State is cached state of one (org, rule, label-set) alert instance.
type State struct {
	OrgID        int64
	AlertRuleUID string
	CacheID      string
	Labels       models.Labels
	Annotations  map[string]string

	State       eval.State
	StateReason string
	Error       error

	StartsAt           time.Time
	EndsAt             time.Time
	LastEvaluationTime time.Time
	LastSentAt         time.Time

	// Resolved is set only in the cycle that moved an active state back to Normal.
	Resolved bool
	// Suppressed is set while KeepLastState freezes the state.
	Suppressed bool

	LatestResult *Evaluation
}

// Copy returns detached copy safe to hand out of the cache.
// Params: none.
// Returns: deep copy of labels, annotations and latest result.
func (s *State) Copy() *State {
	out := *s
	out.Labels = s.Labels.Copy()
	out.Annotations = copyMap(s.Annotations)
	if s.LatestResult != nil {
		latest := *s.LatestResult
		latest.Values = make(map[string]float64, len(s.LatestResult.Values))
		for k, v := range s.LatestResult.Values {
			latest.Values[k] = v
		}
		out.LatestResult = &latest
	}
	return &out
}

// Key returns persisted instance key of the state.
// Params: none.
// Returns: instance key.
func (s *State) Key() models.AlertInstanceKey {
	return models.AlertInstanceKey{RuleOrgID: s.OrgID, RuleUID: s.AlertRuleUID, LabelsHash: s.CacheID}
}

// IsActive reports whether state is one that notifies as firing.
// Params: none.
// Returns: true for Alerting, Error and NoData.
func (s *State) IsActive() bool {
	return isActive(s.State)
}

// SaveCommand converts state into instance upsert command.
// Params: none.
// Returns: save command.
func (s *State) SaveCommand() models.SaveAlertInstanceCommand {
	return models.SaveAlertInstanceCommand{
		RuleOrgID:         s.OrgID,
		RuleUID:           s.AlertRuleUID,
		Labels:            s.Labels.Copy(),
		State:             models.InstanceStateType(s.State.String()),
		StateReason:       s.StateReason,
		LastEvalTime:      s.LastEvaluationTime,
		CurrentStateSince: s.StartsAt,
		CurrentStateEnd:   s.EndsAt,
	}
}

// SaveCommands converts states into instance upsert commands.
// Params: processed states.
// Returns: one command per state.
func SaveCommands(states []*State) []models.SaveAlertInstanceCommand {
	out := make([]models.SaveAlertInstanceCommand, 0, len(states))
	for _, s := range states {
		out = append(out, s.SaveCommand())
	}
	return out
}

// fromInstance rebuilds cached state from persisted row.
// Params: persisted instance.
// Returns: state, ok=false when persisted state name is unknown.
func fromInstance(instance models.AlertInstance) (*State, bool) {
	parsed, err := eval.ParseState(string(instance.CurrentState))
	if err != nil {
		return nil, false
	}
	return &State{
		OrgID:              instance.RuleOrgID,
		AlertRuleUID:       instance.RuleUID,
		CacheID:            instance.LabelsHash,
		Labels:             instance.Labels.Copy(),
		Annotations:        map[string]string{},
		State:              parsed,
		StateReason:        instance.CurrentReason,
		StartsAt:           instance.CurrentStateSince,
		EndsAt:             instance.CurrentStateEnd,
		LastEvaluationTime: instance.LastEvalTime,
	}, true
}

func isActive(state eval.State) bool {
	switch state {
	case eval.Alerting, eval.Error, eval.NoData:
		return true
	default:
		return false
	}
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
