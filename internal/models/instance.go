package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// InstanceStateType is persisted categorical state of one alert instance.
type InstanceStateType string

const (
	InstanceStateNormal  InstanceStateType = "Normal"
	InstanceStateFiring  InstanceStateType = "Alerting"
	InstanceStatePending InstanceStateType = "Pending"
	InstanceStateNoData  InstanceStateType = "NoData"
	InstanceStateError   InstanceStateType = "Error"
)

// IsValid reports whether state is a known persisted state.
// Params: none.
// Returns: true for known values.
func (s InstanceStateType) IsValid() bool {
	switch s {
	case InstanceStateNormal, InstanceStateFiring, InstanceStatePending, InstanceStateNoData, InstanceStateError:
		return true
	default:
		return false
	}
}

// AlertInstanceKey identifies one persisted (org, rule, label-set) row.
type AlertInstanceKey struct {
	RuleOrgID  int64  `json:"rule_org_id"`
	RuleUID    string `json:"rule_uid"`
	LabelsHash string `json:"labels_hash"`
}

// String renders key as `<org>.<rule_uid>.<labels_hash>`.
// Params: none.
// Returns: dotted key suitable for KV stores.
func (k AlertInstanceKey) String() string {
	return fmt.Sprintf("%d.%s.%s", k.RuleOrgID, k.RuleUID, k.LabelsHash)
}

// Validate checks that every key component is set.
// Params: none.
// Returns: validation error.
func (k AlertInstanceKey) Validate() error {
	if k.RuleOrgID <= 0 {
		return errors.New("alert instance key: org id must be >0")
	}
	if strings.TrimSpace(k.RuleUID) == "" {
		return errors.New("alert instance key: rule uid is required")
	}
	if strings.TrimSpace(k.LabelsHash) == "" {
		return errors.New("alert instance key: labels hash is required")
	}
	return nil
}

// NewAlertInstanceKey builds key for rule and instance labels.
// Params: org id, rule uid, full instance labels.
// Returns: key with label fingerprint.
func NewAlertInstanceKey(orgID int64, ruleUID string, labels Labels) AlertInstanceKey {
	return AlertInstanceKey{RuleOrgID: orgID, RuleUID: ruleUID, LabelsHash: labels.Fingerprint()}
}

// AlertInstance is one persisted instance row.
type AlertInstance struct {
	AlertInstanceKey  `json:"key"`
	Labels            Labels            `json:"labels"`
	CurrentState      InstanceStateType `json:"current_state"`
	CurrentReason     string            `json:"current_reason,omitempty"`
	CurrentStateSince time.Time         `json:"current_state_since"`
	CurrentStateEnd   time.Time         `json:"current_state_end"`
	LastEvalTime      time.Time         `json:"last_eval_time"`
}

// SaveAlertInstanceCommand upserts one instance row.
type SaveAlertInstanceCommand struct {
	RuleOrgID         int64
	RuleUID           string
	Labels            Labels
	State             InstanceStateType
	StateReason       string
	LastEvalTime      time.Time
	CurrentStateSince time.Time
	CurrentStateEnd   time.Time
}

// Key returns instance key addressed by command.
// Params: none.
// Returns: instance key.
func (c SaveAlertInstanceCommand) Key() AlertInstanceKey {
	return NewAlertInstanceKey(c.RuleOrgID, c.RuleUID, c.Labels)
}

// Instance converts command into instance row.
// Params: none.
// Returns: row to persist.
func (c SaveAlertInstanceCommand) Instance() AlertInstance {
	return AlertInstance{
		AlertInstanceKey:  c.Key(),
		Labels:            c.Labels.Copy(),
		CurrentState:      c.State,
		CurrentReason:     c.StateReason,
		CurrentStateSince: c.CurrentStateSince,
		CurrentStateEnd:   c.CurrentStateEnd,
		LastEvalTime:      c.LastEvalTime,
	}
}

// ListAlertInstancesQuery filters instance listing; zero fields match everything.
type ListAlertInstancesQuery struct {
	RuleOrgID int64
	RuleUID   string
	State     InstanceStateType
}

// Matches reports whether instance satisfies query filters.
// Params: candidate instance.
// Returns: true on match.
func (q ListAlertInstancesQuery) Matches(instance AlertInstance) bool {
	if q.RuleOrgID != 0 && instance.RuleOrgID != q.RuleOrgID {
		return false
	}
	if q.RuleUID != "" && instance.RuleUID != q.RuleUID {
		return false
	}
	if q.State != "" && instance.CurrentState != q.State {
		return false
	}
	return true
}
