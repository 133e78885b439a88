package schedule

import (
	"net/url"
	"path"
	"time"

	"ngalert/internal/eval"
	"ngalert/internal/models"
	"ngalert/internal/notifier"
	"ngalert/internal/state"
)

// ResendPolicy exposes minimum delay between repeated sends of an active state.
type ResendPolicy interface {
	ResendDelay() time.Duration
}

// FromAlertStateToPostableAlerts converts states that need sending into postable alerts.
// Params: processed states, resend policy (nil sends every active state) and application base URL.
// Returns: alerts batch, empty but non-nil for no states.
func FromAlertStateToPostableAlerts(states []*state.State, policy ResendPolicy, appURL *url.URL) notifier.PostableAlerts {
	var resendDelay time.Duration
	if policy != nil {
		resendDelay = policy.ResendDelay()
	}
	toSend := statesToSend(states, resendDelay)
	alerts := notifier.PostableAlerts{PostableAlerts: make([]notifier.PostableAlert, 0, len(toSend))}
	for _, s := range toSend {
		alerts.PostableAlerts = append(alerts.PostableAlerts, stateToPostableAlert(s, appURL))
	}
	return alerts
}

// statesToSend keeps resolved states and active, unsuppressed states due for resend.
func statesToSend(states []*state.State, resendDelay time.Duration) []*state.State {
	out := make([]*state.State, 0, len(states))
	for _, s := range states {
		if s.Resolved {
			out = append(out, s)
			continue
		}
		if !s.IsActive() || s.Suppressed {
			continue
		}
		if !s.LastSentAt.IsZero() && s.LastEvaluationTime.Sub(s.LastSentAt) < resendDelay {
			continue
		}
		out = append(out, s)
	}
	return out
}

func stateToPostableAlert(s *state.State, appURL *url.URL) notifier.PostableAlert {
	labels := s.Labels.Copy()
	labels[models.RuleUIDRoutingLabel] = s.AlertRuleUID
	switch s.State {
	case eval.Error:
		labels[models.AlertNameLabel] = models.DatasourceErrorAlertName
	case eval.NoData:
		labels[models.AlertNameLabel] = models.DatasourceNoDataAlertName
	}

	annotations := make(map[string]string, len(s.Annotations)+1)
	for k, v := range s.Annotations {
		annotations[k] = v
	}
	if s.LatestResult != nil && s.LatestResult.EvaluationString != "" {
		annotations[models.ValueStringAnnotation] = s.LatestResult.EvaluationString
	}

	return notifier.PostableAlert{
		Labels:       labels,
		Annotations:  annotations,
		StartsAt:     s.StartsAt,
		EndsAt:       s.EndsAt,
		GeneratorURL: generatorURL(appURL, s.AlertRuleUID),
	}
}

// generatorURL links alert back to rule editor.
func generatorURL(appURL *url.URL, ruleUID string) string {
	if appURL == nil {
		return ""
	}
	u := *appURL
	u.Path = path.Join("/", u.Path, "alerting", ruleUID, "edit")
	return u.String()
}
