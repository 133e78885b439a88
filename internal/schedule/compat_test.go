package schedule

import (
	"net/url"
	"testing"
	"time"

	"ngalert/internal/eval"
	"ngalert/internal/models"
	"ngalert/internal/state"
)

type fixedResend time.Duration

func (f fixedResend) ResendDelay() time.Duration { return time.Duration(f) }

func TestFromAlertStateToPostableAlertsEmpty(t *testing.T) {
	t.Parallel()

	alerts := FromAlertStateToPostableAlerts(nil, nil, nil)
	if alerts.PostableAlerts == nil || len(alerts.PostableAlerts) != 0 {
		t.Fatalf("expected empty non-nil alert list, got %#v", alerts.PostableAlerts)
	}
}

func TestFromAlertStateToPostableAlertsFilters(t *testing.T) {
	t.Parallel()

	newState := func(instance string, st eval.State) *state.State {
		return &state.State{
			OrgID:              1,
			AlertRuleUID:       "rule-1",
			CacheID:            instance,
			Labels:             models.Labels{"instance": instance, models.AlertNameLabel: "HighCPU"},
			Annotations:        map[string]string{},
			State:              st,
			StartsAt:           baseTime,
			EndsAt:             baseTime.Add(90 * time.Second),
			LastEvaluationTime: baseTime.Add(time.Minute),
		}
	}

	firing := newState("firing", eval.Alerting)
	firing.LatestResult = &state.Evaluation{EvaluationString: "[ var='B' value=5 ]"}
	recentlySent := newState("recent", eval.Alerting)
	recentlySent.LastSentAt = baseTime.Add(50 * time.Second)
	suppressed := newState("suppressed", eval.Alerting)
	suppressed.Suppressed = true
	resolved := newState("resolved", eval.Normal)
	resolved.Resolved = true
	pending := newState("pending", eval.Pending)
	normal := newState("normal", eval.Normal)
	errored := newState("errored", eval.Error)
	noData := newState("nodata", eval.NoData)

	appURL, _ := url.Parse("https://grafana.example.com")
	alerts := FromAlertStateToPostableAlerts(
		[]*state.State{firing, recentlySent, suppressed, resolved, pending, normal, errored, noData},
		fixedResend(30*time.Second),
		appURL,
	)

	got := map[string]string{}
	for _, alert := range alerts.PostableAlerts {
		got[alert.Labels["instance"]] = alert.Labels[models.AlertNameLabel]
		if alert.GeneratorURL != "https://grafana.example.com/alerting/rule-1/edit" {
			t.Fatalf("unexpected generator url %q", alert.GeneratorURL)
		}
		if alert.Labels[models.RuleUIDRoutingLabel] != "rule-1" {
			t.Fatalf("missing routing label on %v", alert.Labels)
		}
	}
	want := map[string]string{
		"firing":   "HighCPU",
		"resolved": "HighCPU",
		"errored":  models.DatasourceErrorAlertName,
		"nodata":   models.DatasourceNoDataAlertName,
	}
	if len(got) != len(want) {
		t.Fatalf("want %v got %v", want, got)
	}
	for instance, name := range want {
		if got[instance] != name {
			t.Fatalf("instance %s: want alertname %q got %q", instance, name, got[instance])
		}
	}
	for _, alert := range alerts.PostableAlerts {
		if alert.Labels["instance"] == "firing" && alert.Annotations[models.ValueStringAnnotation] != "[ var='B' value=5 ]" {
			t.Fatalf("expected value string annotation, got %v", alert.Annotations)
		}
	}
	if firing.Labels[models.RuleUIDRoutingLabel] != "" {
		t.Fatalf("conversion must not mutate state labels")
	}
}

func TestGeneratorURLWithoutAppURL(t *testing.T) {
	t.Parallel()

	if got := generatorURL(nil, "rule-1"); got != "" {
		t.Fatalf("expected empty generator url, got %q", got)
	}
}
