package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"ngalert/internal/clock"
	"ngalert/internal/config"
	"ngalert/internal/eval"
	"ngalert/internal/metrics"
	"ngalert/internal/models"
	"ngalert/internal/notifier"
	"ngalert/internal/schedule"
	"ngalert/internal/state"
	"ngalert/internal/store"
)

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEvaluator struct {
	results eval.Results
	err     error
}

func (f *fakeEvaluator) ConditionEval(_ context.Context, _ models.Condition, at time.Time) (eval.Results, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(eval.Results, 0, len(f.results))
	for _, result := range f.results {
		result.EvaluatedAt = at
		out = append(out, result)
	}
	return out, nil
}

type fakeAlertmanager struct {
	mu      sync.Mutex
	batches []notifier.PostableAlerts
	err     error
}

func (f *fakeAlertmanager) PutAlerts(_ context.Context, alerts notifier.PostableAlerts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, alerts)
	return f.err
}

func (f *fakeAlertmanager) Stop() {}

type fakeRules map[models.RuleKey]models.AlertRule

func (f fakeRules) Rule(orgID int64, uid string) (models.AlertRule, bool) {
	rule, ok := f[models.RuleKey{OrgID: orgID, UID: uid}]
	return rule, ok
}

type testServer struct {
	handler      http.Handler
	evaluator    *fakeEvaluator
	alertmanager *fakeAlertmanager
	rules        fakeRules
	metrics      *metrics.Metrics
}

func newTestServer(t *testing.T, ready func() error) *testServer {
	t.Helper()
	ts := &testServer{
		evaluator:    &fakeEvaluator{},
		alertmanager: &fakeAlertmanager{},
		rules:        fakeRules{},
		metrics:      metrics.New(prometheus.NewRegistry()),
	}
	registry := notifier.NewMultiOrgAlertmanager(func(config.OrgAlertmanagerConfig) (notifier.Alertmanager, error) {
		return ts.alertmanager, nil
	}, newTestLogger())
	if err := registry.ApplyConfig([]config.OrgAlertmanagerConfig{{OrgID: 1, URL: "http://am"}}); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	manual := clock.NewManual(baseTime)
	states := state.NewManager(state.ManagerConfig{
		Store:   store.NewMemoryStore(),
		Metrics: ts.metrics,
		Clock:   manual,
		Logger:  newTestLogger(),
	})
	engine := schedule.NewEngine(schedule.EngineConfig{
		Evaluator:     ts.evaluator,
		State:         states,
		Alertmanagers: registry,
		Metrics:       ts.metrics,
		Logger:        newTestLogger(),
	})
	service := NewService(ServiceConfig{
		Evaluator: ts.evaluator,
		Engine:    engine,
		Rules:     ts.rules,
		Clock:     manual,
		Logger:    newTestLogger(),
	})
	ts.handler = NewRouter(RouterConfig{Service: service, Metrics: ts.metrics, Ready: ready, Logger: newTestLogger()})
	return ts
}

func (ts *testServer) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch v := body.(type) {
	case string:
		payload = []byte(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		payload = raw
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	response := httptest.NewRecorder()
	ts.handler.ServeHTTP(response, request)
	return response
}

func testApiRule() ApiAlertRule {
	return ApiAlertRule{
		OrgID:           1,
		UID:             "rule-1",
		Title:           "HighCPU",
		Condition:       "C",
		IntervalSeconds: 60,
		Labels:          map[string]string{"team": "ops"},
		Data: []ApiAlertQuery{
			{
				RefID:             "A",
				DatasourceUID:     "prom",
				RelativeTimeRange: ApiRelativeTimeRange{From: model.Duration(10 * time.Minute)},
				Model:             json.RawMessage(`{"expr":"cpu"}`),
			},
			{RefID: "C", DatasourceUID: models.ExpressionDatasourceUID, Model: json.RawMessage(`{"type":"threshold","expression":"A","evaluator":{"type":"gt","params":[1]}}`)},
		},
	}
}

func decodeBody(t *testing.T, response *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(response.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", response.Body.String(), err)
	}
}

func TestEvalEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	five := 5.0
	ts.evaluator.results = eval.Results{
		{Instance: models.Labels{"instance": "a"}, State: eval.Alerting, Values: map[string]eval.NumberValueCapture{"A": {Var: "A", Value: &five}}},
		{Instance: models.Labels{}, State: eval.Error, Error: &eval.QueryError{RefID: "A", Err: errors.New("connection refused")}},
	}

	response := ts.post(t, EvalPath, AlertEvaluationRequest{AlertRule: testApiRule(), EvalTime: baseTime})
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var results []ApiEvalResult
	decodeBody(t, response, &results)
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}
	if results[0].StateName != "Alerting" || !results[0].EvaluatedAt.Equal(baseTime) || *results[0].Values["A"].Value != 5 {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Error == nil || results[1].Error.Type != QueryErrorType || results[1].Error.Metadata[EvaluationErrorRefIDKey] != "A" {
		t.Fatalf("expected query error metadata, got %+v", results[1].Error)
	}
	if results[1].Error.Message != "connection refused" {
		t.Fatalf("unexpected error message %q", results[1].Error.Message)
	}
}

func TestEvalEndpointErrors(t *testing.T) {
	t.Parallel()

	invalid := testApiRule()
	invalid.Condition = "Z"
	badPolicy := testApiRule()
	badPolicy.NoDataState = "Maybe"

	tests := []struct {
		name    string
		body    any
		evalErr error
		want    int
	}{
		{name: "malformed body", body: "{", want: http.StatusBadRequest},
		{name: "invalid rule", body: AlertEvaluationRequest{AlertRule: invalid}, want: http.StatusBadRequest},
		{name: "bad policy", body: AlertEvaluationRequest{AlertRule: badPolicy}, want: http.StatusBadRequest},
		{name: "evaluator failure", body: AlertEvaluationRequest{AlertRule: testApiRule()}, evalErr: &eval.EvaluationError{Err: errors.New("boom")}, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, nil)
			ts.evaluator.err = tt.evalErr
			response := ts.post(t, EvalPath, tt.body)
			if response.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, response.Code, response.Body.String())
			}
			var body errorResponse
			decodeBody(t, response, &body)
			if body.Message == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestProcessEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	request := AlertProcessRequest{
		AlertRule: testApiRule(),
		EvaluationResults: []ApiEvalResult{
			{Instance: models.Labels{"instance": "a"}, StateName: "Alerting", EvaluatedAt: baseTime},
			{Instance: models.Labels{"instance": "b"}, StateName: "Normal", EvaluatedAt: baseTime},
		},
	}

	response := ts.post(t, ProcessPath, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var alerts notifier.PostableAlerts
	decodeBody(t, response, &alerts)
	if len(alerts.PostableAlerts) != 1 || alerts.PostableAlerts[0].Labels["instance"] != "a" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if len(ts.alertmanager.batches) != 1 {
		t.Fatalf("expected one delivered batch, got %d", len(ts.alertmanager.batches))
	}
}

func TestProcessEndpointErrors(t *testing.T) {
	t.Parallel()

	otherOrg := testApiRule()
	otherOrg.OrgID = 9
	firing := []ApiEvalResult{{Instance: models.Labels{"instance": "a"}, StateName: "Alerting", EvaluatedAt: baseTime}}

	tests := []struct {
		name     string
		request  AlertProcessRequest
		amErr    error
		want     int
		contains string
	}{
		{name: "no alertmanager for org", request: AlertProcessRequest{AlertRule: otherOrg, EvaluationResults: firing}, want: http.StatusBadRequest, contains: "org 9"},
		{name: "unknown state", request: AlertProcessRequest{AlertRule: testApiRule(), EvaluationResults: []ApiEvalResult{{StateName: "Firing"}}}, want: http.StatusBadRequest},
		{name: "delivery failure", request: AlertProcessRequest{AlertRule: testApiRule(), EvaluationResults: firing}, amErr: errors.New("unavailable"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, nil)
			ts.alertmanager.err = tt.amErr
			response := ts.post(t, ProcessPath, tt.request)
			if response.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, response.Code, response.Body.String())
			}
			if tt.contains != "" && !strings.Contains(response.Body.String(), tt.contains) {
				t.Fatalf("expected body to mention %q, got %s", tt.contains, response.Body.String())
			}
		})
	}
}

func TestRunEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ts.evaluator.results = eval.Results{{Instance: models.Labels{"instance": "a"}, State: eval.Alerting}}

	response := ts.post(t, RunPath, AlertRunRequest{AlertRule: testApiRule(), EvalTime: baseTime})
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var result ApiRunResult
	decodeBody(t, response, &result)
	if !result.Firing || len(result.States) != 1 || result.States[0].State != "Alerting" {
		t.Fatalf("unexpected run result %+v", result)
	}
	if len(result.Alerts.PostableAlerts) != 1 || result.DispatchError != "" {
		t.Fatalf("expected delivered alert, got %+v", result)
	}
}

func TestRunByKeyEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rule, err := ApiRuleToAlertRule(testApiRule())
	if err != nil {
		t.Fatalf("convert rule: %v", err)
	}
	ts.rules[rule.GetKey()] = rule
	ts.evaluator.results = eval.Results{{Instance: models.Labels{"instance": "a"}, State: eval.Alerting}}

	at := baseTime.Add(time.Minute)
	response := ts.post(t, RunPath+"/1/rule-1?evalTime="+at.Format(time.RFC3339), "")
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var result ApiRunResult
	decodeBody(t, response, &result)
	if !result.Firing || !result.EvaluatedAt.Equal(at) || len(result.Alerts.PostableAlerts) != 1 {
		t.Fatalf("unexpected run result %+v", result)
	}

	for path, want := range map[string]int{
		RunPath + "/1/missing":               http.StatusNotFound,
		RunPath + "/2/rule-1":                http.StatusNotFound,
		RunPath + "/zero/rule-1":             http.StatusBadRequest,
		RunPath + "/1/rule-1?evalTime=later": http.StatusBadRequest,
	} {
		if response := ts.post(t, path, ""); response.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, response.Code)
		}
	}
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func() error { return errors.New("warming up") })
	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
		"/nope":    http.StatusNotFound,
	} {
		response := httptest.NewRecorder()
		ts.handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, path, nil))
		if response.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, response.Code)
		}
	}

	response := httptest.NewRecorder()
	ts.handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(response.Body.String(), `ngalert_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"}`) {
		t.Fatalf("expected request latency series, got %s", response.Body.String())
	}
}

func TestEvaluationResultsRoundTrip(t *testing.T) {
	t.Parallel()

	seven := 7.0
	in := eval.Results{
		{
			Instance:           models.Labels{"instance": "a"},
			State:              eval.Alerting,
			EvaluatedAt:        baseTime,
			EvaluationDuration: 250 * time.Millisecond,
			EvaluationString:   "[ var='B' labels={instance=a} value=7 ]",
			Values:             map[string]eval.NumberValueCapture{"B": {Var: "B", Labels: models.Labels{"instance": "a"}, Value: &seven}},
		},
		{Instance: models.Labels{}, State: eval.Error, EvaluatedAt: baseTime, Error: &eval.QueryError{RefID: "A", Err: errors.New("timeout")}},
		{Instance: models.Labels{}, State: eval.Error, EvaluatedAt: baseTime, Error: errors.New("graph broken")},
	}

	raw, err := json.Marshal(EvaluationResultsToApi(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire []ApiEvalResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := ApiToEvaluationResults(wire)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	if out[0].State != eval.Alerting || !out[0].EvaluatedAt.Equal(baseTime) || out[0].EvaluationDuration != 250*time.Millisecond {
		t.Fatalf("unexpected first result %+v", out[0])
	}
	if out[0].EvaluationString != in[0].EvaluationString || *out[0].Values["B"].Value != 7 || out[0].Values["B"].Labels["instance"] != "a" {
		t.Fatalf("values not preserved: %+v", out[0].Values)
	}
	if refID, ok := eval.IsQueryError(out[1].Error); !ok || refID != "A" {
		t.Fatalf("expected query error for A, got %v", out[1].Error)
	}
	if out[2].Error == nil || out[2].Error.Error() != "graph broken" {
		t.Fatalf("expected other error preserved, got %v", out[2].Error)
	}
}

func TestApiRuleDurations(t *testing.T) {
	t.Parallel()

	var api ApiAlertRule
	body := `{"orgId":1,"uid":"r","title":"t","condition":"A","intervalSeconds":30,"for":"2m",
		"data":[{"refId":"A","datasourceUid":"prom","relativeTimeRange":{"from":"10m","to":"0s"},"model":{}}]}`
	if err := json.Unmarshal([]byte(body), &api); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rule, err := ApiRuleToAlertRule(api)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if rule.For != 2*time.Minute || rule.Data[0].RelativeTimeRange.From != 10*time.Minute {
		t.Fatalf("unexpected durations for=%s from=%s", rule.For, rule.Data[0].RelativeTimeRange.From)
	}
	if rule.NoDataState != models.NoDataNoData || rule.ExecErrState != models.ErrorAlerting {
		t.Fatalf("expected default policies, got %s %s", rule.NoDataState, rule.ExecErrState)
	}
	if err := rule.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
