package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"ngalert/internal/notifier"
)

// alertmanagerCollector records alerts pushed to `/api/v2/alerts`.
type alertmanagerCollector struct {
	mu     sync.Mutex
	alerts []notifier.PostableAlert
}

func (c *alertmanagerCollector) Handle(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost || request.URL.Path != "/api/v2/alerts" {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	defer request.Body.Close()

	var batch []notifier.PostableAlert
	if err := json.NewDecoder(request.Body).Decode(&batch); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.alerts = append(c.alerts, batch...)
	c.mu.Unlock()
	writer.WriteHeader(http.StatusOK)
}

// Count returns received alerts of rule uid.
func (c *alertmanagerCollector) Count(ruleUID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, alert := range c.alerts {
		if alert.Labels["__alert_rule_uid__"] == ruleUID {
			count++
		}
	}
	return count
}

func (c *alertmanagerCollector) Last(ruleUID string) (notifier.PostableAlert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.alerts) - 1; i >= 0; i-- {
		if c.alerts[i].Labels["__alert_rule_uid__"] == ruleUID {
			return c.alerts[i], true
		}
	}
	return notifier.PostableAlert{}, false
}

func startAlertmanager(t *testing.T) (*alertmanagerCollector, string) {
	t.Helper()
	collector := &alertmanagerCollector{}
	server := httptest.NewServer(http.HandlerFunc(collector.Handle))
	t.Cleanup(server.Close)
	return collector, server.URL
}

// prometheusMock answers every instant query with one sample per instance.
type prometheusMock struct {
	value atomic.Value
}

func (m *prometheusMock) set(value string) {
	m.value.Store(value)
}

func (m *prometheusMock) Handle(writer http.ResponseWriter, _ *http.Request) {
	value, _ := m.value.Load().(string)
	writer.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(writer, `{"status":"success","data":{"resultType":"vector","result":[
		{"metric":{"__name__":"cpu","instance":"host-a"},"value":[1700000000,%q]}
	]}}`, value)
}

func startPrometheus(t *testing.T, value string) (*prometheusMock, string) {
	t.Helper()
	mock := &prometheusMock{}
	mock.set(value)
	server := httptest.NewServer(http.HandlerFunc(mock.Handle))
	t.Cleanup(server.Close)
	return mock, server.URL
}

// e2eConfig holds knobs for generated service TOML.
type e2eConfig struct {
	Port            int
	Mode            string
	NATSURL         string
	PrometheusURL   string
	AlertmanagerURL string
	RulesPath       string
	Reload          bool
	Queue           bool
	Ingest          bool
}

func (c e2eConfig) TOML() string {
	mode := c.Mode
	if mode == "" {
		mode = "single"
	}
	natsURL := c.NATSURL
	if natsURL == "" {
		natsURL = "nats://127.0.0.1:4222"
	}
	return fmt.Sprintf(`
[service]
name = "ngalert-e2e"
mode = %q
app_url = "http://grafana.local"
reload_enabled = %t
reload_interval_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[http]
listen = "127.0.0.1:%d"

[evaluation]
timeout_sec = 5
notification_timeout_sec = 5
base_interval_sec = 1
workers = 2
resend_delay_sec = 60

[rules]
paths = [%q]

[datasource.prom]
type = "prometheus"
url = %q
timeout_sec = 5

[alertmanager.org.1]
url = %q
timeout_sec = 2

[alertmanager.queue]
enabled = %t
ack_wait_sec = 2
nack_delay_ms = 50
max_deliver = 3

[nats]
url = [%q]

[instance_store]
allow_create_bucket = true

[ingest.nats]
enabled = %t
ack_wait_sec = 2
nack_delay_ms = 50
`, mode, c.Reload, c.Port, c.RulesPath, c.PrometheusURL, c.AlertmanagerURL, c.Queue, natsURL, c.Ingest)
}

// ruleYAML renders one provisioned rule firing when cpu > threshold.
func ruleYAML(uids ...string) string {
	var b strings.Builder
	b.WriteString("apiVersion: 1\ngroups:\n  - orgId: 1\n    name: e2e\n    folder: e2e-folder\n    interval: 1s\n    rules:\n")
	for _, uid := range uids {
		fmt.Fprintf(&b, `      - uid: %s
        title: HighCPU-%s
        condition: C
        labels:
          team: ops
        annotations:
          summary: "{{ $labels.instance }} cpu is {{ $values.B }}"
        data:
          - refId: A
            datasourceUid: prom
            relativeTimeRange:
              from: 300
            model:
              expr: cpu
              instant: true
          - refId: B
            datasourceUid: __expr__
            model:
              type: reduce
              expression: A
              reducer: last
          - refId: C
            datasourceUid: __expr__
            model:
              type: threshold
              expression: B
              evaluator:
                type: gt
                params: [3]
`, uid, uid)
	}
	return b.String()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", filepath.Base(path), err)
	}
}
