package rules

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ngalert/internal/models"
)

const cpuRules = `
apiVersion: 1
groups:
  - orgId: 1
    name: infra
    folder: infra-folder
    interval: 30s
    rules:
      - uid: cpu-high
        title: HighCPU
        condition: C
        for: 1m
        execErrState: Error
        labels:
          team: ops
        annotations:
          summary: "{{ $labels.instance }} is hot"
        dashboardUid: dash-1
        panelId: 4
        data:
          - refId: A
            datasourceUid: prom
            relativeTimeRange:
              from: 600
              to: 0
            model:
              expr: node_cpu
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
                params: [80]
`

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestParseConvertsRule(t *testing.T) {
	t.Parallel()

	updated := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rules, err := Parse([]byte(cpuRules), updated)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.OrgID != 1 || rule.UID != "cpu-high" || rule.NamespaceUID != "infra-folder" || rule.RuleGroup != "infra" {
		t.Fatalf("unexpected identity: %+v", rule)
	}
	if rule.IntervalSeconds != 30 || rule.For != time.Minute {
		t.Fatalf("unexpected timing: interval=%d for=%s", rule.IntervalSeconds, rule.For)
	}
	if rule.NoDataState != models.NoDataNoData || rule.ExecErrState != models.ErrorError {
		t.Fatalf("unexpected policies: %s %s", rule.NoDataState, rule.ExecErrState)
	}
	if rule.DashboardUID == nil || *rule.DashboardUID != "dash-1" || rule.PanelID == nil || *rule.PanelID != 4 {
		t.Fatalf("unexpected dashboard binding")
	}
	if !rule.Updated.Equal(updated) || rule.Version != 1 {
		t.Fatalf("unexpected version metadata")
	}
	if got := rule.Data[0].RelativeTimeRange.From; got != 10*time.Minute {
		t.Fatalf("expected 10m range, got %s", got)
	}

	var threshold struct {
		Type      string `json:"type"`
		Evaluator struct {
			Type   string    `json:"type"`
			Params []float64 `json:"params"`
		} `json:"evaluator"`
	}
	if err := json.Unmarshal(rule.Data[2].Model, &threshold); err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if threshold.Type != "threshold" || threshold.Evaluator.Type != "gt" || threshold.Evaluator.Params[0] != 80 {
		t.Fatalf("unexpected threshold model %s", rule.Data[2].Model)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad yaml":         "groups: [",
		"bad version":      "apiVersion: 2\n",
		"missing name":     "groups:\n  - interval: 1m\n",
		"bad interval":     "groups:\n  - name: g\n    interval: soon\n",
		"fraction":         "groups:\n  - name: g\n    interval: 1500ms\n",
		"bad for":          strings.Replace(cpuRules, "for: 1m", "for: later", 1),
		"bad no data":      strings.Replace(cpuRules, "for: 1m", "noDataState: Maybe", 1),
		"bad condition":    strings.Replace(cpuRules, "condition: C", "condition: Z", 1),
		"missing title":    strings.Replace(cpuRules, "title: HighCPU", "title: \"\"", 1),
		"missing interval": strings.Replace(cpuRules, "interval: 30s", "interval: 0s", 1),
	}
	for name, body := range tests {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(body), time.Now()); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
}

func TestReaderLoadsDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), cpuRules)
	writeFile(t, filepath.Join(dir, "b.yml"), strings.NewReplacer("uid: cpu-high", "uid: mem-high", "orgId: 1", "orgId: 2").Replace(cpuRules))
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	reader := NewReader([]string{dir}, newTestLogger())
	if err := reader.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	rules := reader.Rules()
	if len(rules) != 2 || rules[0].UID != "cpu-high" || rules[1].UID != "mem-high" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if _, ok := reader.Rule(2, "mem-high"); !ok {
		t.Fatalf("expected mem-high in org 2")
	}
	if _, ok := reader.Rule(1, "mem-high"); ok {
		t.Fatalf("did not expect mem-high in org 1")
	}
}

func TestReaderKeepsSnapshotOnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeFile(t, path, cpuRules)

	reader := NewReader([]string{path}, newTestLogger())
	if err := reader.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	writeFile(t, path, cpuRules+strings.TrimPrefix(cpuRules, "\napiVersion: 1\ngroups:\n"))
	if err := reader.Load(); err == nil || !strings.Contains(err.Error(), "duplicate rule 1/cpu-high") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if len(reader.Rules()) != 1 {
		t.Fatalf("expected previous snapshot kept")
	}

	if err := NewReader([]string{filepath.Join(dir, "missing.yaml")}, newTestLogger()).Load(); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestReaderReloadSwitchesPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.yaml")
	second := filepath.Join(dir, "second.yaml")
	writeFile(t, first, cpuRules)
	writeFile(t, second, strings.ReplaceAll(cpuRules, "cpu-high", "cpu-crit"))

	reader := NewReader([]string{first}, newTestLogger())
	if err := reader.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := reader.Reload([]string{filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatalf("expected missing path error")
	}
	if _, ok := reader.Rule(1, "cpu-high"); !ok {
		t.Fatalf("expected previous snapshot kept")
	}

	if err := reader.Reload([]string{second}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reader.Rule(1, "cpu-high"); ok {
		t.Fatalf("expected old rule dropped")
	}
	if _, ok := reader.Rule(1, "cpu-crit"); !ok {
		t.Fatalf("expected new rule loaded")
	}
	// Load keeps using switched paths.
	if err := reader.Load(); err != nil || len(reader.Rules()) != 1 || reader.Rules()[0].UID != "cpu-crit" {
		t.Fatalf("unexpected snapshot after load: %v %+v", err, reader.Rules())
	}
}
