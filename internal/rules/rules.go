package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"

	"ngalert/internal/logging"
	"ngalert/internal/models"
)

// File is one provisioning document.
type File struct {
	APIVersion int         `yaml:"apiVersion"`
	Groups     []GroupSpec `yaml:"groups"`
}

// GroupSpec is one rule group sharing org, folder and interval.
type GroupSpec struct {
	OrgID    int64      `yaml:"orgId"`
	Name     string     `yaml:"name"`
	Folder   string     `yaml:"folder"`
	Interval string     `yaml:"interval"`
	Rules    []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule definition inside a group.
type RuleSpec struct {
	UID          string            `yaml:"uid"`
	Title        string            `yaml:"title"`
	Condition    string            `yaml:"condition"`
	For          string            `yaml:"for"`
	Schedule     string            `yaml:"schedule"`
	NoDataState  string            `yaml:"noDataState"`
	ExecErrState string            `yaml:"execErrState"`
	Labels       map[string]string `yaml:"labels"`
	Annotations  map[string]string `yaml:"annotations"`
	DashboardUID string            `yaml:"dashboardUid"`
	PanelID      *int64            `yaml:"panelId"`
	Data         []QuerySpec       `yaml:"data"`
}

// QuerySpec is one query or expression node; time range is in seconds before evaluation.
type QuerySpec struct {
	RefID             string         `yaml:"refId"`
	DatasourceUID     string         `yaml:"datasourceUid"`
	RelativeTimeRange TimeRangeSpec  `yaml:"relativeTimeRange"`
	Model             map[string]any `yaml:"model"`
}

// TimeRangeSpec holds relative range bounds in seconds.
type TimeRangeSpec struct {
	From int64 `yaml:"from"`
	To   int64 `yaml:"to"`
}

// Reader loads rule files and keeps latest valid snapshot.
// Params: file or directory paths.
// Returns: rule source for scheduler.
type Reader struct {
	paths  []string
	logger *slog.Logger

	mu    sync.RWMutex
	rules []models.AlertRule
	index map[models.RuleKey]int
}

// NewReader creates reader over paths.
// Params: file or directory paths and logger.
// Returns: reader with empty snapshot until Load.
func NewReader(paths []string, logger *slog.Logger) *Reader {
	return &Reader{
		paths:  append([]string(nil), paths...),
		logger: logging.Component(logger, "ngalert.rules"),
		index:  map[models.RuleKey]int{},
	}
}

// Load reads every path and replaces snapshot when all rules are valid.
// Params: none.
// Returns: read, parse or validation error; snapshot is kept on error.
func (r *Reader) Load() error {
	r.mu.RLock()
	paths := r.paths
	r.mu.RUnlock()
	return r.load(paths)
}

// Reload switches reader to paths and loads them.
// Params: file or directory paths.
// Returns: load error; previous paths and snapshot are kept on error.
func (r *Reader) Reload(paths []string) error {
	return r.load(append([]string(nil), paths...))
}

func (r *Reader) load(paths []string) error {
	files, err := expandPaths(paths)
	if err != nil {
		return err
	}
	var (
		loaded []models.AlertRule
		errs   []error
	)
	for _, path := range files {
		rules, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, rules...)
	}
	index := make(map[models.RuleKey]int, len(loaded))
	for i, rule := range loaded {
		if _, dup := index[rule.GetKey()]; dup {
			errs = append(errs, fmt.Errorf("duplicate rule %s", rule.GetKey().String()))
			continue
		}
		index[rule.GetKey()] = i
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.mu.Lock()
	r.paths = paths
	r.rules = loaded
	r.index = index
	r.mu.Unlock()
	r.logger.Info("rules loaded", "files", len(files), "rules", len(loaded))
	return nil
}

// Rules returns current snapshot.
// Params: none.
// Returns: copy of loaded rules in file order.
func (r *Reader) Rules() []models.AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.AlertRule(nil), r.rules...)
}

// Rule looks up one rule.
// Params: org id and rule uid.
// Returns: rule and presence flag.
func (r *Reader) Rule(orgID int64, uid string) (models.AlertRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[models.RuleKey{OrgID: orgID, UID: uid}]
	if !ok {
		return models.AlertRule{}, false
	}
	return r.rules[i], true
}

// LoadFile parses one provisioning file.
// Params: yaml path.
// Returns: validated rules.
func LoadFile(path string) ([]models.AlertRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %q: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rules file %q: %w", path, err)
	}
	rules, err := Parse(raw, info.ModTime())
	if err != nil {
		return nil, fmt.Errorf("rules file %q: %w", path, err)
	}
	return rules, nil
}

// Parse decodes provisioning document.
// Params: yaml body and update timestamp stamped on rules.
// Returns: validated rules.
func Parse(raw []byte, updated time.Time) ([]models.AlertRule, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if file.APIVersion != 0 && file.APIVersion != 1 {
		return nil, fmt.Errorf("unsupported apiVersion %d", file.APIVersion)
	}
	var out []models.AlertRule
	for _, group := range file.Groups {
		rules, err := group.toRules(updated)
		if err != nil {
			return nil, err
		}
		out = append(out, rules...)
	}
	return out, nil
}

func (g GroupSpec) toRules(updated time.Time) ([]models.AlertRule, error) {
	if strings.TrimSpace(g.Name) == "" {
		return nil, errors.New("group name is required")
	}
	orgID := g.OrgID
	if orgID == 0 {
		orgID = 1
	}
	interval, err := model.ParseDuration(g.Interval)
	if err != nil {
		return nil, fmt.Errorf("group %s: parse interval: %w", g.Name, err)
	}
	if time.Duration(interval)%time.Second != 0 {
		return nil, fmt.Errorf("group %s: interval must be a whole number of seconds", g.Name)
	}

	out := make([]models.AlertRule, 0, len(g.Rules))
	for _, rs := range g.Rules {
		rule, err := rs.toRule(g, orgID, time.Duration(interval), updated)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s RuleSpec) toRule(g GroupSpec, orgID int64, interval time.Duration, updated time.Time) (models.AlertRule, error) {
	var forDuration time.Duration
	if strings.TrimSpace(s.For) != "" {
		parsed, err := model.ParseDuration(s.For)
		if err != nil {
			return models.AlertRule{}, fmt.Errorf("rule %s: parse for: %w", s.UID, err)
		}
		forDuration = time.Duration(parsed)
	}
	noData, err := models.ParseNoDataState(s.NoDataState)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("rule %s: %w", s.UID, err)
	}
	execErr, err := models.ParseExecutionErrorState(s.ExecErrState)
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("rule %s: %w", s.UID, err)
	}

	data := make([]models.AlertQuery, 0, len(s.Data))
	for _, q := range s.Data {
		modelBody := q.Model
		if modelBody == nil {
			modelBody = map[string]any{}
		}
		body, err := json.Marshal(modelBody)
		if err != nil {
			return models.AlertRule{}, fmt.Errorf("rule %s: encode model of %s: %w", s.UID, q.RefID, err)
		}
		data = append(data, models.AlertQuery{
			RefID:         q.RefID,
			DatasourceUID: q.DatasourceUID,
			RelativeTimeRange: models.RelativeTimeRange{
				From: time.Duration(q.RelativeTimeRange.From) * time.Second,
				To:   time.Duration(q.RelativeTimeRange.To) * time.Second,
			},
			Model: body,
		})
	}

	rule := models.AlertRule{
		OrgID:           orgID,
		UID:             s.UID,
		Title:           s.Title,
		NamespaceUID:    g.Folder,
		RuleGroup:       g.Name,
		Condition:       s.Condition,
		Data:            data,
		IntervalSeconds: int64(interval / time.Second),
		For:             forDuration,
		NoDataState:     noData,
		ExecErrState:    execErr,
		Labels:          s.Labels,
		Annotations:     s.Annotations,
		Schedule:        s.Schedule,
		Version:         1,
		Updated:         updated,
		PanelID:         s.PanelID,
	}
	if s.DashboardUID != "" {
		dashboardUID := s.DashboardUID
		rule.DashboardUID = &dashboardUID
	}
	if err := rule.Validate(); err != nil {
		return models.AlertRule{}, err
	}
	return rule, nil
}

// expandPaths resolves directories to their yaml files.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat rules path %q: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read rules dir %q: %w", path, err)
		}
		var dirFiles []string
		for _, entry := range entries {
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			dirFiles = append(dirFiles, filepath.Join(path, entry.Name()))
		}
		sort.Strings(dirFiles)
		files = append(files, dirFiles...)
	}
	return files, nil
}
