package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ngalert/internal/config"
	"ngalert/internal/models"
)

const defaultStep = 15 * time.Second

// ErrUnknownDatasource is returned for queries addressed to an unregistered UID.
var ErrUnknownDatasource = errors.New("unknown datasource")

// Query is one resolved data query ready for execution.
type Query struct {
	RefID   string
	Expr    string
	Instant bool
	Start   time.Time
	End     time.Time
	Step    time.Duration
}

// Point is one timestamped sample.
type Point struct {
	T time.Time
	V float64
}

// Series is one labeled sample stream returned by a data source.
type Series struct {
	Labels models.Labels
	Points []Point
}

// DataSource executes queries against one backend.
type DataSource interface {
	Query(ctx context.Context, q Query) ([]Series, error)
}

// queryModel is JSON model of a data query node.
type queryModel struct {
	Expr        string  `json:"expr"`
	Instant     bool    `json:"instant"`
	StepSeconds float64 `json:"stepSeconds"`
}

// ParseQuery resolves rule query node into executable query at evaluation instant.
// Params: rule query node and evaluation instant.
// Returns: resolved query or model decode error.
func ParseQuery(q models.AlertQuery, at time.Time) (Query, error) {
	var model queryModel
	if len(q.Model) > 0 {
		if err := json.Unmarshal(q.Model, &model); err != nil {
			return Query{}, fmt.Errorf("decode query model %s: %w", q.RefID, err)
		}
	}
	if strings.TrimSpace(model.Expr) == "" {
		return Query{}, fmt.Errorf("query %s: expr is required", q.RefID)
	}

	step := time.Duration(model.StepSeconds * float64(time.Second))
	if step <= 0 {
		step = defaultStep
	}
	end := at.Add(-q.RelativeTimeRange.To)
	start := at.Add(-q.RelativeTimeRange.From)
	instant := model.Instant || !start.Before(end)
	if instant {
		start = end
	}

	return Query{
		RefID:   q.RefID,
		Expr:    model.Expr,
		Instant: instant,
		Start:   start,
		End:     end,
		Step:    step,
	}, nil
}

// Registry maps datasource UIDs to their clients.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]DataSource
}

// NewRegistry creates empty registry.
// Params: none.
// Returns: registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]DataSource)}
}

// NewFromConfig builds registry with one client per configured datasource.
// Params: datasource config entries and logger.
// Returns: populated registry or first construction error.
func NewFromConfig(entries []config.DatasourceConfig, logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry()
	for _, entry := range entries {
		switch entry.Type {
		case config.DatasourceTypePrometheus:
			source, err := NewPrometheus(entry, logger)
			if err != nil {
				return nil, fmt.Errorf("build datasource %s: %w", entry.UID, err)
			}
			registry.Register(entry.UID, source)
		default:
			return nil, fmt.Errorf("build datasource %s: unsupported type %q", entry.UID, entry.Type)
		}
	}
	return registry, nil
}

// Register binds data source to UID, replacing previous binding.
// Params: datasource UID and client.
// Returns: none.
func (r *Registry) Register(uid string, source DataSource) {
	r.mu.Lock()
	r.sources[uid] = source
	r.mu.Unlock()
}

// Get resolves data source by UID.
// Params: datasource UID.
// Returns: data source or ErrUnknownDatasource naming the UID.
func (r *Registry) Get(uid string) (DataSource, error) {
	r.mu.RLock()
	source, ok := r.sources[uid]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDatasource, uid)
	}
	return source, nil
}

// UIDs returns registered datasource UIDs in lexical order.
// Params: none.
// Returns: sorted UIDs.
func (r *Registry) UIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for uid := range r.sources {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}
