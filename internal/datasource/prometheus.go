package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"ngalert/internal/config"
	"ngalert/internal/logging"
	"ngalert/internal/models"
)

// Prometheus queries Prometheus-compatible HTTP API.
type Prometheus struct {
	uid    string
	api    v1.API
	logger *slog.Logger
}

// NewPrometheus builds Prometheus client for one configured datasource.
// Params: datasource config and logger.
// Returns: data source or client construction error.
func NewPrometheus(cfg config.DatasourceConfig, logger *slog.Logger) (*Prometheus, error) {
	logger = logging.Component(logger, "ngalert.datasource").With("datasource_uid", cfg.UID)
	client, err := api.NewClient(api.Config{
		Address: cfg.URL,
		RoundTripper: &headerTransport{
			next:     http.DefaultTransport,
			headers:  cfg.Headers,
			forceGet: cfg.ForceGet,
			logger:   logger,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	return &Prometheus{uid: cfg.UID, api: v1.NewAPI(client), logger: logger}, nil
}

// Query runs instant or range query and maps result into series.
// Params: ctx bounds request; q is resolved query.
// Returns: series or query error.
func (p *Prometheus) Query(ctx context.Context, q Query) ([]Series, error) {
	var (
		value    model.Value
		warnings v1.Warnings
		err      error
	)
	if q.Instant {
		value, warnings, err = p.api.Query(ctx, q.Expr, q.End)
	} else {
		value, warnings, err = p.api.QueryRange(ctx, q.Expr, v1.Range{Start: q.Start, End: q.End, Step: q.Step})
	}
	if err != nil {
		return nil, fmt.Errorf("prometheus query %s: %w", q.RefID, err)
	}
	if len(warnings) > 0 {
		p.logger.Warn("prometheus query warnings", "ref_id", q.RefID, "warnings", strings.Join(warnings, "; "))
	}
	return toSeries(value)
}

// toSeries converts Prometheus result value into labeled series.
// Params: decoded query result.
// Returns: series or unsupported result type error.
func toSeries(value model.Value) ([]Series, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case model.Vector:
		out := make([]Series, 0, len(typed))
		for _, sample := range typed {
			out = append(out, Series{
				Labels: metricLabels(sample.Metric),
				Points: []Point{{T: sample.Timestamp.Time().UTC(), V: float64(sample.Value)}},
			})
		}
		return out, nil
	case model.Matrix:
		out := make([]Series, 0, len(typed))
		for _, stream := range typed {
			points := make([]Point, 0, len(stream.Values))
			for _, pair := range stream.Values {
				points = append(points, Point{T: pair.Timestamp.Time().UTC(), V: float64(pair.Value)})
			}
			out = append(out, Series{Labels: metricLabels(stream.Metric), Points: points})
		}
		return out, nil
	case *model.Scalar:
		return []Series{{
			Labels: models.Labels{},
			Points: []Point{{T: typed.Timestamp.Time().UTC(), V: float64(typed.Value)}},
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported prometheus result type %s", value.Type())
	}
}

func metricLabels(metric model.Metric) models.Labels {
	out := make(models.Labels, len(metric))
	for name, value := range metric {
		if name == model.MetricNameLabel {
			continue
		}
		out[string(name)] = string(value)
	}
	return out
}

// headerTransport injects datasource headers and optionally forbids POST queries.
type headerTransport struct {
	next     http.RoundTripper
	headers  map[string]string
	forceGet bool
	logger   *slog.Logger
}

// RoundTrip forwards request with configured headers.
// Params: outbound request.
// Returns: downstream response, or synthetic 405 for POST when GET is forced.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// client_golang retries with GET on 405.
	if t.forceGet && req.Method == http.MethodPost {
		return &http.Response{
			Status:     http.StatusText(http.StatusMethodNotAllowed),
			StatusCode: http.StatusMethodNotAllowed,
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    req,
		}, nil
	}

	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for name, value := range t.headers {
			req.Header.Set(name, value)
		}
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		t.logger.Warn("prometheus non-2xx response", "status", resp.StatusCode, "path", req.URL.Path)
	}
	return resp, nil
}
