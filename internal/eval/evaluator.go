package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"ngalert/internal/datasource"
	"ngalert/internal/logging"
	"ngalert/internal/models"
)

// SourceResolver resolves data sources by UID.
type SourceResolver interface {
	Get(uid string) (datasource.DataSource, error)
}

// ConditionEvaluator runs data queries and expression nodes of a condition.
type ConditionEvaluator struct {
	sources SourceResolver
	logger  *slog.Logger
}

// NewConditionEvaluator creates evaluator bound to datasource registry.
// Params: datasource resolver and logger.
// Returns: evaluator.
func NewConditionEvaluator(sources SourceResolver, logger *slog.Logger) *ConditionEvaluator {
	return &ConditionEvaluator{sources: sources, logger: logging.Component(logger, "ngalert.eval")}
}

// ConditionEval evaluates condition at given instant.
// Params: ctx bounds every query call; cond is condition graph; at is evaluation instant.
// Returns: per-instance results, or EvaluationError for invalid graph or cancelled evaluation.
func (e *ConditionEvaluator) ConditionEval(ctx context.Context, cond models.Condition, at time.Time) (Results, error) {
	started := time.Now()

	plan, err := e.plan(cond, at)
	if err != nil {
		return nil, &EvaluationError{Err: err}
	}

	outputs := make(map[string][]item, len(plan.queries)+len(plan.nodes))
	for _, q := range plan.queries {
		series, err := e.runQuery(ctx, q)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &EvaluationError{Err: fmt.Errorf("query %s: %w", q.query.RefID, ctxErr)}
			}
			e.logger.Debug("query failed", "ref_id", q.query.RefID, "datasource_uid", q.datasourceUID, "error", err.Error())
			return Results{{
				Instance:           models.Labels{},
				State:              Error,
				Error:              &QueryError{RefID: q.query.RefID, Err: err},
				EvaluatedAt:        at,
				EvaluationDuration: time.Since(started),
			}}, nil
		}
		items := make([]item, 0, len(series))
		for _, s := range series {
			items = append(items, item{labels: s.Labels, points: s.Points})
		}
		outputs[q.query.RefID] = items
	}

	for _, node := range plan.nodes {
		outputs[node.refID] = node.execute(outputs[node.model.Expression])
	}

	return buildResults(cond.Condition, outputs, plan.nodes, at, time.Since(started)), nil
}

type plannedQuery struct {
	datasourceUID string
	query         datasource.Query
}

type evalPlan struct {
	queries []plannedQuery
	nodes   []exprNode
}

// plan validates condition graph and resolves execution order.
// Params: condition and evaluation instant.
// Returns: data queries and ordered expression nodes, or validation error.
func (e *ConditionEvaluator) plan(cond models.Condition, at time.Time) (evalPlan, error) {
	if err := cond.Validate(); err != nil {
		return evalPlan{}, err
	}

	var plan evalPlan
	dataRefs := make(map[string]struct{})
	nodes := make(map[string]exprNode)
	for _, q := range cond.Data {
		if _, dup := dataRefs[q.RefID]; dup {
			return evalPlan{}, fmt.Errorf("duplicate refId %q", q.RefID)
		}
		if _, dup := nodes[q.RefID]; dup {
			return evalPlan{}, fmt.Errorf("duplicate refId %q", q.RefID)
		}
		if q.IsExpression() {
			node, err := parseExpr(q)
			if err != nil {
				return evalPlan{}, err
			}
			nodes[q.RefID] = node
			continue
		}
		resolved, err := datasource.ParseQuery(q, at)
		if err != nil {
			return evalPlan{}, err
		}
		dataRefs[q.RefID] = struct{}{}
		plan.queries = append(plan.queries, plannedQuery{datasourceUID: q.DatasourceUID, query: resolved})
	}

	ordered, err := orderNodes(nodes, dataRefs)
	if err != nil {
		return evalPlan{}, err
	}
	plan.nodes = ordered
	return plan, nil
}

type queryOutcome struct {
	series []datasource.Series
	err    error
}

// runQuery executes one data query and gives up as soon as ctx is done.
// Params: ctx bounds the call; q is planned query.
// Returns: series or query/context error.
func (e *ConditionEvaluator) runQuery(ctx context.Context, q plannedQuery) ([]datasource.Series, error) {
	source, err := e.sources.Get(q.datasourceUID)
	if err != nil {
		return nil, err
	}

	done := make(chan queryOutcome, 1)
	go func() {
		series, err := source.Query(ctx, q.query)
		done <- queryOutcome{series: series, err: err}
	}()

	select {
	case out := <-done:
		return out.series, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildResults maps condition node output into per-instance results.
// Params: condition refID, every node output, ordered expression nodes, instant and duration.
// Returns: one result per condition item, or single NoData result when nothing matched.
func buildResults(condition string, outputs map[string][]item, nodes []exprNode, at time.Time, took time.Duration) Results {
	items := outputs[condition]
	if len(items) == 0 {
		return Results{{
			Instance:           models.Labels{},
			State:              NoData,
			EvaluatedAt:        at,
			EvaluationDuration: took,
		}}
	}

	results := make(Results, 0, len(items))
	for _, it := range items {
		values := captureValues(it.labels, outputs, nodes)
		result := Result{
			Instance:           it.labels.Copy(),
			EvaluatedAt:        at,
			EvaluationDuration: took,
			EvaluationString:   FormatEvaluationString(values),
			Values:             values,
		}
		v := it.value()
		switch {
		case v == nil || math.IsNaN(*v):
			result.State = NoData
		case *v != 0:
			result.State = Alerting
		default:
			result.State = Normal
		}
		results = append(results, result)
	}
	return results
}

// captureValues collects expression outputs that belong to the instance.
// Params: instance labels, node outputs and expression nodes.
// Returns: captures keyed by refID, exact label match preferred over subset match.
func captureValues(instance models.Labels, outputs map[string][]item, nodes []exprNode) map[string]NumberValueCapture {
	values := make(map[string]NumberValueCapture)
	for _, node := range nodes {
		var (
			capture NumberValueCapture
			found   bool
		)
		for _, it := range outputs[node.refID] {
			if !instance.Contains(it.labels) {
				continue
			}
			capture = NumberValueCapture{Var: node.refID, Labels: it.labels.Copy(), Value: it.number}
			found = true
			if len(it.labels) == len(instance) {
				break
			}
		}
		if found {
			values[node.refID] = capture
		}
	}
	return values
}

// IsQueryError reports whether err is attributable to one query node.
// Params: candidate error.
// Returns: refID and true for query errors.
func IsQueryError(err error) (string, bool) {
	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		return queryErr.RefID, true
	}
	return "", false
}
