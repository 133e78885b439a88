package eval

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"ngalert/internal/datasource"
	"ngalert/internal/models"
)

const (
	exprTypeReduce    = "reduce"
	exprTypeThreshold = "threshold"
)

// item is one labeled node output: either a sample stream or a single number.
type item struct {
	labels   models.Labels
	points   []datasource.Point
	number   *float64
	isNumber bool
}

// value collapses item into a number, taking last point of streams.
func (i item) value() *float64 {
	if i.isNumber {
		return i.number
	}
	if len(i.points) == 0 {
		return nil
	}
	v := i.points[len(i.points)-1].V
	return &v
}

type thresholdEvaluator struct {
	Type   string    `json:"type"`
	Params []float64 `json:"params"`
}

type exprModel struct {
	Type       string             `json:"type"`
	Expression string             `json:"expression"`
	Reducer    string             `json:"reducer"`
	Evaluator  thresholdEvaluator `json:"evaluator"`
}

// exprNode is one parsed expression node.
type exprNode struct {
	refID string
	model exprModel
}

// parseExpr decodes and validates expression node model.
// Params: rule query node with expression datasource.
// Returns: parsed node or validation error.
func parseExpr(q models.AlertQuery) (exprNode, error) {
	var model exprModel
	if err := json.Unmarshal(q.Model, &model); err != nil {
		return exprNode{}, fmt.Errorf("decode expression %s: %w", q.RefID, err)
	}
	if model.Expression == "" {
		return exprNode{}, fmt.Errorf("expression %s: input refId is required", q.RefID)
	}

	switch model.Type {
	case exprTypeReduce:
		switch model.Reducer {
		case "last", "mean", "min", "max", "sum", "count":
		default:
			return exprNode{}, fmt.Errorf("expression %s: unsupported reducer %q", q.RefID, model.Reducer)
		}
	case exprTypeThreshold:
		want := 1
		switch model.Evaluator.Type {
		case "gt", "lt":
		case "within_range", "outside_range":
			want = 2
		default:
			return exprNode{}, fmt.Errorf("expression %s: unsupported threshold %q", q.RefID, model.Evaluator.Type)
		}
		if len(model.Evaluator.Params) < want {
			return exprNode{}, fmt.Errorf("expression %s: threshold %s needs %d params", q.RefID, model.Evaluator.Type, want)
		}
	default:
		return exprNode{}, fmt.Errorf("expression %s: unsupported type %q", q.RefID, model.Type)
	}

	return exprNode{refID: q.RefID, model: model}, nil
}

// execute applies node to its input items.
// Params: input node output.
// Returns: numbers, one per input item.
func (n exprNode) execute(input []item) []item {
	out := make([]item, 0, len(input))
	for _, in := range input {
		var result *float64
		switch n.model.Type {
		case exprTypeReduce:
			if in.isNumber {
				result = in.number
			} else {
				result = reduce(n.model.Reducer, in.points)
			}
		case exprTypeThreshold:
			result = threshold(n.model.Evaluator, in.value())
		}
		out = append(out, item{labels: in.labels, number: result, isNumber: true})
	}
	return out
}

// reduce folds samples into one number.
// Params: reducer name and samples.
// Returns: reduced value, nil when samples are empty (except count).
func reduce(reducer string, points []datasource.Point) *float64 {
	if reducer == "count" {
		v := float64(len(points))
		return &v
	}
	if len(points) == 0 {
		return nil
	}

	var v float64
	switch reducer {
	case "last":
		v = points[len(points)-1].V
	case "sum", "mean":
		for _, p := range points {
			v += p.V
		}
		if reducer == "mean" {
			v /= float64(len(points))
		}
	case "min":
		v = math.Inf(1)
		for _, p := range points {
			v = math.Min(v, p.V)
		}
	case "max":
		v = math.Inf(-1)
		for _, p := range points {
			v = math.Max(v, p.V)
		}
	}
	return &v
}

// threshold maps number into 1 (condition met) or 0.
// Params: threshold evaluator and input value.
// Returns: 1/0, or nil for missing or NaN input.
func threshold(evaluator thresholdEvaluator, in *float64) *float64 {
	if in == nil || math.IsNaN(*in) {
		return nil
	}
	v := *in
	var met bool
	switch evaluator.Type {
	case "gt":
		met = v > evaluator.Params[0]
	case "lt":
		met = v < evaluator.Params[0]
	case "within_range":
		met = v > evaluator.Params[0] && v < evaluator.Params[1]
	case "outside_range":
		met = v < evaluator.Params[0] || v > evaluator.Params[1]
	}
	out := 0.0
	if met {
		out = 1
	}
	return &out
}

// orderNodes sorts expression nodes so inputs run first and rejects cycles.
// Params: parsed expression nodes and set of data query refIDs.
// Returns: execution order or dependency error.
func orderNodes(nodes map[string]exprNode, dataRefs map[string]struct{}) ([]exprNode, error) {
	const (
		visiting = iota + 1
		done
	)
	marks := make(map[string]int, len(nodes))
	order := make([]exprNode, 0, len(nodes))

	var visit func(refID string, path []string) error
	visit = func(refID string, path []string) error {
		if _, ok := dataRefs[refID]; ok {
			return nil
		}
		node, ok := nodes[refID]
		if !ok {
			return fmt.Errorf("expression %s references unknown refId %q", path[len(path)-1], refID)
		}
		switch marks[refID] {
		case visiting:
			return fmt.Errorf("expression cycle detected at %s", refID)
		case done:
			return nil
		}
		marks[refID] = visiting
		if err := visit(node.model.Expression, append(path, refID)); err != nil {
			return err
		}
		marks[refID] = done
		order = append(order, node)
		return nil
	}

	for _, refID := range sortedNodeRefs(nodes) {
		if err := visit(refID, []string{refID}); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func sortedNodeRefs(nodes map[string]exprNode) []string {
	refs := make([]string, 0, len(nodes))
	for refID := range nodes {
		refs = append(refs, refID)
	}
	sort.Strings(refs)
	return refs
}
