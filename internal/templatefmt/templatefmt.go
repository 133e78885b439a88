package templatefmt

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// header binds Prometheus-style shorthands available in every label and annotation template.
const header = "{{- $labels := .Labels -}}{{- $values := .Values -}}{{- $value := .Value -}}"

// Data is template payload for one alert instance.
type Data struct {
	// Labels are full instance labels.
	Labels map[string]string
	// Values are captured numbers keyed by expression refID.
	Values map[string]float64
	// Value is rendered evaluation string.
	Value string
}

// FuncMap returns shared template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtDuration": FormatDuration,
		"json":        MarshalJSON,
		"humanize":    Humanize,
		"sortedKeys":  sortedKeys,
		"toUpper":     strings.ToUpper,
		"toLower":     strings.ToLower,
	}
}

// Expand renders one label or annotation value against instance data.
// Params: template name for diagnostics, raw text, instance data.
// Returns: expanded text, or raw text with parse/exec error.
func Expand(name, text string, data Data) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New(name).Funcs(FuncMap()).Option("missingkey=zero").Parse(header + text)
	if err != nil {
		return text, fmt.Errorf("parse template %s: %w", name, err)
	}

	if data.Labels == nil {
		data.Labels = map[string]string{}
	}
	if data.Values == nil {
		data.Values = map[string]float64{}
	}

	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return text, fmt.Errorf("execute template %s: %w", name, err)
	}
	return out.String(), nil
}

// ExpandAll renders every value of a label or annotation map.
// Params: kind prefix for template names, raw map, instance data.
// Returns: expanded copy and joined expansion errors (failed entries keep raw text).
func ExpandAll(kind string, raw map[string]string, data Data) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	var failures []string
	for _, key := range sortedKeys(raw) {
		expanded, err := Expand(kind+"."+key, raw[key], data)
		if err != nil {
			failures = append(failures, err.Error())
		}
		out[key] = expanded
	}
	if len(failures) > 0 {
		return out, fmt.Errorf("%s", strings.Join(failures, "; "))
	}
	return out, nil
}

// FormatDuration renders duration in compact human form with one decimal precision.
// Params: template value expected as time.Duration or *time.Duration.
// Returns: formatted duration string.
func FormatDuration(value any) string {
	var duration time.Duration
	switch typed := value.(type) {
	case time.Duration:
		duration = typed
	case *time.Duration:
		if typed == nil {
			return "0.0s"
		}
		duration = *typed
	default:
		return "0.0s"
	}

	if duration < 0 {
		duration = -duration
	}
	seconds := duration.Seconds()
	switch {
	case seconds >= 3600:
		return fmt.Sprintf("%.1fh", seconds/3600)
	case seconds >= 60:
		return fmt.Sprintf("%.1fm", seconds/60)
	default:
		return fmt.Sprintf("%.1fs", seconds)
	}
}

// Humanize renders number with metric suffix (k, M, G, T).
// Params: float64, int or numeric string.
// Returns: compact number, or input as-is when not numeric.
func Humanize(value any) string {
	var v float64
	switch typed := value.(type) {
	case float64:
		v = typed
	case int:
		v = float64(typed)
	case int64:
		v = float64(typed)
	case string:
		parsed, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return typed
		}
		v = parsed
	default:
		return fmt.Sprint(value)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprintf("%.4g", v)
	}

	suffixes := []string{"", "k", "M", "G", "T"}
	i := 0
	for math.Abs(v) >= 1000 && i < len(suffixes)-1 {
		v /= 1000
		i++
	}
	return fmt.Sprintf("%.4g%s", v, suffixes[i])
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
