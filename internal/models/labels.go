package models

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	// AlertNameLabel carries the rule title on every alert.
	AlertNameLabel = "alertname"
	// RuleUIDLabel is the routing label used to silence one rule.
	RuleUIDLabel = "__alert_rule_uid__"
	// NamespaceUIDLabel carries the folder of the rule.
	NamespaceUIDLabel = "__alert_rule_namespace_uid__"
	// RuleUIDRoutingLabel is the user-visible twin of RuleUIDLabel used by Error/NoData silences.
	RuleUIDRoutingLabel = "rule_uid"

	// DatasourceErrorAlertName replaces alertname on literal Error states.
	DatasourceErrorAlertName = "DatasourceError"
	// DatasourceNoDataAlertName replaces alertname on literal NoData states.
	DatasourceNoDataAlertName = "DatasourceNoData"

	// ValueStringAnnotation carries the rendered evaluation string.
	ValueStringAnnotation = "__value_string__"
	// ErrorAnnotation carries the error that produced an Error state.
	ErrorAnnotation = "__error__"
	// TemplateErrorAnnotation carries label/annotation expansion failures.
	TemplateErrorAnnotation = "__alert_template_error__"
)

// Labels is one label-set identifying an alert instance.
type Labels map[string]string

// Copy returns an independent copy of the label-set.
// Params: none.
// Returns: copied labels (never nil).
func (l Labels) Copy() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Merge returns union of l and other, other winning on key conflicts.
// Params: overlay labels.
// Returns: merged copy.
func (l Labels) Merge(other Labels) Labels {
	out := make(Labels, len(l)+len(other))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// SortedKeys returns label names in lexical order.
// Params: none.
// Returns: sorted key slice.
func (l Labels) SortedKeys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders labels as `{a=1, b=2}` in key order.
// Params: none.
// Returns: stable textual form.
func (l Labels) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range l.SortedKeys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(l[k])
	}
	b.WriteByte('}')
	return b.String()
}

// labelSep is a byte absent from valid UTF-8.
const labelSep = '\xff'

// Fingerprint builds deterministic hash of the label-set.
// Params: none.
// Returns: hex sha1 over sorted key and value bytes, each followed by 0xff.
func (l Labels) Fingerprint() string {
	keys := l.SortedKeys()
	capacity := 0
	for _, k := range keys {
		capacity += len(k) + len(l[k]) + 2
	}
	canonical := make([]byte, 0, capacity)
	for _, k := range keys {
		canonical = append(canonical, k...)
		canonical = append(canonical, labelSep)
		canonical = append(canonical, l[k]...)
		canonical = append(canonical, labelSep)
	}
	digest := sha1.Sum(canonical)
	return hex.EncodeToString(digest[:])
}

// Contains reports whether every label of subset is present in l with same value.
// Params: candidate subset.
// Returns: true when subset is contained.
func (l Labels) Contains(subset Labels) bool {
	for k, v := range subset {
		if got, ok := l[k]; !ok || got != v {
			return false
		}
	}
	return true
}
