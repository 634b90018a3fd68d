package api

import "fmt"

// IDField is the record field holding the record identifier.
const IDField = "id"

// Record is a stored document. Values are JSON-compatible: strings, numbers,
// booleans, nil, nested maps and slices.
type Record map[string]any

// ID returns the record identifier as a string, or "" when absent.
func (r Record) ID() string {
	v, ok := r[IDField]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a deep copy of r. Nested maps and slices are copied so the
// clone shares no mutable state with r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// Without returns a copy of r with the given top-level fields removed.
func (r Record) Without(fields ...string) Record {
	out := r.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// CloneRecords deep-copies a slice of records.
func CloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// Query carries field filters and the reserved paging keys of a find call.
type Query map[string]any

// Reserved query keys.
const (
	QueryLimit  = "$limit"
	QuerySkip   = "$skip"
	QuerySort   = "$sort"
	QuerySelect = "$select"
)

// Clone returns a deep copy of q.
func (q Query) Clone() Query {
	if q == nil {
		return nil
	}
	return Query(Record(q).Clone())
}
