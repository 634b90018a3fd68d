package storage

import (
	"cmp"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/rhuss/plume/pkg/api"
)

// Filter operators accepted inside a field condition, e.g. {"age": {"$gt": 3}}.
const (
	OpEq  = "$eq"
	OpNe  = "$ne"
	OpIn  = "$in"
	OpNin = "$nin"
	OpLt  = "$lt"
	OpLte = "$lte"
	OpGt  = "$gt"
	OpGte = "$gte"
)

var operators = map[string]bool{
	OpEq: true, OpNe: true, OpIn: true, OpNin: true,
	OpLt: true, OpLte: true, OpGt: true, OpGte: true,
}

// Condition is a single field predicate.
type Condition struct {
	Field string
	Op    string
	Value any
}

// SortField orders results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// Params is a parsed find query.
type Params struct {
	Conditions []Condition
	Sort       []SortField
	Limit      int // -1 means unlimited
	Skip       int
	Select     []string
}

// ParseQuery parses a find query. Malformed queries yield an
// invalid_request API error.
func ParseQuery(q api.Query) (*Params, error) {
	p := &Params{Limit: -1}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := q[key]
		switch key {
		case api.QueryLimit:
			n, ok := api.ToInt(v)
			if !ok || n < 0 {
				return nil, api.NewInvalidRequestError(key, "$limit must be a non-negative integer")
			}
			p.Limit = n
		case api.QuerySkip:
			n, ok := api.ToInt(v)
			if !ok || n < 0 {
				return nil, api.NewInvalidRequestError(key, "$skip must be a non-negative integer")
			}
			p.Skip = n
		case api.QuerySort:
			m, ok := v.(map[string]any)
			if !ok {
				return nil, api.NewInvalidRequestError(key, "$sort must be an object of field directions")
			}
			fields := make([]string, 0, len(m))
			for f := range m {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				dir, ok := api.ToInt(m[f])
				if !ok || (dir != 1 && dir != -1) {
					return nil, api.NewInvalidRequestError(key, fmt.Sprintf("$sort direction for %q must be 1 or -1", f))
				}
				p.Sort = append(p.Sort, SortField{Field: f, Desc: dir < 0})
			}
		case api.QuerySelect:
			p.Select = toList(v)
		default:
			if strings.HasPrefix(key, "$") {
				return nil, api.NewInvalidRequestError(key, fmt.Sprintf("unsupported query key %q", key))
			}
			conds, err := parseField(key, v)
			if err != nil {
				return nil, err
			}
			p.Conditions = append(p.Conditions, conds...)
		}
	}
	return p, nil
}

func parseField(field string, v any) ([]Condition, error) {
	m, ok := v.(map[string]any)
	if !ok || !hasOperatorKeys(m) {
		return []Condition{{Field: field, Op: OpEq, Value: v}}, nil
	}

	ops := make([]string, 0, len(m))
	for op := range m {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	conds := make([]Condition, 0, len(ops))
	for _, op := range ops {
		if !operators[op] {
			return nil, api.NewInvalidRequestError(field, fmt.Sprintf("unsupported operator %q", op))
		}
		val := m[op]
		if op == OpIn || op == OpNin {
			if _, ok := val.([]any); !ok {
				list := toList(val)
				vals := make([]any, len(list))
				for i, s := range list {
					vals[i] = s
				}
				val = vals
			}
		}
		conds = append(conds, Condition{Field: field, Op: op, Value: val})
	}
	return conds, nil
}

func hasOperatorKeys(m map[string]any) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// Match reports whether r satisfies every condition.
func (p *Params) Match(r api.Record) bool {
	for _, c := range p.Conditions {
		if !c.match(r) {
			return false
		}
	}
	return true
}

func (c Condition) match(r api.Record) bool {
	v := r[c.Field]
	switch c.Op {
	case OpEq:
		return looseEqual(v, c.Value)
	case OpNe:
		return !looseEqual(v, c.Value)
	case OpIn, OpNin:
		found := false
		for _, want := range c.Value.([]any) {
			if looseEqual(v, want) {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn)
	default:
		if v == nil {
			return false
		}
		n, ok := looseCompare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return n < 0
		case OpLte:
			return n <= 0
		case OpGt:
			return n > 0
		case OpGte:
			return n >= 0
		}
	}
	return false
}

// Pushdown returns the conditions a SQL store can evaluate on its own:
// equality on a plain field against a string that is neither numeric nor a
// boolean literal. Match accepts exactly the stored strings equal to such a
// value, so a text comparison restricted to JSON strings is equivalent.
//
// rowLimit is how many rows, in insertion order, the store may fetch. It is
// -1 unless every condition was pushed down and no sort is requested.
func (p *Params) Pushdown() (conds []Condition, rowLimit int) {
	for _, c := range p.Conditions {
		if c.Op != OpEq || ValidateFieldName(c.Field) != nil {
			continue
		}
		s, ok := c.Value.(string)
		if !ok || s == "true" || s == "false" {
			continue
		}
		if _, numeric := toFloat(s); numeric {
			continue
		}
		conds = append(conds, c)
	}
	rowLimit = -1
	if len(conds) == len(p.Conditions) && len(p.Sort) == 0 && p.Limit >= 0 {
		rowLimit = p.Skip + p.Limit
	}
	return conds, rowLimit
}

// Apply filters, sorts, pages, and projects records. The input slice is not
// modified; returned records are clones.
func (p *Params) Apply(records []api.Record) []api.Record {
	out := make([]api.Record, 0, len(records))
	for _, r := range records {
		if p.Match(r) {
			out = append(out, r)
		}
	}

	if len(p.Sort) > 0 {
		slices.SortStableFunc(out, func(a, b api.Record) int {
			for _, sf := range p.Sort {
				n := sortCompare(a[sf.Field], b[sf.Field])
				if sf.Desc {
					n = -n
				}
				if n != 0 {
					return n
				}
			}
			return 0
		})
	}

	if p.Skip > 0 {
		if p.Skip >= len(out) {
			out = out[:0]
		} else {
			out = out[p.Skip:]
		}
	}
	if p.Limit >= 0 && p.Limit < len(out) {
		out = out[:p.Limit]
	}

	result := make([]api.Record, len(out))
	for i, r := range out {
		result[i] = p.project(r)
	}
	return result
}

func (p *Params) project(r api.Record) api.Record {
	if len(p.Select) == 0 {
		return r.Clone()
	}
	out := api.Record{}
	if id, ok := r[api.IDField]; ok {
		out[api.IDField] = id
	}
	for _, f := range p.Select {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out.Clone()
}

// toList accepts JSON arrays, string slices, and comma-separated strings.
func toList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	case map[string]any:
		// Bracket syntax such as $select[0]=a&$select[1]=b decodes to an
		// index-keyed object.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, func(a, b string) int {
			ai, aerr := strconv.Atoi(a)
			bi, berr := strconv.Atoi(b)
			if aerr == nil && berr == nil {
				return cmp.Compare(ai, bi)
			}
			return strings.Compare(a, b)
		})
		out := make([]string, 0, len(t))
		for _, k := range keys {
			out = append(out, fmt.Sprint(t[k]))
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprint(t)}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && n != ""
	}
	return 0, false
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any, []string, api.Record:
		return true
	}
	return false
}

// looseEqual compares query values with stored values. Query strings carry
// no type information, so numbers compare numerically and scalars by their
// string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isComposite(a) || isComposite(b) {
		return reflect.DeepEqual(a, b)
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func looseCompare(a, b any) (int, bool) {
	if a == nil || b == nil || isComposite(a) || isComposite(b) {
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmp.Compare(fa, fb), true
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

// sortCompare orders missing values first.
func sortCompare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	n, _ := looseCompare(a, b)
	return n
}
