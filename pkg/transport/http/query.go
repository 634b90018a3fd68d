package http

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rhuss/plume/pkg/api"
)

// ParseQuery decodes bracket-style query parameters into a nested query:
//
//	$sort[name]=1       -> {"$sort": {"name": "1"}}
//	age[$gt]=3          -> {"age": {"$gt": "3"}}
//	id[$in][]=a&...     -> {"id": {"$in": ["a", ...]}}
//	$select[0]=email    -> {"$select": {"0": "email"}}
//
// Repeated plain keys become lists. Values stay strings; stores compare
// them loosely.
func ParseQuery(values url.Values) (api.Query, error) {
	q := api.Query{}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		segs, err := splitKey(key)
		if err != nil {
			return nil, err
		}
		for _, v := range values[key] {
			if err := assign(q, segs, v); err != nil {
				return nil, api.NewInvalidRequestError(key, err.Error())
			}
		}
	}
	return q, nil
}

func splitKey(key string) ([]string, error) {
	i := strings.IndexByte(key, '[')
	if i < 0 {
		return []string{key}, nil
	}
	if i == 0 {
		return nil, api.NewInvalidRequestError(key, "query key must start with a name")
	}

	segs := []string{key[:i]}
	rest := key[i:]
	for rest != "" {
		if rest[0] != '[' {
			return nil, api.NewInvalidRequestError(key, "malformed bracket syntax")
		}
		j := strings.IndexByte(rest, ']')
		if j < 0 {
			return nil, api.NewInvalidRequestError(key, "unterminated bracket")
		}
		segs = append(segs, rest[1:j])
		rest = rest[j+1:]
	}
	return segs, nil
}

func assign(m map[string]any, segs []string, v string) error {
	head := segs[0]

	if len(segs) == 1 {
		switch cur := m[head].(type) {
		case nil:
			m[head] = v
		case string:
			m[head] = []any{cur, v}
		case []any:
			m[head] = append(cur, v)
		default:
			return fmt.Errorf("%q mixes a value with nested fields", head)
		}
		return nil
	}

	if len(segs) == 2 && segs[1] == "" {
		switch cur := m[head].(type) {
		case nil:
			m[head] = []any{v}
		case []any:
			m[head] = append(cur, v)
		case string:
			m[head] = []any{cur, v}
		default:
			return fmt.Errorf("%q mixes a list with nested fields", head)
		}
		return nil
	}

	child, ok := m[head].(map[string]any)
	if !ok {
		if _, exists := m[head]; exists {
			return fmt.Errorf("%q mixes a value with nested fields", head)
		}
		child = map[string]any{}
		m[head] = child
	}
	return assign(child, segs[1:], v)
}
