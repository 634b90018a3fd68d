package http

import (
	"net/url"
	"reflect"
	"testing"

	"github.com/rhuss/plume/pkg/api"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want api.Query
	}{
		{
			name: "plain",
			raw:  "name=ann",
			want: api.Query{"name": "ann"},
		},
		{
			name: "repeated key becomes list",
			raw:  "tag=a&tag=b",
			want: api.Query{"tag": []any{"a", "b"}},
		},
		{
			name: "sort",
			raw:  "$sort[name]=1&$sort[age]=-1",
			want: api.Query{"$sort": map[string]any{"name": "1", "age": "-1"}},
		},
		{
			name: "operator",
			raw:  "age[$gt]=3&age[$lte]=9",
			want: api.Query{"age": map[string]any{"$gt": "3", "$lte": "9"}},
		},
		{
			name: "list append",
			raw:  "id[$in][]=a&id[$in][]=b",
			want: api.Query{"id": map[string]any{"$in": []any{"a", "b"}}},
		},
		{
			name: "indexed select",
			raw:  "$select[0]=email&$select[1]=name",
			want: api.Query{"$select": map[string]any{"0": "email", "1": "name"}},
		},
		{
			name: "paging",
			raw:  "$limit=10&$skip=5",
			want: api.Query{"$limit": "10", "$skip": "5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := url.ParseQuery(tt.raw)
			if err != nil {
				t.Fatalf("url.ParseQuery: %v", err)
			}
			got, err := ParseQuery(values)
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseQueryErrors(t *testing.T) {
	for _, raw := range []string{
		"age[$gt=3",
		"[x]=1",
		"age[a]b=1",
		"age=1&age[$gt]=2",
	} {
		t.Run(raw, func(t *testing.T) {
			values, err := url.ParseQuery(raw)
			if err != nil {
				t.Fatalf("url.ParseQuery: %v", err)
			}
			_, err = ParseQuery(values)
			if !api.IsType(err, api.ErrorTypeInvalidRequest) {
				t.Errorf("err = %v, want invalid_request", err)
			}
		})
	}
}
