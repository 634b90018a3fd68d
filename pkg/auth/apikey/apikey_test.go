package apikey

import (
	"context"
	"errors"
	"testing"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/service"
)

func newTestStrategy() *Strategy {
	return New([]RawKeyEntry{
		{
			Key: "sk-test-key-1",
			Principal: auth.Principal{
				Subject:     "alice",
				Permissions: []string{"users:*"},
				Metadata:    map[string]string{"tier": "standard"},
			},
		},
		{
			Key:       "sk-test-key-2",
			Principal: auth.Principal{Subject: "bob"},
		},
	})
}

func newContext(headers map[string]string, data api.Record) *service.Context {
	hc := service.NewContext("users", service.Find)
	for k, v := range headers {
		hc.SetHeader(k, v)
	}
	hc.Data = data
	return hc
}

func TestValidKey(t *testing.T) {
	s := newTestStrategy()

	tests := []struct {
		name    string
		headers map[string]string
		data    api.Record
		want    string
	}{
		{"api key header", map[string]string{"X-Api-Key": "sk-test-key-1"}, nil, "alice"},
		{"bearer token", map[string]string{"Authorization": "Bearer sk-test-key-2"}, nil, "bob"},
		{"payload", nil, api.Record{"strategy": "apikey", "apiKey": "sk-test-key-1"}, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := s.Authenticate(context.Background(), newContext(tt.headers, tt.data))
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if p.Subject != tt.want {
				t.Errorf("Subject = %q, want %q", p.Subject, tt.want)
			}
			if p.Strategy != StrategyName {
				t.Errorf("Strategy = %q, want %q", p.Strategy, StrategyName)
			}
		})
	}
}

func TestInvalidKey(t *testing.T) {
	s := newTestStrategy()
	_, err := s.Authenticate(context.Background(), newContext(map[string]string{"X-Api-Key": "sk-wrong"}, nil))
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
}

func TestNoKey(t *testing.T) {
	s := newTestStrategy()

	tests := []struct {
		name    string
		headers map[string]string
		data    api.Record
	}{
		{"no header", nil, nil},
		{"basic auth", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}, nil},
		{"local payload", nil, api.Record{"strategy": "local", "email": "a", "password": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Authenticate(context.Background(), newContext(tt.headers, tt.data))
			if !errors.Is(err, auth.ErrNoCredentials) {
				t.Fatalf("error = %v, want ErrNoCredentials", err)
			}
		})
	}
}

func TestPrincipalIsolation(t *testing.T) {
	s := newTestStrategy()
	hc := newContext(map[string]string{"X-Api-Key": "sk-test-key-1"}, nil)

	p1, _ := s.Authenticate(context.Background(), hc)
	p1.Permissions[0] = "*"
	p1.Metadata["tier"] = "gold"

	p2, _ := s.Authenticate(context.Background(), hc)
	if p2.Permissions[0] != "users:*" {
		t.Error("modifying a returned principal changed the configured permissions")
	}
	if p2.Metadata["tier"] != "standard" {
		t.Error("modifying a returned principal changed the configured metadata")
	}
}
