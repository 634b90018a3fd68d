// Package apikey provides the "apikey" strategy, which validates static API
// keys using SHA-256 hashing and constant-time comparison.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/service"
)

// StrategyName is the name under which the strategy is registered.
const StrategyName = "apikey"

// HeaderName is the header checked before the Authorization header.
const HeaderName = "X-Api-Key"

// keyEntry maps a key hash to a principal.
type keyEntry struct {
	hash      [32]byte
	principal auth.Principal
}

// RawKeyEntry is the configuration format for API keys.
type RawKeyEntry struct {
	Key       string
	Principal auth.Principal
}

// Strategy validates API keys against a static key set.
type Strategy struct {
	keys []keyEntry
}

// New creates an API key strategy. Keys are hashed immediately; plaintext
// keys are not kept.
func New(entries []RawKeyEntry) *Strategy {
	s := &Strategy{}
	for _, e := range entries {
		s.keys = append(s.keys, keyEntry{
			hash:      sha256.Sum256([]byte(e.Key)),
			principal: e.Principal,
		})
	}
	return s
}

// Name implements auth.Strategy.
func (s *Strategy) Name() string { return StrategyName }

// Authenticate reads the key from the X-Api-Key header, the bearer token,
// or an {"strategy":"apikey","apiKey":...} payload. Abstains when none is
// present; rejects unknown keys.
func (s *Strategy) Authenticate(_ context.Context, hc *service.Context) (*auth.Principal, error) {
	key := keyFrom(hc)
	if key == "" {
		return nil, auth.ErrNoCredentials
	}

	keyHash := sha256.Sum256([]byte(key))
	for _, entry := range s.keys {
		if subtle.ConstantTimeCompare(keyHash[:], entry.hash[:]) == 1 {
			return clonePrincipal(entry.principal), nil
		}
	}
	return nil, fmt.Errorf("%w: unknown API key", auth.ErrInvalidCredentials)
}

func keyFrom(hc *service.Context) string {
	if key := hc.Params.Header(HeaderName); key != "" {
		return key
	}
	if auth.RequestedStrategy(hc) == StrategyName {
		key, _ := hc.Data["apiKey"].(string)
		return key
	}
	if hc.Params.Header("Authorization") != "" {
		return auth.BearerToken(hc)
	}
	return ""
}

// clonePrincipal copies p so callers cannot modify the configured entry.
func clonePrincipal(p auth.Principal) *auth.Principal {
	out := p
	out.Strategy = StrategyName
	out.Permissions = append([]string(nil), p.Permissions...)
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
