package jwt

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Revocations records revoked token ids until the tokens expire.
type Revocations interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevocations keeps revoked token ids in a bounded LRU. When the
// cache is full the least recently checked entries are dropped first, so
// the size should exceed the number of tokens revoked within one expiry
// window.
type MemoryRevocations struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	now   func() time.Time
}

// NewMemoryRevocations creates an in-memory revocation list holding up to
// size entries.
func NewMemoryRevocations(size int) (*MemoryRevocations, error) {
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &MemoryRevocations{cache: cache, now: time.Now}, nil
}

// Revoke implements Revocations.
func (m *MemoryRevocations) Revoke(_ context.Context, jti string, until time.Time) error {
	m.cache.Add(jti, until)
	return nil
}

// Revoked implements Revocations. Entries past their expiry are evicted.
func (m *MemoryRevocations) Revoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.cache.Get(jti)
	if !ok {
		return false, nil
	}
	if !m.now().Before(until) {
		m.cache.Remove(jti)
		return false, nil
	}
	return true, nil
}

// Len returns the number of tracked revocations.
func (m *MemoryRevocations) Len() int {
	return m.cache.Len()
}
