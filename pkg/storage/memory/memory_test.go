package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
	"github.com/rhuss/plume/pkg/storage/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) service.Store {
		return New(0, "email")
	})
}

func TestLRUEviction(t *testing.T) {
	s := New(2)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.Create(ctx, api.Record{"id": id}); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}

	// Touch "a" so "b" becomes the least recently used entry.
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	if _, err := s.Create(ctx, api.Record{"id": "c"}); err != nil {
		t.Fatalf("Create(c): %v", err)
	}

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if _, err := s.Get(ctx, "b"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(b) = %v, want ErrNotFound after eviction", err)
	}
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Errorf("Get(a) = %v, want present", err)
	}
}

func TestFindInsertionOrder(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	for _, id := range []string{"z", "m", "a"} {
		s.Create(ctx, api.Record{"id": id})
	}
	got, err := s.Find(ctx, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 3 || got[0].ID() != "z" || got[2].ID() != "a" {
		t.Errorf("Find() order = %v, want insertion order", got)
	}
}

func TestBackendCollectionsAreIndependent(t *testing.T) {
	b := NewBackend(0)
	ctx := context.Background()

	users, _ := b.Collection(ctx, "users", storage.CollectionOptions{Unique: []string{"email"}})
	msgs, _ := b.Collection(ctx, "messages", storage.CollectionOptions{})

	users.Create(ctx, api.Record{"id": "1", "email": "x"})
	if _, err := msgs.Get(ctx, "1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("collections share records: %v", err)
	}
	if err := b.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
}
