// Package storetest provides a conformance suite for service.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"testing"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/service"
	"github.com/rhuss/plume/pkg/storage"
)

// Factory returns a fresh, empty store whose "email" field is unique.
type Factory func(t *testing.T) service.Store

// Run exercises the service.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateWithID", func(t *testing.T) { testCreateWithID(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("UniqueConflict", func(t *testing.T) { testUniqueConflict(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("Patch", func(t *testing.T) { testPatch(t, newStore(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newStore(t)) })
	t.Run("FindQuery", func(t *testing.T) { testFindQuery(t, newStore(t)) })
	t.Run("FindEquality", func(t *testing.T) { testFindEquality(t, newStore(t)) })
	t.Run("Isolation", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func mustCreate(t *testing.T, s service.Store, rec api.Record) api.Record {
	t.Helper()
	out, err := s.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("Create(%v) failed: %v", rec, err)
	}
	return out
}

func testCreateAndGet(t *testing.T, s service.Store) {
	ctx := context.Background()
	created := mustCreate(t, s, api.Record{"email": "ada@example.com", "age": float64(36)})

	id := created.ID()
	if id == "" {
		t.Fatal("Create did not assign an id")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["email"] != "ada@example.com" {
		t.Errorf("email = %v, want ada@example.com", got["email"])
	}
	if got["age"] != float64(36) {
		t.Errorf("age = %v (%T), want 36", got["age"], got["age"])
	}
}

func testCreateWithID(t *testing.T, s service.Store) {
	created := mustCreate(t, s, api.Record{"id": "fixed", "email": "a@b.c"})
	if created.ID() != "fixed" {
		t.Errorf("id = %q, want fixed", created.ID())
	}
	_, err := s.Create(context.Background(), api.Record{"id": "fixed", "email": "other@b.c"})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate id error = %v, want ErrConflict", err)
	}
}

func testGetNotFound(t *testing.T, s service.Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.Update(ctx, "missing", api.Record{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.Patch(ctx, "missing", api.Record{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Patch(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.Remove(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Remove(missing) = %v, want ErrNotFound", err)
	}
}

func testUniqueConflict(t *testing.T, s service.Store) {
	ctx := context.Background()
	mustCreate(t, s, api.Record{"email": "dup@example.com"})
	other := mustCreate(t, s, api.Record{"email": "other@example.com"})

	if _, err := s.Create(ctx, api.Record{"email": "dup@example.com"}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("Create duplicate = %v, want ErrConflict", err)
	}
	if _, err := s.Patch(ctx, other.ID(), api.Record{"email": "dup@example.com"}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("Patch to duplicate = %v, want ErrConflict", err)
	}
	// Re-saving a record's own value is not a conflict.
	if _, err := s.Patch(ctx, other.ID(), api.Record{"email": "other@example.com"}); err != nil {
		t.Errorf("Patch own value = %v, want nil", err)
	}
}

func testUpdate(t *testing.T, s service.Store) {
	ctx := context.Background()
	created := mustCreate(t, s, api.Record{"email": "u@example.com", "name": "old"})

	updated, err := s.Update(ctx, created.ID(), api.Record{"id": "ignored", "name": "new"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	want := api.Record{"id": created.ID(), "name": "new"}
	if !reflect.DeepEqual(updated, want) {
		t.Errorf("Update() = %v, want %v", updated, want)
	}
	got, _ := s.Get(ctx, created.ID())
	if _, ok := got["email"]; ok {
		t.Error("Update should replace the whole record")
	}
}

func testPatch(t *testing.T, s service.Store) {
	ctx := context.Background()
	created := mustCreate(t, s, api.Record{"email": "p@example.com", "name": "old"})

	patched, err := s.Patch(ctx, created.ID(), api.Record{"name": "new", "id": "ignored"})
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if patched["email"] != "p@example.com" || patched["name"] != "new" {
		t.Errorf("Patch() = %v", patched)
	}
	if patched.ID() != created.ID() {
		t.Errorf("Patch changed id to %q", patched.ID())
	}
}

func testRemove(t *testing.T, s service.Store) {
	ctx := context.Background()
	created := mustCreate(t, s, api.Record{"email": "r@example.com"})

	removed, err := s.Remove(ctx, created.ID())
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed["email"] != "r@example.com" {
		t.Errorf("Remove() = %v", removed)
	}
	if _, err := s.Get(ctx, created.ID()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Remove = %v, want ErrNotFound", err)
	}
}

func testFindQuery(t *testing.T, s service.Store) {
	ctx := context.Background()
	mustCreate(t, s, api.Record{"id": "a", "email": "a@x", "age": float64(30), "role": "user"})
	mustCreate(t, s, api.Record{"id": "b", "email": "b@x", "age": float64(20), "role": "user"})
	mustCreate(t, s, api.Record{"id": "c", "email": "c@x", "age": float64(40), "role": "admin"})

	all, err := s.Find(ctx, nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(Find(nil)) = %d, want 3", len(all))
	}

	got, err := s.Find(ctx, api.Query{
		"role":  "user",
		"$sort": map[string]any{"age": "1"},
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got) != 2 || got[0].ID() != "b" || got[1].ID() != "a" {
		t.Errorf("Find(role=user, sort age) = %v", got)
	}

	got, err = s.Find(ctx, api.Query{"age": map[string]any{"$gte": "30"}, "$limit": "1", "$sort": map[string]any{"age": "-1"}})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got) != 1 || got[0].ID() != "c" {
		t.Errorf("Find(age>=30, limit 1) = %v", got)
	}

	if _, err := s.Find(ctx, api.Query{"$limit": "-5"}); !api.IsType(err, api.ErrorTypeInvalidRequest) {
		t.Errorf("Find(bad limit) = %v, want invalid_request", err)
	}
}

func testFindEquality(t *testing.T, s service.Store) {
	ctx := context.Background()
	mustCreate(t, s, api.Record{"id": "a", "email": "a@x", "role": "user", "active": true})
	mustCreate(t, s, api.Record{"id": "b", "email": "b@x", "role": map[string]any{"name": "user"}})
	mustCreate(t, s, api.Record{"id": "c", "email": "c@x", "role": "user", "active": false})
	mustCreate(t, s, api.Record{"id": "d", "email": "d@x", "role": "admin", "level": float64(3)})
	mustCreate(t, s, api.Record{"id": "e", "email": "e@x", "role": "user"})

	tests := []struct {
		name  string
		query api.Query
		want  []string
	}{
		{"string equality", api.Query{"role": "user"}, []string{"a", "c", "e"}},
		{"unique field", api.Query{"email": "d@x"}, []string{"d"}},
		{"paged equality", api.Query{"role": "user", "$skip": "1", "$limit": "1"}, []string{"c"}},
		{"boolean from query string", api.Query{"active": "true"}, []string{"a"}},
		{"number from query string", api.Query{"level": "3"}, []string{"d"}},
		{"no match", api.Query{"role": "nobody", "$limit": "10"}, nil},
	}
	for _, tt := range tests {
		got, err := s.Find(ctx, tt.query)
		if err != nil {
			t.Fatalf("%s: Find failed: %v", tt.name, err)
		}
		var ids []string
		for _, r := range got {
			ids = append(ids, r.ID())
		}
		if !slices.Equal(ids, tt.want) {
			t.Errorf("%s: Find = %v, want %v", tt.name, ids, tt.want)
		}
	}
}

func testIsolation(t *testing.T, s service.Store) {
	ctx := context.Background()
	input := api.Record{"email": "iso@example.com", "tags": []any{"a"}}
	created := mustCreate(t, s, input)

	input["email"] = "mutated"
	created["tags"].([]any)[0] = "mutated"

	got, err := s.Get(ctx, created.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["email"] != "iso@example.com" {
		t.Errorf("stored email changed to %v", got["email"])
	}
	if got["tags"].([]any)[0] != "a" {
		t.Errorf("stored tags changed to %v", got["tags"])
	}
}

func testConcurrentCreate(t *testing.T, s service.Store) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, api.Record{"email": "same@example.com"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != n-1 {
		t.Errorf("ok = %d, conflicts = %d, want 1 and %d", ok, conflicts, n-1)
	}
}
