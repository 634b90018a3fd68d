package storage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rhuss/plume/pkg/service"
)

// CollectionOptions configures a per-service collection.
type CollectionOptions struct {
	// Unique lists top-level fields whose values must be unique within the
	// collection. Violations surface as ErrConflict.
	Unique []string
}

// Backend hands out collections that share one underlying store.
type Backend interface {
	Collection(ctx context.Context, name string, opts CollectionOptions) (service.Store, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateFieldName rejects field names that cannot be used in index
// definitions.
func ValidateFieldName(name string) error {
	if !fieldPattern.MatchString(name) {
		return fmt.Errorf("invalid field name %q", name)
	}
	return nil
}
