package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rhuss/plume/pkg/api"
)

var (
	// ErrPublished is returned when registering after the registry was published.
	ErrPublished = errors.New("registry already published")

	// ErrDuplicatePath is returned when two services share a path.
	ErrDuplicatePath = errors.New("duplicate service path")

	// ErrInvalidService is returned for services without a valid path or store.
	ErrInvalidService = errors.New("invalid service")
)

var pathPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+(/[A-Za-z0-9._-]+)*$`)

// NormalizePath trims surrounding slashes from p.
func NormalizePath(p string) string {
	return strings.Trim(p, "/")
}

// Builder collects services during startup.
type Builder struct {
	mu        sync.Mutex
	services  map[string]*Service
	order     []string
	published bool
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{services: map[string]*Service{}}
}

// Register adds s to the builder.
func (b *Builder) Register(s *Service) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.published {
		return ErrPublished
	}
	if s == nil {
		return fmt.Errorf("%w: nil service", ErrInvalidService)
	}
	if !pathPattern.MatchString(s.path) {
		return fmt.Errorf("%w: invalid path %q", ErrInvalidService, s.path)
	}
	if s.store == nil {
		return fmt.Errorf("%w: service %q has no store", ErrInvalidService, s.path)
	}
	if err := s.err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidService, err)
	}
	if _, exists := b.services[s.path]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicatePath, s.path)
	}

	b.services[s.path] = s
	b.order = append(b.order, s.path)
	return nil
}

// Publish freezes the registered services into an immutable Registry.
// Hook tables are copied, so later changes to a registered *Service value
// never reach the published view. Subsequent Register calls fail.
func (b *Builder) Publish() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = true
	r := &Registry{
		services: make(map[string]*Service, len(b.services)),
		order:    append([]string(nil), b.order...),
	}
	for path, s := range b.services {
		r.services[path] = s.frozenCopy()
	}
	return r
}

// Registry is the published, read-only set of services. It is safe for
// concurrent use.
type Registry struct {
	services map[string]*Service
	order    []string
}

// Lookup returns the service registered at path.
func (r *Registry) Lookup(path string) (*Service, error) {
	s, ok := r.services[NormalizePath(path)]
	if !ok {
		return nil, api.NewNotFoundError(fmt.Sprintf("service %q not found", NormalizePath(path)))
	}
	return s, nil
}

// HooksFor returns the ordered hooks that run for (path, op, phase).
func (r *Registry) HooksFor(path string, op Operation, phase Phase) ([]Hook, error) {
	s, err := r.Lookup(path)
	if err != nil {
		return nil, err
	}
	return s.HooksFor(op, phase), nil
}

// Paths returns service paths in registration order.
func (r *Registry) Paths() []string {
	return append([]string(nil), r.order...)
}

// Describe returns descriptions of all services in registration order.
func (r *Registry) Describe() []Description {
	out := make([]Description, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.services[p].Describe())
	}
	return out
}
