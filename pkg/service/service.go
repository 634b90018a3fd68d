package service

import (
	"errors"
	"fmt"
	"time"
)

// Protection marks an operation as requiring an authenticated Principal.
// A non-empty Permission additionally requires that permission.
type Protection struct {
	Permission string
}

// Service binds a path to a Store and its hook tables.
type Service struct {
	path      string
	store     Store
	methods   map[Operation]bool
	hooks     map[Phase]map[Operation][]Hook
	mandatory map[Operation][]Hook
	protect   map[Operation]Protection
	timeout   time.Duration
	opTimeout map[Operation]time.Duration

	frozen bool
	errs   []error
}

// Option configures a Service at construction.
type Option func(*Service)

// WithMethods restricts the operations a service supports. By default all
// six operations are supported.
func WithMethods(ops ...Operation) Option {
	return func(s *Service) {
		s.methods = make(map[Operation]bool, len(ops))
		for _, op := range ops {
			if !op.Valid() {
				s.errs = append(s.errs, fmt.Errorf("unsupported method %q", op))
				continue
			}
			s.methods[op] = true
		}
	}
}

// WithTimeout sets the deadline applied to every operation of the service.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithOperationTimeout sets the deadline for a single operation, overriding
// WithTimeout.
func WithOperationTimeout(op Operation, d time.Duration) Option {
	return func(s *Service) {
		if s.opTimeout == nil {
			s.opTimeout = map[Operation]time.Duration{}
		}
		s.opTimeout[op] = d
	}
}

// New creates a Service for path backed by store.
func New(path string, store Store, opts ...Option) *Service {
	s := &Service{
		path:      NormalizePath(path),
		store:     store,
		methods:   map[Operation]bool{},
		hooks:     map[Phase]map[Operation][]Hook{},
		mandatory: map[Operation][]Hook{},
		protect:   map[Operation]Protection{},
	}
	for _, op := range Operations {
		s.methods[op] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the normalized service path.
func (s *Service) Path() string { return s.path }

// Store returns the backing store.
func (s *Service) Store() Store { return s.store }

// Supports reports whether the service exposes op.
func (s *Service) Supports(op Operation) bool { return s.methods[op] }

// Methods returns the supported operations in canonical order.
func (s *Service) Methods() []Operation {
	var out []Operation
	for _, op := range Operations {
		if s.methods[op] {
			out = append(out, op)
		}
	}
	return out
}

// Timeout returns the deadline configured for op, or zero when none is set.
func (s *Service) Timeout(op Operation) time.Duration {
	if d, ok := s.opTimeout[op]; ok {
		return d
	}
	return s.timeout
}

// Protection returns the protection configured for op.
func (s *Service) Protection(op Operation) (Protection, bool) {
	if p, ok := s.protect[op]; ok {
		return p, true
	}
	p, ok := s.protect[All]
	return p, ok
}

// Before appends before-hooks for op.
func (s *Service) Before(op Operation, hooks ...Hook) *Service {
	return s.Use(Before, op, hooks...)
}

// After appends after-hooks for op.
func (s *Service) After(op Operation, hooks ...Hook) *Service {
	return s.Use(After, op, hooks...)
}

// OnError appends error-hooks for op.
func (s *Service) OnError(op Operation, hooks ...Hook) *Service {
	return s.Use(Error, op, hooks...)
}

// Use appends hooks to the (phase, op) list. op may be All.
func (s *Service) Use(phase Phase, op Operation, hooks ...Hook) *Service {
	s.mustBeMutable()
	if err := checkTarget(op); err != nil {
		s.errs = append(s.errs, err)
		return s
	}
	switch phase {
	case Before, After, Error:
	default:
		s.errs = append(s.errs, fmt.Errorf("unknown phase %q", phase))
		return s
	}
	if s.hooks[phase] == nil {
		s.hooks[phase] = map[Operation][]Hook{}
	}
	for _, h := range hooks {
		if h == nil {
			s.errs = append(s.errs, errors.New("nil hook"))
			continue
		}
		s.hooks[phase][op] = append(s.hooks[phase][op], h)
	}
	return s
}

// Mandatory appends before-hooks for op that always run first, ahead of
// every hook registered with Before or Use.
func (s *Service) Mandatory(op Operation, hooks ...Hook) *Service {
	s.mustBeMutable()
	if err := checkTarget(op); err != nil {
		s.errs = append(s.errs, err)
		return s
	}
	for _, h := range hooks {
		if h == nil {
			s.errs = append(s.errs, errors.New("nil hook"))
			continue
		}
		s.mandatory[op] = append(s.mandatory[op], h)
	}
	return s
}

// Protect requires an authenticated Principal for op. A non-empty
// permission must also be held by the Principal.
func (s *Service) Protect(op Operation, permission string) *Service {
	s.mustBeMutable()
	if err := checkTarget(op); err != nil {
		s.errs = append(s.errs, err)
		return s
	}
	s.protect[op] = Protection{Permission: permission}
	return s
}

// HooksFor returns the ordered hooks that run for op in phase.
func (s *Service) HooksFor(op Operation, phase Phase) []Hook {
	var out []Hook
	if phase == Before {
		out = append(out, s.mandatory[All]...)
		out = append(out, s.mandatory[op]...)
	}
	out = append(out, s.hooks[phase][All]...)
	out = append(out, s.hooks[phase][op]...)
	return out
}

// Description is an inspectable view of a service's hook tables.
type Description struct {
	Path    string
	Methods []Operation
	Hooks   map[Phase]map[Operation][]string
	Protect map[Operation]string
}

// Describe returns the resolved hook names per phase and supported operation.
func (s *Service) Describe() Description {
	d := Description{
		Path:    s.path,
		Methods: s.Methods(),
		Hooks:   map[Phase]map[Operation][]string{},
		Protect: map[Operation]string{},
	}
	for _, phase := range Phases {
		d.Hooks[phase] = map[Operation][]string{}
		for _, op := range d.Methods {
			hooks := s.HooksFor(op, phase)
			if len(hooks) == 0 {
				continue
			}
			names := make([]string, len(hooks))
			for i, h := range hooks {
				names[i] = h.Name()
			}
			d.Hooks[phase][op] = names
		}
	}
	for _, op := range d.Methods {
		if p, ok := s.Protection(op); ok {
			d.Protect[op] = p.Permission
		}
	}
	return d
}

func (s *Service) mustBeMutable() {
	if s.frozen {
		panic(fmt.Sprintf("service %q: %v", s.path, ErrPublished))
	}
}

func (s *Service) err() error {
	if len(s.errs) == 0 {
		return nil
	}
	return fmt.Errorf("service %q: %w", s.path, errors.Join(s.errs...))
}

// frozenCopy returns a deep copy of the hook tables that rejects mutation.
func (s *Service) frozenCopy() *Service {
	cp := &Service{
		path:      s.path,
		store:     s.store,
		methods:   make(map[Operation]bool, len(s.methods)),
		hooks:     make(map[Phase]map[Operation][]Hook, len(s.hooks)),
		mandatory: make(map[Operation][]Hook, len(s.mandatory)),
		protect:   make(map[Operation]Protection, len(s.protect)),
		timeout:   s.timeout,
		frozen:    true,
	}
	for op, ok := range s.methods {
		cp.methods[op] = ok
	}
	for phase, byOp := range s.hooks {
		m := make(map[Operation][]Hook, len(byOp))
		for op, hooks := range byOp {
			m[op] = append([]Hook(nil), hooks...)
		}
		cp.hooks[phase] = m
	}
	for op, hooks := range s.mandatory {
		cp.mandatory[op] = append([]Hook(nil), hooks...)
	}
	for op, p := range s.protect {
		cp.protect[op] = p
	}
	if s.opTimeout != nil {
		cp.opTimeout = make(map[Operation]time.Duration, len(s.opTimeout))
		for op, d := range s.opTimeout {
			cp.opTimeout[op] = d
		}
	}
	return cp
}

func checkTarget(op Operation) error {
	if op == All || op.Valid() {
		return nil
	}
	return fmt.Errorf("unknown operation %q", op)
}
