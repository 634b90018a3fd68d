package service

import "fmt"

// Operation is one of the canonical service operations.
type Operation string

const (
	Find   Operation = "find"
	Get    Operation = "get"
	Create Operation = "create"
	Update Operation = "update"
	Patch  Operation = "patch"
	Remove Operation = "remove"

	// All registers hooks for every operation. It is never dispatched.
	All Operation = "all"
)

// Operations lists the dispatchable operations in canonical order.
var Operations = []Operation{Find, Get, Create, Update, Patch, Remove}

// ParseOperation converts a method name to an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if op.Valid() {
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Valid reports whether op is a dispatchable operation.
func (op Operation) Valid() bool {
	switch op {
	case Find, Get, Create, Update, Patch, Remove:
		return true
	}
	return false
}

// RequiresID reports whether op addresses a single record by id.
func (op Operation) RequiresID() bool {
	switch op {
	case Get, Update, Patch, Remove:
		return true
	}
	return false
}

// HasPayload reports whether op carries a data payload.
func (op Operation) HasPayload() bool {
	switch op {
	case Create, Update, Patch:
		return true
	}
	return false
}

// Mutates reports whether a successful op changes stored state.
func (op Operation) Mutates() bool {
	return op != Find && op != Get
}

// Phase identifies a hook list position relative to the store operation.
type Phase string

const (
	Before Phase = "before"
	After  Phase = "after"
	Error  Phase = "error"
)

// Phases lists all phases in execution order.
var Phases = []Phase{Before, After, Error}
