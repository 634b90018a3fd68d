// Package service defines services, hook contexts, and the service registry.
//
// A [Service] binds a path to a backing [Store] and carries ordered hook lists
// for each (phase, operation) pair. Services are registered on a [Builder]
// during startup; [Builder.Publish] freezes them into a [Registry] that is
// safe for concurrent lookups without locking.
//
// Hook order within a phase is registration order. Hooks registered for
// [All] precede operation-specific hooks, and mandatory hooks precede both
// in the before phase.
package service
