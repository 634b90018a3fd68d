// Package storage provides utilities shared across backing store
// implementations: sentinel errors, the Backend abstraction that hands out
// per-service collections, and the query engine that evaluates find
// filters, sorting, paging, and field selection.
//
// Store implementations (memory, postgres, sqlite) satisfy service.Store.
package storage
