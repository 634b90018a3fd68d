// Package api defines the core protocol types shared by every plume layer.
//
// It provides the record and query shapes that flow between transports,
// hooks and backing stores, identifier helpers, payload validation, and the
// error taxonomy that transports map onto their own status signals.
//
// The package performs no I/O. All types produce plain JSON so that any
// transport can serialize them without further translation.
//
// Core types:
//   - [Record]: a stored document addressed by its "id" field
//   - [Query]: field filters plus the reserved $limit, $skip, $sort and $select keys
//   - [APIError]: structured error with type, code, param, and message
package api
