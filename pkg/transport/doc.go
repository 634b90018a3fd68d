// Package transport defines the contract between transports and the
// dispatch engine, plus middleware shared by every transport.
//
// A transport (REST, socket, MCP) turns an incoming request into a
// service.Context, hands it to a Dispatcher, and renders the Context's
// Result or Err back to its client. The Dispatcher is normally the engine
// wrapped in the middleware chain: panic recovery, request ID assignment
// (X-Request-ID), and structured logging via log/slog.
//
// Error rendering is uniform: HTTPStatusFromError maps the error taxonomy to
// status codes, and Sanitize hides internal error details from clients.
package transport
