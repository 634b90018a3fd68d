// Package engine runs service calls through their hook pipelines.
//
// A call moves through the states Before, Invoke, After and Done, with a
// side transition into Error from any of them. Before-hooks run in
// registration order (mandatory hooks first), then the protection check,
// then the store operation, then after-hooks. Any failure enters the Error
// state, where error-hooks may recover the call by clearing the error.
//
// The engine honors per-operation timeouts and client cancellation, maps
// store errors onto the api error taxonomy, publishes service events after
// successful mutations, and records metrics and a trace span per call.
package engine
