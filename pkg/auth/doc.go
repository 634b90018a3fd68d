// Package auth provides chainable authentication strategies and
// authorization checks for plume services.
//
// A [Strategy] inspects the credentials carried by a hook context and either
// returns a [Principal], abstains with [ErrNoCredentials], or rejects with
// any other error. A [Chain] tries an ordered list of named strategies and
// the first Principal wins; abstentions and rejections both fall through to
// the next strategy. When every strategy fails the chain reports a generic
// unauthenticated error so callers cannot probe which credential was wrong.
//
// Chains run as before-hooks on the services they protect (see
// [Chain.Hook]) and as net/http middleware on custom routes (see
// [Middleware]). The authenticated Principal travels in the hook context
// metadata and in the request context.
package auth
