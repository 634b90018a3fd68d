package local

import (
	"context"
	"fmt"
	"strings"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/service"
)

// MetaPasswordHashed marks a context whose payload has been hashed.
const MetaPasswordHashed = "password_hashed"

// HashOptions configures the password hashing hook.
type HashOptions struct {
	// Field is the payload field holding the password. Default: "password".
	Field string

	// Cost is the bcrypt cost. Default: DefaultCost.
	Cost int
}

// HashPasswordHook returns a before-hook that replaces the plaintext
// password in the payload with its bcrypt hash. It is meant to be
// registered with Service.Mandatory so no configuration can skip it.
//
// Payloads without the field pass through unchanged; a non-string value is
// rejected. The hook hashes at most once per request.
func HashPasswordHook(opts HashOptions) service.Hook {
	if opts.Field == "" {
		opts.Field = "password"
	}
	name := fmt.Sprintf("hashPassword(%s)", opts.Field)

	return service.HookFunc(name, func(_ context.Context, hc *service.Context) (*service.Context, error) {
		if done, _ := hc.Get(MetaPasswordHashed); done == true {
			return nil, nil
		}
		if hc.Data == nil {
			return nil, nil
		}
		raw, ok := hc.Data[opts.Field]
		if !ok || raw == nil {
			return nil, nil
		}
		password, ok := raw.(string)
		if !ok {
			return nil, api.NewInvalidRequestError(opts.Field, fmt.Sprintf("%s must be a string", opts.Field))
		}

		hash, err := HashPassword(password, opts.Cost)
		if err != nil {
			return nil, err
		}

		data := hc.Data.Clone()
		data[opts.Field] = hash
		hc.Data = data
		hc.Set(MetaPasswordHashed, true)
		debug.Log("auth", "password hashed", "service", hc.Path, "method", hc.Method, "field", opts.Field)
		return hc, nil
	})
}

// ProtectHook returns an after-hook that removes fields from the results of
// external calls. Internal calls made by server code see the full records.
func ProtectHook(fields ...string) service.Hook {
	name := fmt.Sprintf("protect(%s)", strings.Join(fields, ","))

	return service.HookFunc(name, func(_ context.Context, hc *service.Context) (*service.Context, error) {
		if !hc.External() {
			return nil, nil
		}
		switch res := hc.Result.(type) {
		case api.Record:
			hc.Result = res.Without(fields...)
		case []api.Record:
			out := make([]api.Record, len(res))
			for i, r := range res {
				out[i] = r.Without(fields...)
			}
			hc.Result = out
		default:
			return nil, nil
		}
		return hc, nil
	})
}
