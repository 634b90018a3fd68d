package auth

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/service"
)

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// SuccessRedirect, when set, redirects after successful authentication
	// instead of calling the next handler.
	SuccessRedirect string

	// FailureRedirect, when set, redirects on failure instead of writing a
	// 401 JSON error.
	FailureRedirect string

	// MaxBodySize bounds the credential payload read from the request
	// (default 64KB).
	MaxBodySize int64
}

// Middleware authenticates requests to custom routes with chain. Credentials
// are taken from the headers and from a JSON or form-encoded body, so the
// same strategies serve both API and form logins. On success the principal
// is stored in the request context.
func Middleware(chain *Chain, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 64 << 10
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hc := service.NewContext(r.URL.Path, service.Create)
			hc.Params.Provider = service.ProviderREST
			for name, values := range r.Header {
				if len(values) > 0 {
					hc.SetHeader(name, values[0])
				}
			}
			hc.Data = credentialsFromBody(w, r, opts.MaxBodySize)

			p, err := chain.Authenticate(r.Context(), hc)
			if err != nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				if opts.FailureRedirect != "" {
					http.Redirect(w, r, opts.FailureRedirect, http.StatusFound)
					return
				}
				writeError(w, http.StatusUnauthorized, api.AsAPIError(err))
				return
			}

			slog.Debug("authentication succeeded",
				"subject", p.Subject,
				"strategy", p.Strategy,
				"path", r.URL.Path,
			)

			if opts.SuccessRedirect != "" {
				http.Redirect(w, r, opts.SuccessRedirect, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// credentialsFromBody decodes a JSON or form body into a record. Requests
// without a body yield nil.
func credentialsFromBody(w http.ResponseWriter, r *http.Request, limit int64) api.Record {
	if r.Body == nil || r.ContentLength == 0 || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var rec api.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			return nil
		}
		return rec
	case "application/x-www-form-urlencoded", "multipart/form-data":
		var err error
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(limit)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return nil
		}
		rec := api.Record{}
		for key, values := range r.PostForm {
			if len(values) > 0 {
				rec[key] = values[0]
			}
		}
		return rec
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, apiErr *api.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}
