package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/service"
)

func newCall() *service.Context {
	return service.NewContext("users", service.Find)
}

func succeed(ctx context.Context, hc *service.Context) *service.Context {
	hc.Result = []api.Record{}
	return hc
}

func TestDispatcherFuncAdapter(t *testing.T) {
	called := false
	var d Dispatcher = DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		called = true
		return hc
	})

	hc := newCall()
	if out := d.Dispatch(context.Background(), hc); out != hc {
		t.Error("expected the same context back")
	}
	if !called {
		t.Error("expected function to be called")
	}
}

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Dispatcher) Dispatcher {
			return DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
				order = append(order, name+":before")
				out := next.Dispatch(ctx, hc)
				order = append(order, name+":after")
				return out
			})
		}
	}

	handler := DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		order = append(order, "handler")
		return hc
	})

	Chain(mw("first"), mw("second"), mw("third"))(handler).Dispatch(context.Background(), newCall())

	expected := []string{
		"first:before", "second:before", "third:before",
		"handler",
		"third:after", "second:after", "first:after",
	}
	if len(order) != len(expected) {
		t.Fatalf("execution order length = %d, want %d: %v", len(order), len(expected), order)
	}
	for i, got := range order {
		if got != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, got, expected[i])
		}
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		panic("test panic")
	})

	hc := Recovery()(handler).Dispatch(context.Background(), newCall())

	var apiErr *api.APIError
	if !errors.As(hc.Err, &apiErr) {
		t.Fatalf("expected *api.APIError, got %T: %v", hc.Err, hc.Err)
	}
	if apiErr.Type != api.ErrorTypeServerError {
		t.Errorf("error type = %q, want %q", apiErr.Type, api.ErrorTypeServerError)
	}
	if strings.Contains(apiErr.Message, "test panic") {
		t.Errorf("panic value leaked into message %q", apiErr.Message)
	}
	if !strings.Contains(hc.Err.Error(), "test panic") {
		t.Errorf("panic value missing from cause: %v", hc.Err)
	}
}

func TestRecoveryPassesThroughNormalExecution(t *testing.T) {
	hc := Recovery()(DispatcherFunc(succeed)).Dispatch(context.Background(), newCall())
	if hc.Err != nil {
		t.Fatalf("unexpected error: %v", hc.Err)
	}
}

func TestRequestIDGeneratesNewID(t *testing.T) {
	var capturedID string
	handler := DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		capturedID = RequestIDFromContext(ctx)
		return hc
	})

	hc := RequestID()(handler).Dispatch(context.Background(), newCall())

	if capturedID == "" {
		t.Fatal("expected a generated request ID, got empty string")
	}
	if len(capturedID) != 36 {
		t.Errorf("request ID length = %d, want 36 (uuid)", len(capturedID))
	}
	if got, _ := hc.Get(MetaRequestID); got != capturedID {
		t.Errorf("Meta[%s] = %v, want %q", MetaRequestID, got, capturedID)
	}
}

func TestRequestIDPropagatesExisting(t *testing.T) {
	var capturedID string
	handler := DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		capturedID = RequestIDFromContext(ctx)
		return hc
	})
	wrapped := RequestID()(handler)

	ctx := ContextWithRequestID(context.Background(), "existing-id-123")
	wrapped.Dispatch(ctx, newCall())
	if capturedID != "existing-id-123" {
		t.Errorf("request ID = %q, want %q", capturedID, "existing-id-123")
	}

	hc := newCall()
	hc.SetHeader(HeaderRequestID, "from-frame")
	wrapped.Dispatch(context.Background(), hc)
	if capturedID != "from-frame" {
		t.Errorf("request ID = %q, want %q", capturedID, "from-frame")
	}
}

func TestRequestIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	handler := DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		ids[RequestIDFromContext(ctx)] = true
		return hc
	})

	wrapped := RequestID()(handler)
	for i := 0; i < 100; i++ {
		wrapped.Dispatch(context.Background(), newCall())
	}
	if len(ids) != 100 {
		t.Errorf("expected 100 unique IDs, got %d", len(ids))
	}
}

func TestLoggingEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := ContextWithRequestID(context.Background(), "req-log-test")
	hc := newCall()
	hc.Params.Provider = service.ProviderREST
	Logging(logger)(DispatcherFunc(succeed)).Dispatch(ctx, hc)

	output := buf.String()
	for _, expected := range []string{"request_id=req-log-test", "service=users", "method=find", "provider=rest", "call completed"} {
		if !strings.Contains(output, expected) {
			t.Errorf("log output missing %q in:\n%s", expected, output)
		}
	}
}

func TestLoggingEmitsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		hc.Err = api.NewServerError("test failure")
		return hc
	})
	Logging(logger)(handler).Dispatch(context.Background(), newCall())

	output := buf.String()
	for _, expected := range []string{"call failed", "test failure", "level=ERROR", "error_type=server_error"} {
		if !strings.Contains(output, expected) {
			t.Errorf("log output missing %q in:\n%s", expected, output)
		}
	}
}

func TestWrap(t *testing.T) {
	handler := DispatcherFunc(func(ctx context.Context, hc *service.Context) *service.Context {
		if RequestIDFromContext(ctx) == "" {
			t.Error("request ID not assigned")
		}
		panic("boom")
	})
	hc := Wrap(handler).Dispatch(context.Background(), newCall())
	if !api.IsType(hc.Err, api.ErrorTypeServerError) {
		t.Errorf("Err = %v, want recovered server error", hc.Err)
	}
}
