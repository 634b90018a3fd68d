package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/plume/pkg/api"
	"github.com/rhuss/plume/pkg/auth"
	"github.com/rhuss/plume/pkg/debug"
	"github.com/rhuss/plume/pkg/observability"
	"github.com/rhuss/plume/pkg/service"
)

type state int

const (
	stateBefore state = iota
	stateInvoke
	stateAfter
	stateError
	stateDone
)

func (s state) String() string {
	switch s {
	case stateBefore:
		return "before"
	case stateInvoke:
		return "invoke"
	case stateAfter:
		return "after"
	case stateError:
		return "error"
	default:
		return "done"
	}
}

// Run outcomes, used as metric and span labels.
const (
	outcomeSuccess   = "success"
	outcomeRecovered = "recovered"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCanceled  = "canceled"
)

// run is the state of one pipeline execution.
type run struct {
	e   *Engine
	svc *service.Service
	hc  *service.Context

	// parent carries client cancellation; ctx adds the operation deadline.
	parent context.Context
	ctx    context.Context

	timedOut  bool
	canceled  bool
	recovered bool
	// completed is set once the after phase finished without error.
	completed bool
}

// run executes the pipeline for hc. completed reports whether the after
// phase ran to the end, which is when the call's result is final.
func (e *Engine) run(ctx context.Context, hc *service.Context) (outcome string, completed bool) {
	hc.Err, hc.Result = nil, nil

	svc, err := e.registry.Lookup(hc.Path)
	if err != nil {
		hc.Err = err
		return outcomeError, false
	}
	if !hc.Method.Valid() {
		hc.Err = api.NewMethodNotAllowedError(fmt.Sprintf("unknown method %q", hc.Method))
		return outcomeError, false
	}
	if !svc.Supports(hc.Method) {
		hc.Err = api.NewMethodNotAllowedError(fmt.Sprintf("method %q is not supported by service %q", hc.Method, hc.Path))
		return outcomeError, false
	}
	if apiErr := e.validate(hc); apiErr != nil {
		hc.Err = apiErr
		return outcomeError, false
	}

	timeout := svc.Timeout(hc.Method)
	if timeout == 0 {
		timeout = e.cfg.timeout()
	}
	parent := service.WithContext(ctx, hc)
	opCtx, cancel := parent, context.CancelFunc(func() {})
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	r := &run{e: e, svc: svc, hc: hc, parent: parent, ctx: opCtx}
	r.loop()

	switch {
	case r.canceled:
		return outcomeCanceled, false
	case r.timedOut && hc.Err != nil:
		return outcomeTimeout, false
	case hc.Err != nil:
		return outcomeError, false
	case r.recovered:
		return outcomeRecovered, false
	}
	return outcomeSuccess, r.completed
}

func (e *Engine) validate(hc *service.Context) *api.APIError {
	cfg := e.cfg.validation()
	if hc.Method.RequiresID() {
		if apiErr := api.ValidateID(hc.ID); apiErr != nil {
			return apiErr
		}
	}
	if hc.Method.HasPayload() {
		if apiErr := api.ValidatePayload(hc.Data, cfg); apiErr != nil {
			return apiErr
		}
	}
	if hc.Method == service.Find {
		if apiErr := api.ValidateQuery(hc.Params.Query, cfg); apiErr != nil {
			return apiErr
		}
	}
	return nil
}

// loop drives the state machine until Done.
func (r *run) loop() {
	st := stateBefore
	for st != stateDone {
		debug.Log("engine", "pipeline state", "service", r.hc.Path, "method", r.hc.Method, "state", st.String())
		switch st {
		case stateBefore:
			st = r.before()
		case stateInvoke:
			st = r.invoke()
		case stateAfter:
			st = r.after()
		case stateError:
			st = r.errorPhase()
		}
	}
}

// interrupted checks both contexts. Client cancellation ends the run at
// once; an expired operation deadline turns into a Timeout error handled
// by the error phase.
func (r *run) interrupted() (state, bool) {
	if err := r.parent.Err(); err != nil {
		r.abort(err)
		return stateDone, true
	}
	if r.timedOut {
		return stateError, true
	}
	if err := r.ctx.Err(); err != nil {
		r.timedOut = true
		r.hc.Result = nil
		r.hc.Err = api.NewTimeoutError(fmt.Sprintf("%s on %q timed out", r.hc.Method, r.hc.Path)).WithCause(err)
		r.e.logger.Warn("operation timed out",
			"service", r.hc.Path,
			"method", r.hc.Method,
		)
		return stateError, true
	}
	return 0, false
}

func (r *run) abort(err error) {
	r.canceled = true
	r.hc.Result = nil
	if errors.Is(err, context.DeadlineExceeded) {
		r.hc.Err = api.NewTimeoutError("request deadline exceeded").WithCause(err)
	} else {
		r.hc.Err = api.NewServerError("request canceled").WithCause(err)
	}
	debug.Log("engine", "pipeline aborted", "service", r.hc.Path, "method", r.hc.Method, "cause", err)
}

func (r *run) before() state {
	for _, h := range r.svc.HooksFor(r.hc.Method, service.Before) {
		if next, stop := r.interrupted(); stop {
			return next
		}
		if err := r.runHook(r.ctx, service.Before, h); err != nil {
			if next, stop := r.interrupted(); stop {
				return next
			}
			r.hc.Err = err
			return stateError
		}
	}
	if next, stop := r.interrupted(); stop {
		return next
	}

	if prot, ok := r.svc.Protection(r.hc.Method); ok {
		if err := auth.Authorize(r.hc, prot.Permission); err != nil {
			debug.Log("engine", "protection check failed", "service", r.hc.Path, "method", r.hc.Method, "error", err)
			r.hc.Err = err
			return stateError
		}
	}
	return stateInvoke
}

type storeResult struct {
	result any
	err    error
}

func (r *run) invoke() state {
	if r.hc.Result != nil {
		debug.Log("engine", "result provided by hook, store skipped", "service", r.hc.Path, "method", r.hc.Method)
		return stateAfter
	}
	if next, stop := r.interrupted(); stop {
		return next
	}

	// The store runs detached from cancellation so a started operation is
	// never torn down halfway. Its outcome is dropped if the call was
	// interrupted meanwhile. It may outlive the run, so it gets a snapshot
	// of the hook context instead of the live one.
	snap := r.hc.Snapshot()
	storeCtx := service.WithContext(context.WithoutCancel(r.ctx), snap)
	op, id := snap.Method, snap.ID
	data, query := snap.Data, snap.Params.Query
	store := r.svc.Store()

	done := make(chan storeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- storeResult{err: fmt.Errorf("store panic: %v", p)}
			}
		}()
		res, err := callStore(storeCtx, store, op, id, data, query)
		done <- storeResult{result: res, err: err}
	}()

	select {
	case out := <-done:
		if next, stop := r.interrupted(); stop {
			return next
		}
		if out.err != nil {
			r.hc.Err = r.storeError(out.err)
			return stateError
		}
		r.hc.Result = out.result
		return stateAfter
	case <-r.ctx.Done():
		next, _ := r.interrupted()
		return next
	}
}

func callStore(ctx context.Context, store service.Store, op service.Operation, id string, data api.Record, query api.Query) (any, error) {
	var (
		rec api.Record
		err error
	)
	switch op {
	case service.Find:
		records, err := store.Find(ctx, query)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []api.Record{}
		}
		return records, nil
	case service.Get:
		rec, err = store.Get(ctx, id)
	case service.Create:
		rec, err = store.Create(ctx, data)
	case service.Update:
		rec, err = store.Update(ctx, id, data)
	case service.Patch:
		rec, err = store.Patch(ctx, id, data)
	case service.Remove:
		rec, err = store.Remove(ctx, id)
	default:
		return nil, api.NewMethodNotAllowedError(fmt.Sprintf("unknown method %q", op))
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *run) after() state {
	for _, h := range r.svc.HooksFor(r.hc.Method, service.After) {
		if next, stop := r.interrupted(); stop {
			return next
		}
		if err := r.runHook(r.ctx, service.After, h); err != nil {
			if next, stop := r.interrupted(); stop {
				return next
			}
			r.hc.Err = err
			return stateError
		}
	}
	if next, stop := r.interrupted(); stop {
		return next
	}
	r.completed = true
	return stateDone
}

// errorPhase runs error-hooks on the parent context, so they still run
// after the operation deadline has passed.
func (r *run) errorPhase() state {
	r.hc.Result = nil
	hooks := r.svc.HooksFor(r.hc.Method, service.Error)
	for _, h := range hooks {
		if err := r.parent.Err(); err != nil {
			r.abort(err)
			return stateDone
		}
		if err := r.runHook(r.parent, service.Error, h); err != nil {
			r.hc.Err = err
			return stateDone
		}
		if r.hc.Err == nil {
			r.recovered = true
			debug.Log("engine", "error recovered", "service", r.hc.Path, "method", r.hc.Method, "hook", h.Name())
			return stateDone
		}
	}
	return stateDone
}

// runHook runs h and adopts the Context it returns. Path and Method cannot
// be changed by a hook.
func (r *run) runHook(ctx context.Context, phase service.Phase, h service.Hook) error {
	start := time.Now()
	out, err := h.Run(ctx, r.hc)
	debug.Log("engine", "hook ran",
		"service", r.hc.Path,
		"method", r.hc.Method,
		"phase", phase,
		"hook", h.Name(),
		"duration", time.Since(start),
		"error", err,
	)
	if err != nil {
		observability.HookFailuresTotal.WithLabelValues(r.hc.Path, string(phase), h.Name()).Inc()
		return err
	}
	if out != nil && out != r.hc {
		path, method := r.hc.Path, r.hc.Method
		*r.hc = *out
		r.hc.Path, r.hc.Method = path, method
	}
	return nil
}
