package dispatch

import (
	"context"
	"time"

	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
	"github.com/harbormail/dispatch/session"
)

// Builtin operation names.
const (
	NoOpRequestName       = "NoOpRequest"
	EndSessionRequestName = "EndSessionRequest"
)

const (
	attrWait           = "wait"
	attrWaitTimeout    = "timeout"
	attrWaitDisallowed = "waitDisallowed"
	attrLogoff         = "logoff"
)

// RegisterBuiltins installs the operations the engine itself provides: the
// long-poll NoOp and session teardown.
func (e *Engine) RegisterBuiltins() {
	e.registry.Register(HandlerFunc{
		Meta: HandlerInfo{Name: NoOpRequestName, ReadOnly: true, SkipDelegatedCheck: true, LocalOnly: true, MayBlock: true},
		Fn:   e.handleNoOp,
	})
	e.registry.Register(HandlerFunc{
		Meta: HandlerInfo{Name: EndSessionRequestName, ReadOnly: true, SkipDelegatedCheck: true, LocalOnly: true},
		Fn:   e.handleEndSession,
	})
}

// handleNoOp answers immediately unless wait="1", in which case the request
// parks until the session sees a notification, the wait is superseded, or
// the timeout lapses. The notifications themselves travel in the response
// header like on any other request.
func (e *Engine) handleNoOp(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error) {
	resp := envelope.New(envelope.ResponseName(NoOpRequestName))
	if !req.AttrBool(attrWait, false) {
		return resp, nil
	}

	s := dc.ActiveSession()
	if s == nil {
		resp.SetAttrBool(attrWaitDisallowed, true)
		return resp, nil
	}

	result, waiter := s.RegisterWaiter()
	switch result {
	case session.WaitNoNotify:
		resp.SetAttrBool(attrWaitDisallowed, true)
		return resp, nil
	case session.WaitDataReady:
		e.met.WaitOutcomes.WithLabelValues("ready").Inc()
		return resp, nil
	}

	timeout := e.waitTimeout(req)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer s.ClearWaiter(waiter)

	e.met.WaitsActive.Inc()
	start := e.now()
	defer func() {
		e.met.WaitsActive.Dec()
		e.met.WaitLatency.Observe(e.now().Sub(start).Seconds())
	}()

	select {
	case <-waiter.Data():
		e.met.WaitOutcomes.WithLabelValues("data").Inc()
	case <-waiter.Canceled():
		e.met.WaitOutcomes.WithLabelValues("superseded").Inc()
	case <-timer.C:
		e.met.WaitOutcomes.WithLabelValues("timeout").Inc()
	case <-ctx.Done():
		e.met.WaitOutcomes.WithLabelValues("canceled").Inc()
		return nil, fault.Failure(ctx.Err())
	}
	return resp, nil
}

func (e *Engine) waitTimeout(req *envelope.Element) time.Duration {
	secs := req.AttrInt(attrWaitTimeout, 0)
	if secs <= 0 {
		return e.cfg.DefaultWait
	}
	d := time.Duration(secs) * time.Second
	if d < e.cfg.MinWait {
		return e.cfg.MinWait
	}
	if d > e.cfg.MaxWait {
		return e.cfg.MaxWait
	}
	return d
}

// handleEndSession tears down the session named in the request header. With
// logoff="1" every session of the account is removed.
func (e *Engine) handleEndSession(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error) {
	if req.AttrBool(attrLogoff, false) {
		e.sessions.RemoveAll(ctx, dc.Principal.AccountID)
	} else if s := dc.ActiveSession(); s != nil {
		e.sessions.Remove(ctx, s.ID(), s.AccountID())
		dc.attachSession(nil)
	}
	e.met.SessionsActive.Set(float64(e.sessions.Len()))
	return envelope.New(envelope.ResponseName(EndSessionRequestName)), nil
}
