package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/harbormail/dispatch/auth"
	"github.com/harbormail/dispatch/cluster"
	"github.com/harbormail/dispatch/directory"
	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
	"github.com/harbormail/dispatch/internal/logctx"
	"github.com/harbormail/dispatch/metrics"
	"github.com/harbormail/dispatch/session"
)

// RemoteCaller forwards an envelope to another node and returns its
// response. The proxy package provides the HTTP implementation; the engine
// never touches the network itself.
type RemoteCaller interface {
	Call(ctx context.Context, nodeID string, env *envelope.Envelope) (*envelope.Envelope, error)
}

// Engine routes parsed envelopes to handlers, proxies requests for accounts
// homed elsewhere, and assembles response headers carrying session
// notification state.
type Engine struct {
	log       *slog.Logger
	cfg       Config
	builder   *ContextBuilder
	registry  *Registry
	topo      *cluster.Topology
	sessions  *session.Manager
	dir       directory.Directory
	checker   auth.AccessChecker
	signer    *auth.ProxySigner
	csrf      *auth.CSRFGuard
	validator auth.Validator
	halt      func()
	remote    RemoteCaller
	met       *metrics.Metrics
	now       func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithRemoteCaller wires the transport used for cross-node forwarding.
// Without one, requests for remote accounts fault as unreachable.
func WithRemoteCaller(rc RemoteCaller) EngineOption {
	return func(e *Engine) { e.remote = rc }
}

// WithProxySigner enables minting of server-to-server credentials on
// outbound hops.
func WithProxySigner(s *auth.ProxySigner) EngineOption {
	return func(e *Engine) { e.signer = s }
}

// WithCSRFGuard enforces csrf tokens on cookie-borne credentials. Without
// one, cookie credentials are refused outright.
func WithCSRFGuard(g *auth.CSRFGuard) EngineOption {
	return func(e *Engine) { e.csrf = g }
}

// WithValidator re-checks principals at dispatch time, catching credentials
// revoked after issuance.
func WithValidator(v auth.Validator) EngineOption {
	return func(e *Engine) { e.validator = v }
}

// WithHalt installs the process-fatal escalation hook, invoked after a
// handler panic has been converted to a fault. Deployments that treat any
// panic as unrecoverable use it to begin shutdown.
func WithHalt(halt func()) EngineOption {
	return func(e *Engine) { e.halt = halt }
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.met = m }
}

func withEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg Config, builder *ContextBuilder, registry *Registry, topo *cluster.Topology, sessions *session.Manager, dir directory.Directory, checker auth.AccessChecker, opts ...EngineOption) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		log:      slog.Default(),
		cfg:      cfg,
		builder:  builder,
		registry: registry,
		topo:     topo,
		sessions: sessions,
		dir:      dir,
		checker:  checker,
		met:      metrics.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch executes one inbound envelope end to end. It never returns an
// error; every failure becomes a fault body in the response envelope.
func (e *Engine) Dispatch(ctx context.Context, env *envelope.Envelope, tinfo TransportInfo) *envelope.Envelope {
	dc, err := e.builder.Build(ctx, env.Header, tinfo)
	if err != nil {
		fe := fault.Of(err)
		e.met.FaultsTotal.WithLabelValues(fe.Code).Inc()
		if fe.Code == fault.CodeAuthFailed {
			e.met.AuthFailures.Inc()
			e.log.WarnContext(ctx, "authentication failure",
				"remote_addr", tinfo.RemoteAddr)
		}
		resp, _ := envelope.NewEnvelope(nil, fe.Encode())
		return resp
	}

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  dc.RequestID,
		Operation:  env.Body.Name(),
		UserAgent:  dc.UserAgent.Name,
		RemoteAddr: dc.RemoteAddr,
		HopCount:   dc.HopCount,
	})
	ctx = logctx.WithAccountData(ctx, &logctx.AccountData{
		AuthAccountID:   dc.AuthAccountID(),
		TargetAccountID: dc.TargetAccountID,
		Delegated:       dc.Delegated,
	})
	e.met.ProxyHopCounts.Observe(float64(dc.HopCount))

	e.attachSession(ctx, dc)

	var body *envelope.Element
	if env.IsBatch() {
		body = e.dispatchBatch(ctx, dc, env.Body)
	} else {
		result, err := e.dispatchOne(ctx, dc, env.Body)
		if err != nil {
			fe := fault.Of(err)
			e.met.FaultsTotal.WithLabelValues(fe.Code).Inc()
			if fe.Code == fault.CodeAuthFailed {
				e.met.AuthFailures.Inc()
			}
			e.log.WarnContext(ctx, "request faulted",
				"operation", env.Body.Name(), "code", fe.Code, "error", fe.Message)
			body = fe.Encode()
		} else {
			body = result
		}
	}

	return e.assembleResponse(ctx, dc, body)
}

// dispatchOne runs a single operation body through policy checks, routing
// and the handler. The returned element is the response body.
func (e *Engine) dispatchOne(ctx context.Context, dc *Context, body *envelope.Element) (respBody *envelope.Element, err error) {
	opName := body.Name()
	h, err := e.registry.Lookup(opName)
	if err != nil {
		return nil, err
	}
	info := h.Info()

	if dc.Principal == nil && !info.AllowsUnauthenticated {
		return nil, fault.AuthRequired()
	}
	if dc.CookieCredential && dc.Principal != nil && !info.AllowsUnauthenticated {
		if e.csrf == nil {
			return nil, fault.AuthRequired()
		}
		if err := e.csrf.Check(dc.CSRFToken, dc.Principal); err != nil {
			e.log.WarnContext(ctx, "csrf check failed", "operation", opName)
			return nil, fault.AuthRequired()
		}
	}
	if dc.Principal != nil && !info.AllowsUnauthenticated {
		if err := e.revalidatePrincipal(ctx, dc.Principal); err != nil {
			return nil, err
		}
	}
	if info.AdminOnly && !dc.Principal.IsAdmin() {
		return nil, fault.PermDenied("administrative operation")
	}
	if e.cfg.ReadOnly && !info.ReadOnly {
		return nil, fault.NonReadonlyOperationDenied()
	}
	if e.cfg.UserServicesDisabled && !info.AdminOnly {
		return nil, fault.TemporarilyUnavailable()
	}

	if dc.TargetAccount != nil && !dc.TargetAccount.Active() && !dc.Principal.IsAdmin() {
		return nil, fault.AccountInactive(dc.TargetAccount.Name)
	}

	// route before the delegated-access check: grant data is authoritative
	// on the target's home node, which re-validates on arrival
	if node, forward := e.routeTarget(dc, info); forward {
		return e.proxyOut(ctx, dc, body, node)
	}

	if dc.Delegated && !info.SkipDelegatedCheck {
		if err := e.validateDelegatedAccess(ctx, dc); err != nil {
			return nil, err
		}
		// audit trail for anything executed on someone else's account
		e.log.InfoContext(ctx, "delegated execution",
			"operation", opName,
			"auth_account", dc.AuthAccountID(),
			"target_account", dc.TargetAccountID)
	}

	start := e.now()
	defer func() {
		elapsed := e.now().Sub(start)
		e.met.RequestLatency.WithLabelValues(opName).Observe(elapsed.Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "fault"
		}
		e.met.RequestsTotal.WithLabelValues(opName, outcome).Inc()
		if e.cfg.SlowWarn > 0 && elapsed > e.cfg.SlowWarn && !info.MayBlock {
			e.log.WarnContext(ctx, "slow request",
				"operation", opName, "elapsed", elapsed)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "handler panic",
				"operation", opName, "panic", r)
			respBody, err = nil, fault.Failure(fmt.Errorf("handler panic: %v", r))
			if e.halt != nil {
				e.halt()
			}
		}
	}()

	resp, err := h.Handle(ctx, body, dc)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = envelope.New(envelope.ResponseName(opName))
	}
	return resp, nil
}

// revalidatePrincipal re-checks an authenticated principal at dispatch
// time: the token may have been revoked, or the account disabled, since it
// was issued.
func (e *Engine) revalidatePrincipal(ctx context.Context, p *auth.Principal) error {
	if e.validator != nil {
		if err := e.validator.Validate(ctx, p); err != nil {
			if errors.Is(err, auth.ErrTokenRevoked) {
				return fault.AuthExpired()
			}
			return fault.AuthRequired()
		}
	}
	if p.Guest {
		// guests have no directory account to re-check
		return nil
	}
	acct, err := e.dir.AccountByID(ctx, p.AccountID)
	if err != nil {
		if errors.Is(err, directory.ErrNoSuchAccount) {
			return fault.AuthRequired()
		}
		return fault.Failure(err)
	}
	if !acct.Active() && !p.IsAdmin() {
		return fault.AccountInactive(acct.Name)
	}
	return nil
}

// routeTarget decides whether the operation must run on another node.
func (e *Engine) routeTarget(dc *Context, info HandlerInfo) (string, bool) {
	if dc.TargetNodeID != "" && !e.topo.IsLocal(dc.TargetNodeID) {
		return dc.TargetNodeID, true
	}
	if info.LocalOnly || dc.TargetAccount == nil {
		return "", false
	}
	if home := dc.TargetAccount.HomeNodeID; !e.topo.IsLocal(home) {
		return home, true
	}
	return "", false
}

// validateDelegatedAccess decides whether the authenticated principal may
// operate on the target account. The checks are ordered from cheapest to
// most expensive; the first success wins.
func (e *Engine) validateDelegatedAccess(ctx context.Context, dc *Context) error {
	p := dc.Principal
	target := dc.TargetAccount
	if target == nil {
		return fault.AuthRequired()
	}

	// admin rights on the target account
	if p.IsAdmin() {
		ok, err := e.checker.AdminCanAccess(ctx, p, target)
		if err != nil {
			return fault.Failure(err)
		}
		if ok {
			return nil
		}
	}

	// direct access grants from the target: full login delegation or a
	// send capability
	for _, right := range []string{auth.RightLoginAs, auth.RightSendAs, auth.RightSendOnBehalfOf} {
		ok, err := e.checker.HasRight(ctx, p.AccountID, target.ID, right)
		if err != nil {
			return fault.Failure(err)
		}
		if ok {
			return nil
		}
	}

	// shares published by the target; one forced reload on miss covers a
	// stale cache
	granted, err := e.shareGrants(ctx, p, target, false)
	if err != nil {
		return fault.Failure(err)
	}
	if !granted {
		granted, err = e.shareGrants(ctx, p, target, true)
		if err != nil {
			return fault.Failure(err)
		}
	}
	if granted {
		return nil
	}

	// deny without confirming the account exists, unless the caller is an
	// administrator who could look it up anyway. Either way the error
	// echoes only the key the caller supplied, never the resolved id.
	requested := dc.TargetRequestKey
	if requested == "" {
		requested = dc.TargetAccountID
	}
	if p.IsAdmin() {
		return fault.PermDenied("can not access account " + requested)
	}
	e.log.InfoContext(ctx, "delegated access denied",
		"auth_account", p.AccountID, "target_account", target.ID)
	return fault.DefendAccountHarvest(requested)
}

// shareGrants reports whether any share published by target admits the
// principal.
func (e *Engine) shareGrants(ctx context.Context, p *auth.Principal, target *directory.Account, forceReload bool) (bool, error) {
	shares, err := e.dir.Shares(ctx, target.ID, forceReload)
	if err != nil {
		return false, err
	}

	// the principal's own account record, loaded once when a domain or
	// service-class grant needs it; guests have no record
	var authAcct *directory.Account
	loadAuthAcct := func() (*directory.Account, error) {
		if authAcct != nil {
			return authAcct, nil
		}
		a, err := e.dir.AccountByID(ctx, p.AccountID)
		if err != nil {
			return nil, err
		}
		authAcct = a
		return a, nil
	}

	for _, sh := range shares {
		switch sh.GranteeKind {
		case directory.GranteeUser:
			if sh.GranteeID == p.AccountID {
				return true, nil
			}
		case directory.GranteeGroup:
			ok, err := e.dir.InGroup(ctx, p.AccountID, sh.GranteeID)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		case directory.GranteeDomain:
			a, err := loadAuthAcct()
			if err != nil {
				if errors.Is(err, directory.ErrNoSuchAccount) {
					continue
				}
				return false, err
			}
			if a.DomainID == sh.GranteeID {
				return true, nil
			}
		case directory.GranteeCos:
			a, err := loadAuthAcct()
			if err != nil {
				if errors.Is(err, directory.ErrNoSuchAccount) {
					continue
				}
				return false, err
			}
			if a.ServiceClassID == sh.GranteeID {
				return true, nil
			}
		case directory.GranteeGuest:
			if p.Guest && sh.GranteeID == p.Name {
				return true, nil
			}
		case directory.GranteeKey:
			if p.AccessKey != "" && sh.GranteeID == p.Name {
				return true, nil
			}
		case directory.GranteeAuthUser:
			if !p.Guest {
				return true, nil
			}
		case directory.GranteePublic:
			return true, nil
		}
	}
	return false, nil
}

// proxyOut forwards the body to the target node. A target that resolves to
// this node is re-dispatched in process with the credential reset instead of
// going over the wire.
func (e *Engine) proxyOut(ctx context.Context, dc *Context, body *envelope.Element, nodeID string) (*envelope.Element, error) {
	if dc.HopCount >= MaxHopCount {
		return nil, fault.TooManyHops(dc.TargetAccountID)
	}
	if e.remote == nil {
		return nil, fault.TemporarilyUnavailable()
	}

	if dc.ProxyCredential() == "" && e.signer != nil && dc.Principal != nil {
		cred, err := e.signer.Mint(dc.Principal)
		if err != nil {
			return nil, fault.Failure(err)
		}
		dc.SetProxyCredential(cred)
	}

	hdr := dc.HopHeader(e.topo.LocalID)
	body.Detach()
	out, err := envelope.NewEnvelope(hdr, body)
	if err != nil {
		return nil, fault.Failure(err)
	}

	e.log.DebugContext(ctx, "proxying request",
		"operation", body.Name(), "node", nodeID, "hops", dc.HopCount+1)

	start := e.now()
	resp, err := e.remote.Call(ctx, nodeID, out)
	e.met.ProxyLatency.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		e.met.ProxiedTotal.WithLabelValues(nodeID, "error").Inc()
		return nil, err
	}
	e.met.ProxiedTotal.WithLabelValues(nodeID, "ok").Inc()

	e.foldRemoteHeader(ctx, dc, resp.Header)

	respBody := resp.Body
	respBody.Detach()
	if fault.IsFaultElement(respBody) {
		// the remote fault passes through to the client untouched
		return nil, fault.Decode(respBody)
	}
	return respBody, nil
}

// foldRemoteHeader merges session notification state from a proxied
// response into the local stand-in session, so long-polls parked here see
// changes that happened on the home node.
func (e *Engine) foldRemoteHeader(ctx context.Context, dc *Context, hdr *envelope.Element) {
	if hdr == nil {
		return
	}
	sessEl := hdr.Child(envelope.ElemSession)
	if sessEl == nil {
		return
	}
	id := sessEl.Attr(envelope.AttrSessionID, "")
	if id == "" {
		id = sessEl.Text()
	}
	if id == "" || dc.TargetAccountID == "" {
		return
	}

	local := e.sessions.GetOrCreateRemote(ctx, id, dc.TargetAccountID, dc.TargetAccount.HomeNodeID)
	dc.attachSession(local)
	dc.Session.Want = true
	dc.Session.ID = id

	for _, notif := range hdr.Children() {
		if notif.Name() != envelope.ElemNotify {
			continue
		}
		seq := notif.AttrInt(envelope.AttrSequence, 0)
		local.FoldRemote(uint64(seq), notif.Clone())
	}
}

// dispatchBatch runs each child of a batch body as its own operation,
// honoring the onerror policy. Sub-request correlation ids are echoed on
// the matching response or fault entries.
func (e *Engine) dispatchBatch(ctx context.Context, dc *Context, batch *envelope.Element) *envelope.Element {
	onError := batch.Attr(envelope.AttrOnError, envelope.OnErrorContinue)
	respBatch := envelope.New(envelope.BatchResponseName)
	if onError != envelope.OnErrorContinue && onError != envelope.OnErrorStop {
		f := fault.InvalidRequest("unknown onerror policy: " + onError)
		e.met.FaultsTotal.WithLabelValues(f.Code).Inc()
		respBatch.Attach(f.Encode())
		return respBatch
	}

	subs := batch.Children()
	e.met.BatchSizes.Observe(float64(len(subs)))

	for _, sub := range subs {
		corr := sub.Attr(envelope.AttrCorrelationID, "")

		// each sub-request arms its own forwarding credential
		dc.ResetProxyCredential()
		e.met.BatchSubTotal.Inc()

		result, err := e.dispatchOne(ctx, dc, sub)
		if err != nil {
			fe := fault.Of(err)
			e.met.FaultsTotal.WithLabelValues(fe.Code).Inc()
			fel := fe.Encode()
			if corr != "" {
				fel.SetAttr(envelope.AttrCorrelationID, corr)
			}
			respBatch.Attach(fel)
			if onError == envelope.OnErrorStop {
				break
			}
			continue
		}
		result.Detach()
		if corr != "" {
			result.SetAttr(envelope.AttrCorrelationID, corr)
		}
		respBatch.Attach(result)
	}
	return respBatch
}

// attachSession resolves or creates the session named by the header
// directive. An id homed on another node attaches as a remote stand-in; a
// truly unknown id yields a fresh session, and the client learns the
// replacement id from the response header.
func (e *Engine) attachSession(ctx context.Context, dc *Context) {
	if !dc.Session.Want || dc.Principal == nil {
		return
	}
	if dc.Session.Type == session.TypeAdmin && !dc.Principal.IsAdmin() {
		return
	}

	accountID := dc.Principal.AccountID
	var s *session.Session
	if dc.Session.ID != "" {
		if found, ok := e.sessions.Find(ctx, dc.Session.ID, accountID); ok {
			s = found
		}
	}
	if s == nil {
		s = e.sessions.Create(ctx, accountID, dc.Session.Type, !dc.Session.NoNotify)
		e.met.SessionsCreated.Inc()
	}
	s.Touch(e.now())
	if dc.Session.SeqPresent {
		s.Acknowledge(dc.Session.Seq)
	}
	dc.attachSession(s)
	e.met.SessionsActive.Set(float64(e.sessions.Len()))
}

// assembleResponse wraps the body with a header echoing the request id and
// carrying the session's current notification state.
func (e *Engine) assembleResponse(ctx context.Context, dc *Context, body *envelope.Element) *envelope.Envelope {
	hdr := envelope.New(envelope.ElemContext)
	hdr.NewChild(envelope.ElemRequestID).SetText(dc.RequestID)

	if s := dc.ActiveSession(); s != nil {
		sessEl := hdr.NewChild(envelope.ElemSession)
		sessEl.SetAttr(envelope.AttrSessionID, s.ID())
		sessEl.SetText(s.ID())
		if s.Kind() != session.TypeInteractive {
			sessEl.SetAttr(envelope.AttrSessionType, string(s.Kind()))
		}

		if s.NotifyEnabled() {
			lastSeq := int64(0)
			if dc.Session.SeqPresent {
				lastSeq = dc.Session.Seq
			}
			hadUnsent := s.HasUnsent()
			notifs := s.Drain()
			if hadUnsent && len(notifs) == 0 {
				e.met.QueueOverflows.Inc()
			}
			for _, n := range notifs {
				payload := n.Payload.Clone()
				payload.SetAttr(envelope.AttrSequence, strconv.FormatUint(n.Seq, 10))
				// drained payloads are unparented clones; Attach cannot fail
				_ = hdr.Attach(payload)
			}
			if s.RequiresRefresh(lastSeq, e.cfg.RefreshStaleness, e.now()) {
				hdr.NewChild(envelope.ElemRefresh)
				s.MarkRefreshed(e.now())
			}
		}
	}

	env, err := envelope.NewEnvelope(hdr, body)
	if err != nil {
		// body was still parented somewhere; this is an engine bug
		e.log.ErrorContext(ctx, "response assembly failed", "error", err)
		env, _ = envelope.NewEnvelope(nil, fault.Failure(err).Encode())
	}
	return env
}

// SweepSessions collects idle sessions and updates the session gauges.
// Intended to run on a timer from the process entry point.
func (e *Engine) SweepSessions(ctx context.Context) {
	if n := e.sessions.SweepIdle(ctx); n > 0 {
		e.met.SessionsExpired.Add(float64(n))
	}
	e.met.SessionsActive.Set(float64(e.sessions.Len()))
}
