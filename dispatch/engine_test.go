package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harbormail/dispatch/auth"
	"github.com/harbormail/dispatch/cluster"
	"github.com/harbormail/dispatch/directory"
	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
	"github.com/harbormail/dispatch/session"
)

type fakeTokens map[string]*auth.Principal

func (f fakeTokens) Authenticate(ctx context.Context, raw string) (*auth.Principal, error) {
	if raw == "tok-expired" {
		return nil, auth.ErrTokenExpired
	}
	p, ok := f[raw]
	if !ok {
		return nil, auth.ErrTokenMalformed
	}
	cp := *p
	cp.Raw = raw
	return &cp, nil
}

type remoteCall struct {
	nodeID string
	env    *envelope.Envelope
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	respond func(nodeID string, env *envelope.Envelope) (*envelope.Envelope, error)
}

func (f *fakeRemote) Call(ctx context.Context, nodeID string, env *envelope.Envelope) (*envelope.Envelope, error) {
	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{nodeID: nodeID, env: env})
	f.mu.Unlock()
	if f.respond == nil {
		resp, _ := envelope.NewEnvelope(nil, envelope.New("PingResponse"))
		return resp, nil
	}
	return f.respond(nodeID, env)
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePresence struct {
	mu    sync.Mutex
	homes map[string]string // accountID:sessionID -> node
}

func (p *fakePresence) set(accountID, sessionID, nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.homes[accountID+":"+sessionID] = nodeID
}

func (p *fakePresence) Announce(ctx context.Context, accountID, sessionID, nodeID string) error {
	p.set(accountID, sessionID, nodeID)
	return nil
}

func (p *fakePresence) Refresh(ctx context.Context, accountID, sessionID string) error { return nil }

func (p *fakePresence) Remove(ctx context.Context, accountID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.homes, accountID+":"+sessionID)
	return nil
}

func (p *fakePresence) Lookup(ctx context.Context, accountID, sessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.homes[accountID+":"+sessionID], nil
}

type testRig struct {
	engine   *Engine
	registry *Registry
	dir      *directory.Memory
	checker  *auth.MemoryChecker
	remote   *fakeRemote
	sessions *session.Manager
	presence *fakePresence
}

func newRig(t *testing.T, cfg Config, opts ...EngineOption) *testRig {
	t.Helper()

	dir := directory.NewMemory()
	dir.AddAccount(&directory.Account{ID: "u1", Name: "user1@example.com", HomeNodeID: "node-1"})
	dir.AddAccount(&directory.Account{ID: "u2", Name: "user2@example.com", HomeNodeID: "node-1"})
	dir.AddAccount(&directory.Account{ID: "r1", Name: "remote1@example.com", HomeNodeID: "node-2"})
	dir.AddAccount(&directory.Account{ID: "adm", Name: "admin@example.com", HomeNodeID: "node-1"})

	topo, err := cluster.Parse([]byte(
		"localId: node-1\nnodes:\n  - id: node-1\n  - id: node-2\n    serviceUrl: http://node-2/svc\n"))
	if err != nil {
		t.Fatalf("topology: %v", err)
	}

	tokens := fakeTokens{
		"tok-u1":    {AccountID: "u1", Name: "user1@example.com"},
		"tok-u2":    {AccountID: "u2", Name: "user2@example.com"},
		"tok-admin": {AccountID: "adm", Name: "admin@example.com", Admin: true},
	}

	signer := auth.NewProxySigner(0)
	if err := signer.GenerateKey("test"); err != nil {
		t.Fatalf("signer: %v", err)
	}

	checker := auth.NewMemoryChecker()
	presence := &fakePresence{homes: make(map[string]string)}
	sessions := session.NewManager("node-1", session.WithPresence(presence))
	registry := NewRegistry(nil)
	remote := &fakeRemote{}

	engineOpts := append([]EngineOption{
		WithRemoteCaller(remote),
		WithProxySigner(signer),
	}, opts...)
	engine := NewEngine(cfg, NewContextBuilder(tokens, signer, dir), registry, topo, sessions, dir, checker,
		engineOpts...)

	registry.Register(HandlerFunc{
		Meta: HandlerInfo{Name: "PingRequest", ReadOnly: true},
		Fn: func(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error) {
			return envelope.New("PingResponse"), nil
		},
	})
	registry.Register(HandlerFunc{
		Meta: HandlerInfo{Name: "DenyRequest"},
		Fn: func(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error) {
			return nil, fault.PermDenied("always denied")
		},
	})

	return &testRig{engine: engine, registry: registry, dir: dir, checker: checker, remote: remote, sessions: sessions, presence: presence}
}

func header(token string, mutate func(*envelope.Element)) *envelope.Element {
	hdr := envelope.New(envelope.ElemContext)
	if token != "" {
		hdr.NewChild(envelope.ElemAuthToken).SetText(token)
	}
	if mutate != nil {
		mutate(hdr)
	}
	return hdr
}

func targetAccount(hdr *envelope.Element, id string) {
	acct := hdr.NewChild(envelope.ElemAccount)
	acct.SetAttr(envelope.AttrBy, envelope.ByID)
	acct.SetText(id)
}

func targetAccountByName(hdr *envelope.Element, name string) {
	acct := hdr.NewChild(envelope.ElemAccount)
	acct.SetAttr(envelope.AttrBy, envelope.ByName)
	acct.SetText(name)
}

func (r *testRig) dispatch(t *testing.T, hdr, body *envelope.Element) *envelope.Envelope {
	t.Helper()
	env, err := envelope.NewEnvelope(hdr, body)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return r.engine.Dispatch(context.Background(), env, TransportInfo{RemoteAddr: "127.0.0.1"})
}

func faultCode(env *envelope.Envelope) string {
	if env.Body == nil || !fault.IsFaultElement(env.Body) {
		return ""
	}
	return fault.Decode(env.Body).Code
}

func TestUnknownOperationFaults(t *testing.T) {
	rig := newRig(t, Config{})
	resp := rig.dispatch(t, header("tok-u1", nil), envelope.New("BogusRequest"))
	if got := faultCode(resp); got != fault.CodeUnknownRequest {
		t.Fatalf("code = %q, want %q", got, fault.CodeUnknownRequest)
	}
}

func TestUnauthenticatedRequestFaults(t *testing.T) {
	rig := newRig(t, Config{})
	resp := rig.dispatch(t, header("", nil), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeAuthRequired {
		t.Fatalf("code = %q, want %q", got, fault.CodeAuthRequired)
	}
}

func TestDelegatedDenialIsHarvestSafe(t *testing.T) {
	rig := newRig(t, Config{})

	// existing account, no grants: same denial as a nonexistent account
	resp := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccount(h, "u2")
	}), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeDefendHarvest {
		t.Fatalf("existing target: code = %q, want %q", got, fault.CodeDefendHarvest)
	}

	resp = rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccount(h, "no-such-id")
	}), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeDefendHarvest {
		t.Fatalf("missing target: code = %q, want %q", got, fault.CodeDefendHarvest)
	}
}

func TestDenialEchoesOnlyRequestedKey(t *testing.T) {
	rig := newRig(t, Config{})

	// target by name so the resolved id differs from the lookup key; the
	// denial must echo the key, never the id, or callers could tell an
	// existing account apart from a missing one
	denied := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccountByName(h, "user2@example.com")
	}), envelope.New("PingRequest"))
	missing := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccountByName(h, "nobody@example.com")
	}), envelope.New("PingRequest"))

	fd, fm := fault.Decode(denied.Body), fault.Decode(missing.Body)
	if fd == nil || fm == nil || fd.Code != fault.CodeDefendHarvest || fm.Code != fault.CodeDefendHarvest {
		t.Fatalf("faults = %+v / %+v, want two %s", fd, fm, fault.CodeDefendHarvest)
	}
	if got := fd.Args[fault.ArgRequested]; got != "user2@example.com" {
		t.Fatalf("requested arg = %q, want the caller-supplied name", got)
	}
	deniedShape := strings.ReplaceAll(fd.Message, "user2@example.com", "?")
	missingShape := strings.ReplaceAll(fm.Message, "nobody@example.com", "?")
	if deniedShape != missingShape {
		t.Fatalf("denials distinguishable:\n exists:  %q\n missing: %q", fd.Message, fm.Message)
	}
}

func TestAdminSeesRealDenials(t *testing.T) {
	rig := newRig(t, Config{})
	rig.checker.AdminAll = false

	resp := rig.dispatch(t, header("tok-admin", func(h *envelope.Element) {
		targetAccount(h, "no-such-id")
	}), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeNoSuchAccount {
		t.Fatalf("missing target: code = %q, want %q", got, fault.CodeNoSuchAccount)
	}

	resp = rig.dispatch(t, header("tok-admin", func(h *envelope.Element) {
		targetAccount(h, "u2")
	}), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodePermDenied {
		t.Fatalf("rights-less admin: code = %q, want %q", got, fault.CodePermDenied)
	}
}

func TestShareGrantAllowsDelegatedAccess(t *testing.T) {
	rig := newRig(t, Config{})
	rig.dir.SetShares("u2", []directory.Share{
		{GranteeKind: directory.GranteeUser, GranteeID: "u1"},
	})

	resp := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccount(h, "u2")
	}), envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("body = %s, fault = %s", resp.Body.Name(), faultCode(resp))
	}
	if n := rig.dir.ReloadCount("u2"); n != 0 {
		t.Fatalf("no forced reload expected on hit, got %d", n)
	}
}

func TestLoginAsRightAllowsDelegatedAccess(t *testing.T) {
	rig := newRig(t, Config{})
	rig.checker.Grant("u1", "u2", auth.RightLoginAs)

	resp := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccount(h, "u2")
	}), envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("body = %s, fault = %s", resp.Body.Name(), faultCode(resp))
	}
	if n := rig.dir.ReloadCount("u2"); n != 0 {
		t.Fatalf("direct grant must admit before any share scan, reloads = %d", n)
	}
}

func TestSendRightsAllowDelegatedAccess(t *testing.T) {
	for _, right := range []string{auth.RightSendAs, auth.RightSendOnBehalfOf} {
		rig := newRig(t, Config{})
		rig.checker.Grant("u1", "u2", right)

		resp := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
			targetAccount(h, "u2")
		}), envelope.New("PingRequest"))
		if resp.Body.Name() != "PingResponse" {
			t.Fatalf("%s: body = %s, fault = %s", right, resp.Body.Name(), faultCode(resp))
		}
	}
}

func TestRevokedPrincipalFaultsExpired(t *testing.T) {
	revoked := auth.NewRevocationList()
	rig := newRig(t, Config{}, WithValidator(revoked))

	resp := rig.dispatch(t, header("tok-u1", nil), envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("before revocation: body = %s, fault = %s", resp.Body.Name(), faultCode(resp))
	}

	revoked.RevokeAccount("u1")
	resp = rig.dispatch(t, header("tok-u1", nil), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeAuthExpired {
		t.Fatalf("after revocation: code = %q, want %q", got, fault.CodeAuthExpired)
	}
}

func TestDeactivatedAuthAccountFaults(t *testing.T) {
	rig := newRig(t, Config{})
	rig.dir.AddAccount(&directory.Account{
		ID: "u1", Name: "user1@example.com", HomeNodeID: "node-1",
		Status: directory.StatusMaintenance,
	})

	resp := rig.dispatch(t, header("tok-u1", nil), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeAccountInactive {
		t.Fatalf("code = %q, want %q", got, fault.CodeAccountInactive)
	}
}

func TestUnverifiableTokenFaultsAuthFailed(t *testing.T) {
	rig := newRig(t, Config{})

	resp := rig.dispatch(t, header("tok-forged", nil), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeAuthFailed {
		t.Fatalf("code = %q, want %q", got, fault.CodeAuthFailed)
	}
}

func TestHandlerPanicBecomesFaultAndHalts(t *testing.T) {
	halted := false
	rig := newRig(t, Config{}, WithHalt(func() { halted = true }))
	rig.registry.Register(HandlerFunc{
		Meta: HandlerInfo{Name: "BoomRequest"},
		Fn: func(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error) {
			panic("out of memory")
		},
	})

	resp := rig.dispatch(t, header("tok-u1", nil), envelope.New("BoomRequest"))
	if got := faultCode(resp); got != fault.CodeFailure {
		t.Fatalf("code = %q, want %q", got, fault.CodeFailure)
	}
	if !halted {
		t.Fatal("halt hook not invoked on handler panic")
	}
}

func TestShareMissTriggersOneForcedReload(t *testing.T) {
	rig := newRig(t, Config{})

	rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccount(h, "u2")
	}), envelope.New("PingRequest"))

	if n := rig.dir.ReloadCount("u2"); n != 1 {
		t.Fatalf("forced reloads = %d, want 1", n)
	}
}

func TestProxyToHomeNode(t *testing.T) {
	rig := newRig(t, Config{})

	resp := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccount(h, "r1")
	}), envelope.New("PingRequest"))

	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("body = %s, fault = %s", resp.Body.Name(), faultCode(resp))
	}
	if rig.remote.callCount() != 1 {
		t.Fatalf("remote calls = %d, want 1", rig.remote.callCount())
	}

	call := rig.remote.calls[0]
	if call.nodeID != "node-2" {
		t.Fatalf("forwarded to %s, want node-2", call.nodeID)
	}
	if hops := call.env.Header.AttrInt(envelope.AttrHopCount, -1); hops != 1 {
		t.Fatalf("hop count on wire = %d, want 1", hops)
	}
	cred := call.env.Header.Child(envelope.ElemAuthToken).Text()
	if cred == "" || cred == "tok-u1" {
		t.Fatalf("expected minted proxy credential, got %q", cred)
	}
	if call.env.Body.Name() != "PingRequest" {
		t.Fatalf("forwarded body = %s", call.env.Body.Name())
	}
}

func TestHopLimitStopsForwarding(t *testing.T) {
	rig := newRig(t, Config{})

	// over the limit: refused at parse time
	resp := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		h.SetAttr(envelope.AttrHopCount, "6")
		targetAccount(h, "r1")
	}), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeTooManyHops {
		t.Fatalf("code = %q, want %q", got, fault.CodeTooManyHops)
	}

	// at the limit: refused before another hop is taken
	resp = rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		h.SetAttr(envelope.AttrHopCount, "5")
		targetAccount(h, "r1")
	}), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeTooManyHops {
		t.Fatalf("code = %q, want %q", got, fault.CodeTooManyHops)
	}
	if rig.remote.callCount() != 0 {
		t.Fatalf("remote called %d times, want 0", rig.remote.callCount())
	}
}

func TestRemoteFaultPassesThrough(t *testing.T) {
	rig := newRig(t, Config{})
	rig.remote.respond = func(nodeID string, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.NewEnvelope(nil, fault.NoSuchItem("folder 12").Encode())
	}

	resp := rig.dispatch(t, header("tok-u1", func(h *envelope.Element) {
		targetAccount(h, "r1")
	}), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeNoSuchItem {
		t.Fatalf("code = %q, want %q", got, fault.CodeNoSuchItem)
	}
}

func TestLocalAccountNeverHitsNetwork(t *testing.T) {
	rig := newRig(t, Config{})

	resp := rig.dispatch(t, header("tok-u1", nil), envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("body = %s", resp.Body.Name())
	}
	if rig.remote.callCount() != 0 {
		t.Fatalf("remote calls = %d, want 0", rig.remote.callCount())
	}
}

func batchBody(onError string, subs ...*envelope.Element) *envelope.Element {
	b := envelope.New(envelope.BatchRequestName)
	if onError != "" {
		b.SetAttr(envelope.AttrOnError, onError)
	}
	for _, sub := range subs {
		_ = b.Attach(sub)
	}
	return b
}

func TestBatchContinueRunsEverySubRequest(t *testing.T) {
	rig := newRig(t, Config{})

	resp := rig.dispatch(t, header("tok-u1", nil), batchBody(envelope.OnErrorContinue,
		envelope.New("PingRequest").SetAttr(envelope.AttrCorrelationID, "a"),
		envelope.New("DenyRequest").SetAttr(envelope.AttrCorrelationID, "b"),
		envelope.New("PingRequest").SetAttr(envelope.AttrCorrelationID, "c"),
	))

	if resp.Body.Name() != envelope.BatchResponseName {
		t.Fatalf("body = %s", resp.Body.Name())
	}
	children := resp.Body.Children()
	if len(children) != 3 {
		t.Fatalf("entries = %d, want 3", len(children))
	}
	if !fault.IsFaultElement(children[1]) {
		t.Fatal("second entry should be a fault")
	}
	if got := children[1].Attr(envelope.AttrCorrelationID, ""); got != "b" {
		t.Fatalf("fault correlation id = %q, want b", got)
	}
	if got := children[2].Attr(envelope.AttrCorrelationID, ""); got != "c" {
		t.Fatalf("third correlation id = %q, want c", got)
	}
}

func TestBatchStopHaltsOnFirstFault(t *testing.T) {
	rig := newRig(t, Config{})

	resp := rig.dispatch(t, header("tok-u1", nil), batchBody(envelope.OnErrorStop,
		envelope.New("PingRequest"),
		envelope.New("DenyRequest"),
		envelope.New("PingRequest"),
	))

	children := resp.Body.Children()
	if len(children) != 2 {
		t.Fatalf("entries = %d, want 2", len(children))
	}
	if !fault.IsFaultElement(children[1]) {
		t.Fatal("second entry should be a fault")
	}
}

func wantSession(hdr *envelope.Element) {
	hdr.NewChild(envelope.ElemSession)
}

func continueSession(id string, seq int64, withSeq bool) func(*envelope.Element) {
	return func(hdr *envelope.Element) {
		sess := hdr.NewChild(envelope.ElemSession)
		sess.SetAttr(envelope.AttrSessionID, id)
		if withSeq {
			sess.SetAttrInt(envelope.AttrSequence, int(seq))
		}
	}
}

func TestSessionNotificationRoundTrip(t *testing.T) {
	rig := newRig(t, Config{})

	resp := rig.dispatch(t, header("tok-u1", wantSession), envelope.New("PingRequest"))
	sessEl := resp.Header.Child(envelope.ElemSession)
	if sessEl == nil {
		t.Fatal("no session in response header")
	}
	id := sessEl.Attr(envelope.AttrSessionID, "")
	if id == "" {
		t.Fatal("empty session id")
	}

	rig.engine.Publish(context.Background(), "u1", envelope.New("mod").SetAttr("id", "41"))

	resp = rig.dispatch(t, header("tok-u1", continueSession(id, 0, false)), envelope.New("PingRequest"))
	var notify *envelope.Element
	for _, el := range resp.Header.Children() {
		if el.Name() == envelope.ElemNotify {
			notify = el
		}
	}
	if notify == nil {
		t.Fatal("published change not delivered")
	}
	if notify.AttrInt(envelope.AttrSequence, 0) != 1 {
		t.Fatalf("seq = %s", notify.Attr(envelope.AttrSequence, ""))
	}

	// ack retires the block; nothing new to deliver
	resp = rig.dispatch(t, header("tok-u1", continueSession(id, 1, true)), envelope.New("PingRequest"))
	for _, el := range resp.Header.Children() {
		if el.Name() == envelope.ElemNotify {
			t.Fatal("acknowledged block re-delivered")
		}
	}
}

func TestSessionHomedElsewhereAttachesStandIn(t *testing.T) {
	rig := newRig(t, Config{})
	rig.presence.set("u1", "sess-far", "node-2")

	resp := rig.dispatch(t, header("tok-u1", continueSession("sess-far", 0, false)), envelope.New("PingRequest"))
	sessEl := resp.Header.Child(envelope.ElemSession)
	if sessEl == nil {
		t.Fatal("no session in response header")
	}
	if got := sessEl.Attr(envelope.AttrSessionID, ""); got != "sess-far" {
		t.Fatalf("session id = %q, want the presented id preserved", got)
	}
	s, ok := rig.sessions.Get("sess-far", "u1")
	if !ok {
		t.Fatal("stand-in not registered locally")
	}
	if !s.Remote() || s.OriginNode() != "node-2" {
		t.Fatalf("remote = %v, origin = %q, want stand-in for node-2", s.Remote(), s.OriginNode())
	}
}

func TestNoOpWaitWakesOnPublish(t *testing.T) {
	rig := newRig(t, Config{DefaultWait: 5 * time.Second})
	rig.engine.RegisterBuiltins()

	resp := rig.dispatch(t, header("tok-u1", wantSession), envelope.New("PingRequest"))
	id := resp.Header.Child(envelope.ElemSession).Attr(envelope.AttrSessionID, "")

	go func() {
		time.Sleep(50 * time.Millisecond)
		rig.engine.Publish(context.Background(), "u1", envelope.New("mod").SetAttr("id", "7"))
	}()

	start := time.Now()
	body := envelope.New(NoOpRequestName)
	body.SetAttrBool(attrWait, true)
	resp = rig.dispatch(t, header("tok-u1", continueSession(id, 0, false)), body)

	if resp.Body.Name() != "NoOpResponse" {
		t.Fatalf("body = %s, fault = %s", resp.Body.Name(), faultCode(resp))
	}
	if time.Since(start) >= 5*time.Second {
		t.Fatal("wait ran to timeout despite published data")
	}
	found := false
	for _, el := range resp.Header.Children() {
		if el.Name() == envelope.ElemNotify {
			found = true
		}
	}
	if !found {
		t.Fatal("woken wait did not carry the notification")
	}
}

func TestNoOpWaitTimesOutQuietly(t *testing.T) {
	rig := newRig(t, Config{DefaultWait: 50 * time.Millisecond, MinWait: 10 * time.Millisecond, MaxWait: time.Second})
	rig.engine.RegisterBuiltins()

	resp := rig.dispatch(t, header("tok-u1", wantSession), envelope.New("PingRequest"))
	id := resp.Header.Child(envelope.ElemSession).Attr(envelope.AttrSessionID, "")

	body := envelope.New(NoOpRequestName)
	body.SetAttrBool(attrWait, true)
	resp = rig.dispatch(t, header("tok-u1", continueSession(id, 0, false)), body)

	if resp.Body.Name() != "NoOpResponse" {
		t.Fatalf("body = %s, fault = %s", resp.Body.Name(), faultCode(resp))
	}
	for _, el := range resp.Header.Children() {
		if el.Name() == envelope.ElemNotify {
			t.Fatal("timeout wait should carry no notifications")
		}
	}
}

func TestEndSessionRemovesSession(t *testing.T) {
	rig := newRig(t, Config{})
	rig.engine.RegisterBuiltins()

	resp := rig.dispatch(t, header("tok-u1", wantSession), envelope.New("PingRequest"))
	id := resp.Header.Child(envelope.ElemSession).Attr(envelope.AttrSessionID, "")

	rig.dispatch(t, header("tok-u1", continueSession(id, 0, false)), envelope.New(EndSessionRequestName))
	if _, ok := rig.sessions.Get(id, "u1"); ok {
		t.Fatal("session survived EndSession")
	}
}

func TestReadOnlyModeRejectsMutations(t *testing.T) {
	rig := newRig(t, Config{ReadOnly: true})

	// DenyRequest is not marked read-only; refused before the handler runs
	resp := rig.dispatch(t, header("tok-u1", nil), envelope.New("DenyRequest"))
	if got := faultCode(resp); got != fault.CodeNotReadOnly {
		t.Fatalf("code = %q, want %q", got, fault.CodeNotReadOnly)
	}

	resp = rig.dispatch(t, header("tok-u1", nil), envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("read-only op refused: %s", faultCode(resp))
	}
}

func TestUserServicesDisabledAllowsAdminOnly(t *testing.T) {
	rig := newRig(t, Config{UserServicesDisabled: true})
	rig.registry.Register(HandlerFunc{
		Meta: HandlerInfo{Name: "AdminPingRequest", AdminOnly: true, ReadOnly: true},
		Fn: func(ctx context.Context, req *envelope.Element, dc *Context) (*envelope.Element, error) {
			return envelope.New("AdminPingResponse"), nil
		},
	})

	resp := rig.dispatch(t, header("tok-u1", nil), envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeUnavailable {
		t.Fatalf("code = %q, want %q", got, fault.CodeUnavailable)
	}

	resp = rig.dispatch(t, header("tok-admin", nil), envelope.New("AdminPingRequest"))
	if resp.Body.Name() != "AdminPingResponse" {
		t.Fatalf("admin op refused: %s", faultCode(resp))
	}
}

func TestCookieCredentialRequiresCSRFToken(t *testing.T) {
	rig := newRig(t, Config{})
	guard := auth.NewCSRFGuard([]byte("test-secret"))
	WithCSRFGuard(guard)(rig.engine)

	fromCookie := TransportInfo{RemoteAddr: "127.0.0.1", CredentialFromCookie: true}

	env, err := envelope.NewEnvelope(header("tok-u1", nil), envelope.New("PingRequest"))
	if err != nil {
		t.Fatal(err)
	}
	resp := rig.engine.Dispatch(context.Background(), env, fromCookie)
	if got := faultCode(resp); got != fault.CodeAuthRequired {
		t.Fatalf("missing csrf token: code = %q, want %q", got, fault.CodeAuthRequired)
	}

	hdr := header("tok-u1", nil)
	hdr.NewChild(envelope.ElemCSRFToken).SetText(guard.Mint(&auth.Principal{AccountID: "u1"}))
	env, err = envelope.NewEnvelope(hdr, envelope.New("PingRequest"))
	if err != nil {
		t.Fatal(err)
	}
	resp = rig.engine.Dispatch(context.Background(), env, fromCookie)
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("valid csrf token refused: %s", faultCode(resp))
	}

	// header-carried credentials never need a csrf token
	resp = rig.dispatch(t, header("tok-u1", nil), envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("header credential refused: %s", faultCode(resp))
	}
}

func TestDomainAndCosShareGrants(t *testing.T) {
	rig := newRig(t, Config{})
	rig.dir.AddAccount(&directory.Account{
		ID: "u1", Name: "user1@example.com", HomeNodeID: "node-1",
		DomainID: "dom-1", ServiceClassID: "cos-1",
	})

	// whole-domain grant admits u1
	rig.dir.SetShares("u2", []directory.Share{
		{GranteeKind: directory.GranteeDomain, GranteeID: "dom-1"},
	})
	hdr := header("tok-u1", func(h *envelope.Element) { targetAccount(h, "u2") })
	resp := rig.dispatch(t, hdr, envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("domain grant refused: %s", faultCode(resp))
	}

	// service-class grant admits u1 too
	rig.dir.SetShares("u2", []directory.Share{
		{GranteeKind: directory.GranteeCos, GranteeID: "cos-1"},
	})
	hdr = header("tok-u1", func(h *envelope.Element) { targetAccount(h, "u2") })
	resp = rig.dispatch(t, hdr, envelope.New("PingRequest"))
	if resp.Body.Name() != "PingResponse" {
		t.Fatalf("cos grant refused: %s", faultCode(resp))
	}

	// a grant for a different domain does not
	rig.dir.SetShares("u2", []directory.Share{
		{GranteeKind: directory.GranteeDomain, GranteeID: "dom-other"},
	})
	hdr = header("tok-u1", func(h *envelope.Element) { targetAccount(h, "u2") })
	resp = rig.dispatch(t, hdr, envelope.New("PingRequest"))
	if got := faultCode(resp); got != fault.CodeDefendHarvest {
		t.Fatalf("code = %q, want %q", got, fault.CodeDefendHarvest)
	}
}
