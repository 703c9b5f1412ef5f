package dispatch

import (
	"context"
	"testing"

	"github.com/harbormail/dispatch/auth"
	"github.com/harbormail/dispatch/directory"
	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
	"github.com/harbormail/dispatch/session"
)

func newBuilder(t *testing.T) (*ContextBuilder, *directory.Memory) {
	t.Helper()
	dir := directory.NewMemory()
	dir.AddAccount(&directory.Account{ID: "u1", Name: "user1@example.com"})
	tokens := fakeTokens{
		"tok-u1": {AccountID: "u1", Name: "user1@example.com"},
	}
	return NewContextBuilder(tokens, nil, dir), dir
}

func build(t *testing.T, b *ContextBuilder, hdr *envelope.Element) (*Context, error) {
	t.Helper()
	return b.Build(context.Background(), hdr, TransportInfo{RemoteAddr: "10.0.0.9"})
}

func TestBuildAnonymousWithoutToken(t *testing.T) {
	b, _ := newBuilder(t)
	dc, err := build(t, b, header("", nil))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dc.Principal != nil {
		t.Fatal("expected anonymous context")
	}
	if dc.RequestID == "" {
		t.Fatal("request id not assigned")
	}
	if dc.RemoteAddr != "10.0.0.9" {
		t.Fatalf("remote addr = %s", dc.RemoteAddr)
	}
}

func TestBuildExpiredToken(t *testing.T) {
	b, _ := newBuilder(t)

	_, err := build(t, b, header("tok-expired", nil))
	if !fault.IsCode(err, fault.CodeAuthExpired) {
		t.Fatalf("expected AUTH_EXPIRED, got %v", err)
	}

	// voidOnExpired downgrades the expired token to anonymous
	dc, err := build(t, b, header("tok-expired", func(h *envelope.Element) {
		h.NewChild(envelope.ElemAuthTokenControl).SetAttrBool(envelope.AttrVoidOnExpired, true)
	}))
	if err != nil {
		t.Fatalf("build with voidOnExpired: %v", err)
	}
	if dc.Principal != nil {
		t.Fatal("expired token should yield anonymous context")
	}
}

func TestBuildSessionDirective(t *testing.T) {
	b, _ := newBuilder(t)

	dc, err := build(t, b, header("tok-u1", func(h *envelope.Element) {
		sess := h.NewChild(envelope.ElemSession)
		sess.SetAttr(envelope.AttrSessionID, "s-9")
		sess.SetAttrInt(envelope.AttrSequence, 4)
		sess.SetAttr(envelope.AttrSessionType, envelope.SessionTypeAdmin)
	}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sd := dc.Session
	if !sd.Want || sd.ID != "s-9" || sd.Seq != 4 || !sd.SeqPresent || sd.Type != session.TypeAdmin {
		t.Fatalf("directive = %+v", sd)
	}

	dc, err = build(t, b, header("tok-u1", func(h *envelope.Element) {
		h.NewChild(envelope.ElemNoSession)
	}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dc.Session.Want {
		t.Fatal("nosession directive ignored")
	}
}

func TestBuildResolvesOwnAccountByDefault(t *testing.T) {
	b, _ := newBuilder(t)
	dc, err := build(t, b, header("tok-u1", nil))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dc.TargetAccountID != "u1" || dc.Delegated {
		t.Fatalf("target = %s delegated = %v", dc.TargetAccountID, dc.Delegated)
	}
}

func TestBuildResolvesTargetByName(t *testing.T) {
	b, dir := newBuilder(t)
	dir.AddAccount(&directory.Account{ID: "u2", Name: "user2@example.com"})

	dc, err := build(t, b, header("tok-u1", func(h *envelope.Element) {
		acct := h.NewChild(envelope.ElemAccount)
		acct.SetAttr(envelope.AttrBy, envelope.ByName)
		acct.SetText("user2@example.com")
	}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dc.TargetAccountID != "u2" || !dc.Delegated {
		t.Fatalf("target = %s delegated = %v", dc.TargetAccountID, dc.Delegated)
	}
}

func TestBuildRejectsExcessHops(t *testing.T) {
	b, _ := newBuilder(t)
	_, err := build(t, b, header("tok-u1", func(h *envelope.Element) {
		h.SetAttr(envelope.AttrHopCount, "7")
	}))
	if !fault.IsCode(err, fault.CodeTooManyHops) {
		t.Fatalf("expected TOO_MANY_HOPS, got %v", err)
	}
}

func TestBuildAcceptsProxyCredential(t *testing.T) {
	signer := auth.NewProxySigner(0)
	if err := signer.GenerateKey("k1"); err != nil {
		t.Fatal(err)
	}
	dir := directory.NewMemory()
	dir.AddAccount(&directory.Account{ID: "u1", Name: "user1@example.com"})
	b := NewContextBuilder(fakeTokens{}, signer, dir)

	cred, err := signer.Mint(&auth.Principal{AccountID: "u1"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	dc, err := build(t, b, header(cred, nil))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dc.Principal == nil || dc.Principal.AccountID != "u1" {
		t.Fatalf("principal = %+v", dc.Principal)
	}
}

func TestBuildParsesChangeConstraint(t *testing.T) {
	b, _ := newBuilder(t)

	dc, err := build(t, b, header("tok-u1", func(h *envelope.Element) {
		ch := h.NewChild(envelope.ElemChange)
		ch.SetAttr(envelope.AttrChangeID, "42-7")
		ch.SetAttr(envelope.AttrChangeType, envelope.ChangeCreated)
	}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if dc.Change == nil {
		t.Fatal("change constraint not captured")
	}
	// the sub-item suffix is dropped; only the change number survives
	if dc.Change.Token != "42" || dc.Change.Type != envelope.ChangeCreated {
		t.Fatalf("change = %+v", dc.Change)
	}

	_, err = build(t, b, header("tok-u1", func(h *envelope.Element) {
		h.NewChild(envelope.ElemChange).SetAttr(envelope.AttrChangeID, "not-a-number")
	}))
	if !fault.IsCode(err, fault.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for bad token, got %v", err)
	}
}
