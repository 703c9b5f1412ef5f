package auth

import (
	"errors"
	"testing"
	"time"
)

func TestProxySignerRoundTrip(t *testing.T) {
	s := NewProxySigner(time.Minute)
	if err := s.GenerateKey("k1"); err != nil {
		t.Fatal(err)
	}

	in := &Principal{
		AccountID:      "acct-1",
		Name:           "user@example.com",
		DelegatedAuth:  true,
		AdminAccountID: "admin-1",
	}
	tok, err := s.Mint(in)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	out, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.AccountID != in.AccountID || out.Name != in.Name {
		t.Fatalf("identity lost: %+v", out)
	}
	if !out.DelegatedAuth || out.AdminAccountID != "admin-1" {
		t.Fatalf("delegation flags lost: %+v", out)
	}
	if out.Raw != tok {
		t.Fatal("raw token not retained")
	}
}

func TestProxySignerRejectsExpired(t *testing.T) {
	s := NewProxySigner(time.Minute)
	if err := s.GenerateKey("k1"); err != nil {
		t.Fatal(err)
	}
	tok, err := s.Mint(&Principal{AccountID: "acct-1"})
	if err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := s.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestProxySignerRejectsUnknownKey(t *testing.T) {
	a := NewProxySigner(time.Minute)
	if err := a.GenerateKey("k1"); err != nil {
		t.Fatal(err)
	}
	tok, err := a.Mint(&Principal{AccountID: "acct-1"})
	if err != nil {
		t.Fatal(err)
	}

	b := NewProxySigner(time.Minute)
	if err := b.GenerateKey("k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(tok); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for foreign key, got %v", err)
	}
}

func TestProxySignerKeyRotation(t *testing.T) {
	s := NewProxySigner(time.Minute)
	if err := s.GenerateKey("old"); err != nil {
		t.Fatal(err)
	}
	oldTok, err := s.Mint(&Principal{AccountID: "acct-1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.GenerateKey("new"); err != nil {
		t.Fatal(err)
	}
	// credentials minted under the retired kid stay verifiable
	if _, err := s.Verify(oldTok); err != nil {
		t.Fatalf("old-kid credential rejected after rotation: %v", err)
	}
}
