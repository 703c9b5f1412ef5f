package auth

import (
	"context"
	"sync"
)

// Validator re-checks an already-authenticated principal at dispatch time.
// Token validation proves the credential was valid when minted; this covers
// what can change afterwards, revocation above all.
type Validator interface {
	// Validate returns ErrTokenRevoked when the principal's credential has
	// been withdrawn, or another token error for any other reason the
	// principal must not proceed.
	Validate(ctx context.Context, p *Principal) error
}

// RevocationList is an in-memory Validator tracking withdrawn credentials,
// by exact token or by account.
type RevocationList struct {
	mu       sync.RWMutex
	tokens   map[string]struct{}
	accounts map[string]struct{}
}

var _ Validator = (*RevocationList)(nil)

func NewRevocationList() *RevocationList {
	return &RevocationList{
		tokens:   make(map[string]struct{}),
		accounts: make(map[string]struct{}),
	}
}

// RevokeToken withdraws one specific credential.
func (r *RevocationList) RevokeToken(raw string) {
	r.mu.Lock()
	r.tokens[raw] = struct{}{}
	r.mu.Unlock()
}

// RevokeAccount withdraws every credential of an account, however minted.
func (r *RevocationList) RevokeAccount(accountID string) {
	r.mu.Lock()
	r.accounts[accountID] = struct{}{}
	r.mu.Unlock()
}

func (r *RevocationList) Validate(ctx context.Context, p *Principal) error {
	if p == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.accounts[p.AccountID]; ok {
		return ErrTokenRevoked
	}
	if p.Raw != "" {
		if _, ok := r.tokens[p.Raw]; ok {
			return ErrTokenRevoked
		}
	}
	return nil
}
