// Package auth defines the authenticated principal model and the contracts
// used to validate incoming tokens and delegated-access rights. Concrete
// token validation lives in the jwtauth subpackage; the proxy signer in this
// package mints the short-lived server-to-server credentials carried on
// proxied hops.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/harbormail/dispatch/directory"
)

// Token validation failure classes. Callers branch on these to decide
// between AUTH_REQUIRED and AUTH_EXPIRED faults, and to honor the
// void-on-expired request flag.
var (
	ErrTokenAbsent    = errors.New("auth: no token presented")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenRevoked   = errors.New("auth: token revoked")
)

// Rights that can be granted on an account and checked during delegated
// dispatch.
const (
	// RightLoginAs is the full-access login delegation grant: the holder may
	// run any operation against the granting account.
	RightLoginAs        = "loginAs"
	RightSendAs         = "sendAs"
	RightSendOnBehalfOf = "sendOnBehalfOf"
)

// Principal is the identity established for one request. It is immutable
// once built; per-hop mutations (proxy credentials) live on the dispatch
// context, not here.
type Principal struct {
	// AccountID is the canonical id of the authenticated account.
	AccountID string
	// Name is the primary address of the account, when the token carries it.
	Name string

	// Admin marks a full administrator token.
	Admin bool
	// DelegatedAdmin marks a domain-scoped administrator token.
	DelegatedAdmin bool

	// DelegatedAuth is set when the token was minted by an administrator on
	// behalf of AccountID. AdminAccountID then names the asserting admin.
	DelegatedAuth  bool
	AdminAccountID string

	// Guest principals authenticated with an external address and access key
	// rather than a directory account.
	Guest     bool
	AccessKey string

	ExpiresAt time.Time

	// Raw is the compact serialized token exactly as received, reused when
	// proxying on behalf of the same principal.
	Raw string
}

// IsAdmin reports whether the principal carries any administrative token.
func (p *Principal) IsAdmin() bool {
	return p != nil && (p.Admin || p.DelegatedAdmin)
}

// Expired reports whether the principal's token lifetime has passed.
func (p *Principal) Expired(now time.Time) bool {
	return p != nil && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// TokenSource validates a raw credential and produces a Principal.
// Implementations must return ErrTokenExpired for lifetime failures and
// ErrTokenMalformed for everything else that is not a transient fault, so
// callers can distinguish the two.
type TokenSource interface {
	Authenticate(ctx context.Context, raw string) (*Principal, error)
}

// AccessChecker answers the rights questions asked during delegated-access
// validation. Implementations typically consult the directory's grant store.
type AccessChecker interface {
	// AdminCanAccess reports whether an administrative principal holds the
	// rights needed to operate on the target account.
	AdminCanAccess(ctx context.Context, p *Principal, target *directory.Account) (bool, error)
	// HasRight reports whether grantee holds the named right on the target
	// account.
	HasRight(ctx context.Context, granteeID, targetAccountID, right string) (bool, error)
}

// MemoryChecker is an AccessChecker over in-memory grant tables, used by
// tests and single-node deployments.
type MemoryChecker struct {
	// AdminAll grants full admins access to every account.
	AdminAll bool
	// DelegatedDomains maps delegated-admin account id to the domain ids it
	// administers.
	DelegatedDomains map[string][]string
	grants           map[string]struct{}
}

var _ AccessChecker = (*MemoryChecker)(nil)

func NewMemoryChecker() *MemoryChecker {
	return &MemoryChecker{
		AdminAll:         true,
		DelegatedDomains: make(map[string][]string),
		grants:           make(map[string]struct{}),
	}
}

// Grant records that grantee holds right on target.
func (m *MemoryChecker) Grant(granteeID, targetID, right string) {
	m.grants[granteeID+"\x00"+targetID+"\x00"+right] = struct{}{}
}

func (m *MemoryChecker) AdminCanAccess(ctx context.Context, p *Principal, target *directory.Account) (bool, error) {
	if p == nil || target == nil {
		return false, nil
	}
	if p.Admin {
		return m.AdminAll, nil
	}
	if p.DelegatedAdmin {
		for _, dom := range m.DelegatedDomains[p.AccountID] {
			if dom == target.DomainID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryChecker) HasRight(ctx context.Context, granteeID, targetID, right string) (bool, error) {
	_, ok := m.grants[granteeID+"\x00"+targetID+"\x00"+right]
	return ok, nil
}
