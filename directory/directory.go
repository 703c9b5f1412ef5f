// Package directory defines the provisioning collaborator consumed by the
// dispatch core: account lookup, home-node affinity, share-grant retrieval,
// and membership checks. The core never talks to a real directory server;
// deployments inject an implementation (and usually front it with the Redis
// cache in directory/redisdir).
package directory

import (
	"context"
	"errors"
)

// ErrNoSuchAccount is returned by lookups for unknown accounts. Callers in
// the dispatch core translate it to a harvesting-safe fault before it ever
// reaches a client.
var ErrNoSuchAccount = errors.New("directory: no such account")

// Status is an account lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusMaintenance Status = "maintenance"
	StatusLocked      Status = "locked"
	StatusClosed      Status = "closed"
)

// Account is the directory's view of an account.
type Account struct {
	ID             string
	Name           string
	DomainID       string
	ServiceClassID string
	HomeNodeID     string
	Status         Status
	// ExternalEmail is set for external virtual accounts (guest grantees).
	ExternalEmail string
}

// Active reports whether the account may be operated on by non-admins.
func (a *Account) Active() bool {
	return a != nil && a.Status == StatusActive
}

// GranteeKind classifies who a share grant applies to.
type GranteeKind string

const (
	GranteeUser     GranteeKind = "usr"
	GranteeGroup    GranteeKind = "grp"
	GranteeDomain   GranteeKind = "dom"
	GranteeCos      GranteeKind = "cos"
	GranteeAuthUser GranteeKind = "all"
	GranteePublic   GranteeKind = "pub"
	GranteeGuest    GranteeKind = "gst"
	GranteeKey      GranteeKind = "key"
)

// Share is one published grant on an item in an account's mailbox. Only the
// grantee dimension matters for delegated-access admission; the item itself
// stays opaque to the dispatch core.
type Share struct {
	GranteeKind GranteeKind
	GranteeID   string
}

// Directory is the provisioning lookup surface.
type Directory interface {
	// AccountByID resolves an account by its immutable id.
	AccountByID(ctx context.Context, id string) (*Account, error)
	// AccountByName resolves an account by its primary name.
	AccountByName(ctx context.Context, name string) (*Account, error)
	// Shares returns the published share grants of an account. forceReload
	// bypasses any caching layer; delegated-access validation uses it once
	// when a stale-cache false negative is possible.
	Shares(ctx context.Context, accountID string, forceReload bool) ([]Share, error)
	// InGroup reports whether the account is a member of the group.
	InGroup(ctx context.Context, accountID, groupID string) (bool, error)
}
