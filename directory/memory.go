package directory

import (
	"context"
	"sync"
)

// Memory is an in-process Directory, used by tests and single-node dev
// deployments.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byName  map[string]*Account
	shares  map[string][]Share
	groups  map[string]map[string]bool // groupID -> member accountIDs
	reloads map[string]int
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]*Account),
		byName:  make(map[string]*Account),
		shares:  make(map[string][]Share),
		groups:  make(map[string]map[string]bool),
		reloads: make(map[string]int),
	}
}

// AddAccount registers (or replaces) an account.
func (m *Memory) AddAccount(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	m.byID[cp.ID] = &cp
	m.byName[cp.Name] = &cp
}

// SetShares replaces the published share list of an account.
func (m *Memory) SetShares(accountID string, shares []Share) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares[accountID] = append([]Share(nil), shares...)
}

// AddGroupMember records group membership.
func (m *Memory) AddGroupMember(groupID, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[groupID] == nil {
		m.groups[groupID] = make(map[string]bool)
	}
	m.groups[groupID][accountID] = true
}

func (m *Memory) AccountByID(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNoSuchAccount
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) AccountByName(ctx context.Context, name string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byName[name]
	if !ok {
		return nil, ErrNoSuchAccount
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) Shares(ctx context.Context, accountID string, forceReload bool) ([]Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if forceReload {
		m.reloads[accountID]++
	}
	return append([]Share(nil), m.shares[accountID]...), nil
}

func (m *Memory) InGroup(ctx context.Context, accountID, groupID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[groupID][accountID], nil
}

// ReloadCount reports how many forced share reloads were requested for the
// account. Test hook.
func (m *Memory) ReloadCount(accountID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reloads[accountID]
}
