package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Presence publishes session liveness to shared infrastructure so other
// nodes can route change fan-out. Implementations are best effort; failures
// are logged, never surfaced to the request path.
type Presence interface {
	Announce(ctx context.Context, accountID, sessionID, nodeID string) error
	Refresh(ctx context.Context, accountID, sessionID string) error
	Remove(ctx context.Context, accountID, sessionID string) error
	// Lookup reports which node a session is homed on, or "" when the
	// presence map has no entry for it.
	Lookup(ctx context.Context, accountID, sessionID string) (string, error)
}

type sessionKey struct {
	id        string
	accountID string
}

// Manager owns every live session on this node. Lookups are keyed by both
// session id and account id so a caller can never touch another account's
// session by guessing ids.
type Manager struct {
	log         *slog.Logger
	nodeID      string
	sentLimit   int
	idleTimeout time.Duration
	presence    Presence
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[sessionKey]*Session
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithSentQueueLimit overrides DefaultSentQueueLimit.
func WithSentQueueLimit(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sentLimit = n
		}
	}
}

// WithIdleTimeout sets how long a session may sit untouched before SweepIdle
// collects it. Zero disables sweeping.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithPresence attaches a presence publisher.
func WithPresence(p Presence) ManagerOption {
	return func(m *Manager) { m.presence = p }
}

func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(nodeID string, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:       slog.Default(),
		nodeID:    nodeID,
		sentLimit: DefaultSentQueueLimit,
		now:       time.Now,
		sessions:  make(map[sessionKey]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new session for accountID and announces its presence.
func (m *Manager) Create(ctx context.Context, accountID string, typ Type, notify bool) *Session {
	now := m.now()
	s := &Session{
		id:          uuid.NewString(),
		accountID:   accountID,
		typ:         typ,
		notify:      notify,
		sentLimit:   m.sentLimit,
		log:         m.log,
		createdAt:   now,
		refreshedAt: now,
		accessedAt:  now,
	}
	m.mu.Lock()
	m.sessions[sessionKey{s.id, accountID}] = s
	m.mu.Unlock()

	m.announce(ctx, s)
	m.log.InfoContext(ctx, "session created",
		"session_id", s.id, "account_id", accountID, "type", string(typ), "notify", notify)
	return s
}

// Get returns the session only when both the id and the owning account
// match.
func (m *Manager) Get(id, accountID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionKey{id, accountID}]
	m.mu.RUnlock()
	return s, ok
}

// Find resolves a session id presented by a client. A local hit wins; on a
// miss the presence map is consulted, and a session homed on another node
// is recreated here as a remote stand-in rather than silently replaced.
func (m *Manager) Find(ctx context.Context, id, accountID string) (*Session, bool) {
	if s, ok := m.Get(id, accountID); ok {
		return s, true
	}
	if m.presence == nil {
		return nil, false
	}
	node, err := m.presence.Lookup(ctx, accountID, id)
	if err != nil {
		m.log.WarnContext(ctx, "presence lookup failed",
			"session_id", id, "account_id", accountID, "error", err)
		return nil, false
	}
	if node == "" || node == m.nodeID {
		return nil, false
	}
	return m.GetOrCreateRemote(ctx, id, accountID, node), true
}

// GetOrCreateRemote returns a stand-in for a session homed on another node,
// creating it on first sight. Remote stand-ins hold folded notification
// state so local long-polls can observe changes relayed from the home node.
func (m *Manager) GetOrCreateRemote(ctx context.Context, id, accountID, originNode string) *Session {
	key := sessionKey{id, accountID}
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s
	}
	now := m.now()
	s := &Session{
		id:          id,
		accountID:   accountID,
		notify:      true,
		remote:      true,
		originNode:  originNode,
		sentLimit:   m.sentLimit,
		log:         m.log,
		createdAt:   now,
		refreshedAt: now,
		accessedAt:  now,
	}
	m.sessions[key] = s
	m.mu.Unlock()

	m.log.DebugContext(ctx, "remote session stand-in created",
		"session_id", id, "account_id", accountID, "origin_node", originNode)
	return s
}

// Remove tears down a session, unblocking any parked waiter.
func (m *Manager) Remove(ctx context.Context, id, accountID string) {
	key := sessionKey{id, accountID}
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	m.unannounce(ctx, s)
	m.log.InfoContext(ctx, "session removed", "session_id", id, "account_id", accountID)
}

// ForAccount returns every live session belonging to accountID.
func (m *Manager) ForAccount(accountID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for key, s := range m.sessions {
		if key.accountID == accountID {
			out = append(out, s)
		}
	}
	return out
}

// RemoveAll tears down every session belonging to accountID.
func (m *Manager) RemoveAll(ctx context.Context, accountID string) {
	m.mu.Lock()
	var victims []*Session
	for key, s := range m.sessions {
		if key.accountID == accountID {
			delete(m.sessions, key)
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.close()
		m.unannounce(ctx, s)
	}
	if len(victims) > 0 {
		m.log.InfoContext(ctx, "account sessions removed",
			"account_id", accountID, "count", len(victims))
	}
}

// SweepIdle collects sessions idle longer than the configured timeout and
// returns how many were removed.
func (m *Manager) SweepIdle(ctx context.Context) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var victims []*Session
	for key, s := range m.sessions {
		if s.IdleSince().Before(cutoff) {
			delete(m.sessions, key)
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.close()
		m.unannounce(ctx, s)
		m.log.InfoContext(ctx, "session expired",
			"session_id", s.id, "account_id", s.accountID)
	}
	return len(victims)
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down every session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[sessionKey]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.close()
		m.unannounce(ctx, s)
	}
}

func (m *Manager) announce(ctx context.Context, s *Session) {
	if m.presence == nil {
		return
	}
	if err := m.presence.Announce(ctx, s.accountID, s.id, m.nodeID); err != nil {
		m.log.WarnContext(ctx, "presence announce failed",
			"session_id", s.id, "error", err)
	}
}

func (m *Manager) unannounce(ctx context.Context, s *Session) {
	if m.presence == nil {
		return
	}
	if err := m.presence.Remove(ctx, s.accountID, s.id); err != nil {
		m.log.WarnContext(ctx, "presence remove failed",
			"session_id", s.id, "error", err)
	}
}
