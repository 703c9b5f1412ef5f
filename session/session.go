// Package session implements server-side sessions and the sequence-numbered
// notification protocol. A session accumulates change notifications, hands
// them to the owning client in response headers, and retires them once the
// client acknowledges the sequence it has safely received.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harbormail/dispatch/envelope"
)

// Type distinguishes ordinary interactive sessions from administrative ones.
type Type string

const (
	TypeInteractive Type = ""
	TypeAdmin       Type = "admin"
)

// DefaultSentQueueLimit bounds how many unacknowledged notification blocks a
// session retains before giving up and demanding a full client refresh.
const DefaultSentQueueLimit = 20

// Notification is one sequenced block of change data.
type Notification struct {
	Seq     uint64
	Payload *envelope.Element
}

// Session is safe for concurrent use. All notification state is guarded by
// one mutex; waits never hold it.
type Session struct {
	id        string
	accountID string
	typ       Type
	notify    bool

	// remote stand-ins mirror a session homed on another node.
	remote     bool
	originNode string

	sentLimit int
	log       *slog.Logger

	mu          sync.Mutex
	seq         uint64
	pending     []*envelope.Element
	sent        []Notification
	forceAt     uint64 // sequence at which retained history was discarded
	forced      bool
	createdAt   time.Time
	refreshedAt time.Time
	accessedAt  time.Time
	waiter      *Waiter
}

func (s *Session) ID() string        { return s.id }
func (s *Session) AccountID() string { return s.accountID }
func (s *Session) Kind() Type        { return s.typ }
func (s *Session) Remote() bool      { return s.remote }
func (s *Session) OriginNode() string {
	return s.originNode
}

// NotifyEnabled reports whether the session delivers notifications at all.
func (s *Session) NotifyEnabled() bool { return s.notify }

// CurrentSeq returns the highest sequence number assigned so far.
func (s *Session) CurrentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Touch records client activity for idle expiry.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.accessedAt = now
	s.mu.Unlock()
}

// IdleSince returns the last access time.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessedAt
}

// Enqueue appends a change block to the pending set and wakes any blocked
// waiter. Blocks enqueued on a no-notify session are dropped.
func (s *Session) Enqueue(payload *envelope.Element) {
	if payload == nil {
		return
	}
	s.mu.Lock()
	if !s.notify {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, payload)
	w := s.waiter
	s.mu.Unlock()
	if w != nil {
		w.signalData()
	}
}

// FoldRemote merges a notification block received from the session's home
// node into the local stand-in. The home node's sequence numbering is
// authoritative.
func (s *Session) FoldRemote(seq uint64, payload *envelope.Element) {
	s.mu.Lock()
	if seq > s.seq {
		s.seq = seq
	}
	if payload != nil {
		s.sent = append(s.sent, Notification{Seq: seq, Payload: payload})
	}
	w := s.waiter
	s.mu.Unlock()
	if w != nil && payload != nil {
		w.signalData()
	}
}

// Acknowledge retires sent blocks the client has confirmed. seq <= 0 clears
// everything. Re-acknowledging an already retired sequence is a no-op.
func (s *Session) Acknowledge(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= 0 {
		s.sent = nil
		return
	}
	kept := s.sent[:0]
	for _, n := range s.sent {
		if n.Seq > uint64(seq) {
			kept = append(kept, n)
		}
	}
	s.sent = kept
	if len(s.sent) == 0 {
		s.sent = nil
	}
}

// Drain sequences any pending changes into one sent block and returns every
// unacknowledged block, oldest first. If retaining them would exceed the
// sent-queue limit the history is discarded and the session flips into
// must-refresh state.
func (s *Session) Drain() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) > 0 {
		s.seq++
		block := envelope.New(envelope.ElemNotify)
		for _, p := range s.pending {
			p.Detach()
			// payloads were built unparented; Attach only fails on a
			// parented child
			_ = block.Attach(p)
		}
		s.pending = nil
		s.sent = append(s.sent, Notification{Seq: s.seq, Payload: block})
	}

	if len(s.sent) > s.sentLimit {
		s.log.Warn("notification history overflow, forcing client refresh",
			"session_id", s.id, "retained", len(s.sent), "limit", s.sentLimit)
		s.sent = nil
		s.forceAt = s.seq
		s.forced = true
		return nil
	}

	out := make([]Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

// HasUnsent reports whether a Drain would return anything.
func (s *Session) HasUnsent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 || len(s.sent) > 0
}

// RequiresRefresh reports whether the client must rebuild its state from
// scratch. lastSeq is the highest sequence the client claims to have seen;
// zero or negative means it never saw one. A session also goes stale when
// its last refresh is older than staleness (zero disables the age check).
func (s *Session) RequiresRefresh(lastSeq int64, staleness time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced {
		if lastSeq <= 0 {
			if s.forceAt == s.seq {
				return true
			}
		} else {
			min := uint64(lastSeq)
			if s.seq < min {
				min = s.seq
			}
			if s.forceAt > min {
				return true
			}
		}
	}
	if staleness > 0 && now.Sub(s.refreshedAt) > staleness {
		return true
	}
	return false
}

// MarkRefreshed records that a full refresh block was delivered.
func (s *Session) MarkRefreshed(now time.Time) {
	s.mu.Lock()
	s.forced = false
	s.forceAt = 0
	s.refreshedAt = now
	s.mu.Unlock()
}

// WaitResult classifies the outcome of registering for a blocking wait.
type WaitResult int

const (
	// WaitNoNotify means the session never delivers notifications, so a
	// blocking wait would hang forever.
	WaitNoNotify WaitResult = iota
	// WaitDataReady means notifications are already queued.
	WaitDataReady
	// WaitBlocking means the caller should park on the returned Waiter.
	WaitBlocking
)

// RegisterWaiter prepares a blocking wait for new notifications. Only one
// wait is live per session; registering a new one cancels the previous
// waiter so its request unblocks immediately.
func (s *Session) RegisterWaiter() (WaitResult, *Waiter) {
	s.mu.Lock()
	if !s.notify {
		s.mu.Unlock()
		return WaitNoNotify, nil
	}
	if len(s.pending) > 0 || len(s.sent) > 0 {
		s.mu.Unlock()
		return WaitDataReady, nil
	}
	prev := s.waiter
	w := newWaiter()
	s.waiter = w
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return WaitBlocking, w
}

// ClearWaiter detaches w if it is still the session's live waiter.
func (s *Session) ClearWaiter(w *Waiter) {
	s.mu.Lock()
	if s.waiter == w {
		s.waiter = nil
	}
	s.mu.Unlock()
}

// close cancels any parked waiter so the owning request can fail fast.
func (s *Session) close() {
	s.mu.Lock()
	w := s.waiter
	s.waiter = nil
	s.mu.Unlock()
	if w != nil {
		w.cancel()
	}
}
