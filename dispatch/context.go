// Package dispatch is the request engine. It turns a parsed envelope into an
// authenticated per-request context, routes the body to a registered handler
// or to the target account's home node, and assembles the response header
// with session notification state.
package dispatch

import (
	"strconv"
	"sync"

	"github.com/harbormail/dispatch/auth"
	"github.com/harbormail/dispatch/directory"
	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/session"
)

// MaxHopCount bounds proxy chains. A request that arrives having already
// made this many hops is refused rather than forwarded again.
const MaxHopCount = 5

// ChangeConstraint carries the client's modify-conflict guard: fail the
// operation if the referenced item changed since the given change number.
type ChangeConstraint struct {
	Token string // change number, optionally "N-subid"
	Type  string // envelope.ChangeModified or envelope.ChangeCreated
}

// UserAgent identifies the requesting client software.
type UserAgent struct {
	Name    string
	Version string
}

// SessionDirective is the client's session intent parsed from the header.
type SessionDirective struct {
	// Want is false when the client sent nosession or no session element.
	Want bool
	// ID is empty when the client asks for a fresh session.
	ID string
	// Seq is the highest notification sequence the client acknowledges.
	// Zero means no acknowledgment was sent.
	Seq int64
	// SeqPresent distinguishes seq="0" (explicit clear-all) from absent.
	SeqPresent bool
	// Proxied marks the session element as already relayed by another node.
	Proxied bool
	// Type selects an admin session.
	Type session.Type
	// NoNotify keeps the session but suppresses change notifications.
	NoNotify bool
}

// Context is the per-request dispatch state derived from the envelope
// header. It is built once per request and treated as read-only afterwards,
// except for the proxy credential and the attached session which are set
// during dispatch.
type Context struct {
	RequestID string

	// Principal is nil for unauthenticated requests.
	Principal *auth.Principal

	// Requested target account. Equal to the principal's own account unless
	// the header named a delegate target.
	TargetAccountID string
	TargetAccount   *directory.Account
	// TargetRequestKey is the lookup key exactly as the caller supplied it
	// (name or id). Denials echo only this key, so a caller who knows an
	// address can never learn the canonical id from an error.
	TargetRequestKey string
	// Delegated is true when the target differs from the authenticated
	// account.
	Delegated bool

	HopCount int
	Via      string
	// TargetNodeID is set when the header pinned an explicit server.
	TargetNodeID string

	Session SessionDirective
	Change  *ChangeConstraint

	UserAgent     UserAgent
	RemoteAddr    string
	VoidOnExpired bool
	NotifyFormat  string
	WaitSetID     string

	// CSRFToken pairs with a cookie-borne credential; header-carried
	// bearer tokens never need one.
	CSRFToken        string
	CookieCredential bool

	// attached during dispatch when the directive asks for one
	sess *session.Session

	mu        sync.Mutex
	proxyCred string
}

// ActiveSession returns the session attached for this request, if any.
func (c *Context) ActiveSession() *session.Session { return c.sess }

func (c *Context) attachSession(s *session.Session) { c.sess = s }

// ProxyCredential returns the short-lived credential minted for forwarding
// this request, or the empty string when none has been armed.
func (c *Context) ProxyCredential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyCred
}

// SetProxyCredential arms the credential used on the next outbound hop.
func (c *Context) SetProxyCredential(cred string) {
	c.mu.Lock()
	c.proxyCred = cred
	c.mu.Unlock()
}

// ResetProxyCredential clears any armed credential. Batch dispatch calls
// this between sub-requests so each one mints a fresh credential.
func (c *Context) ResetProxyCredential() {
	c.SetProxyCredential("")
}

// AuthAccountID returns the authenticated account id, or "" when anonymous.
func (c *Context) AuthAccountID() string {
	if c.Principal == nil {
		return ""
	}
	return c.Principal.AccountID
}

// HopHeader builds the context header for the next proxy hop: hop count
// incremented, the armed proxy credential in place of the original token,
// the session marked as relayed, and this node appended to the via trail.
func (c *Context) HopHeader(localNodeID string) *envelope.Element {
	hdr := envelope.New(envelope.ElemContext)

	if cred := c.ProxyCredential(); cred != "" {
		hdr.NewChild(envelope.ElemAuthToken).SetText(cred)
	} else if c.Principal != nil && c.Principal.Raw != "" {
		hdr.NewChild(envelope.ElemAuthToken).SetText(c.Principal.Raw)
	}

	hdr.NewChild(envelope.ElemRequestID).SetText(c.RequestID)
	hdr.SetAttr(envelope.AttrHopCount, strconv.Itoa(c.HopCount+1))

	if c.TargetAccountID != "" {
		acct := hdr.NewChild(envelope.ElemAccount)
		acct.SetAttr(envelope.AttrBy, envelope.ByID)
		acct.SetText(c.TargetAccountID)
	}

	if c.Session.Want {
		sess := hdr.NewChild(envelope.ElemSession)
		if c.Session.ID != "" {
			sess.SetAttr(envelope.AttrSessionID, c.Session.ID)
		}
		if c.Session.SeqPresent {
			sess.SetAttr(envelope.AttrSequence, strconv.FormatInt(c.Session.Seq, 10))
		}
		if c.Session.Type != session.TypeInteractive {
			sess.SetAttr(envelope.AttrSessionType, string(c.Session.Type))
		}
		sess.SetAttrBool(envelope.AttrProxied, true)
	} else {
		hdr.NewChild(envelope.ElemNoSession)
	}
	if c.Session.NoNotify {
		hdr.NewChild(envelope.ElemNoNotify)
	}

	if c.Change != nil {
		ch := hdr.NewChild(envelope.ElemChange)
		ch.SetAttr(envelope.AttrChangeID, c.Change.Token)
		if c.Change.Type != "" {
			ch.SetAttr(envelope.AttrChangeType, c.Change.Type)
		}
	}

	hop := c.RemoteAddr
	if hop == "" {
		hop = localNodeID
	}
	if c.UserAgent.Name != "" {
		hop += " (" + c.UserAgent.Name
		if c.UserAgent.Version != "" {
			hop += "/" + c.UserAgent.Version
		}
		hop += ")"
	}
	via := hop
	if c.Via != "" {
		via = c.Via + "," + hop
	}
	hdr.NewChild(envelope.ElemVia).SetText(via)

	if c.UserAgent.Name != "" {
		ua := hdr.NewChild(envelope.ElemUserAgent)
		ua.SetAttr(envelope.AttrName, c.UserAgent.Name)
		if c.UserAgent.Version != "" {
			ua.SetAttr(envelope.AttrVersion, c.UserAgent.Version)
		}
	}

	return hdr
}
