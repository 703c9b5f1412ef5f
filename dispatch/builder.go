package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harbormail/dispatch/auth"
	"github.com/harbormail/dispatch/directory"
	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
	"github.com/harbormail/dispatch/internal/requestid"
	"github.com/harbormail/dispatch/session"
)

// TransportInfo is what the transport layer knows about the connection.
type TransportInfo struct {
	RemoteAddr string
	// CredentialFromCookie marks a credential lifted from a browser cookie
	// rather than carried in the envelope or an Authorization header.
	// Cookie-borne credentials must be paired with a csrf token.
	CredentialFromCookie bool
}

// ProxyVerifier validates the short-lived server-to-server credentials
// carried on proxied hops. *auth.ProxySigner satisfies it.
type ProxyVerifier interface {
	Verify(token string) (*auth.Principal, error)
}

// ContextBuilder turns an envelope header into an authenticated Context.
type ContextBuilder struct {
	tokens   auth.TokenSource
	proxy    ProxyVerifier
	dir      directory.Directory
	requests *requestid.Counter
	now      func() time.Time
}

func NewContextBuilder(tokens auth.TokenSource, proxy ProxyVerifier, dir directory.Directory) *ContextBuilder {
	return &ContextBuilder{
		tokens:   tokens,
		proxy:    proxy,
		dir:      dir,
		requests: requestid.NewCounter(),
		now:      time.Now,
	}
}

// Build parses the context header, authenticates the caller and resolves the
// target account. All failures are typed faults.
func (b *ContextBuilder) Build(ctx context.Context, hdr *envelope.Element, tinfo TransportInfo) (*Context, error) {
	dc := &Context{
		RemoteAddr:       tinfo.RemoteAddr,
		CookieCredential: tinfo.CredentialFromCookie,
	}

	if hdr != nil {
		if err := b.parseHeader(dc, hdr); err != nil {
			return nil, err
		}
	}
	if dc.RequestID == "" {
		dc.RequestID = b.requests.Next()
	}
	if dc.HopCount > MaxHopCount {
		return nil, fault.TooManyHops(dc.TargetAccountID)
	}

	if err := b.authenticate(ctx, dc, hdr); err != nil {
		return nil, err
	}
	if err := b.resolveTarget(ctx, dc, hdr); err != nil {
		return nil, err
	}
	return dc, nil
}

func (b *ContextBuilder) parseHeader(dc *Context, hdr *envelope.Element) error {
	hops := hdr.AttrInt(envelope.AttrHopCount, 0)
	if hops < 0 {
		return fault.InvalidRequest("negative hop count")
	}
	dc.HopCount = hops

	if el := hdr.Child(envelope.ElemRequestID); el != nil {
		dc.RequestID = el.Text()
	}
	if el := hdr.Child(envelope.ElemVia); el != nil {
		dc.Via = el.Text()
	}
	if el := hdr.Child(envelope.ElemCSRFToken); el != nil {
		dc.CSRFToken = el.Text()
	}
	if el := hdr.Child(envelope.ElemTargetServer); el != nil {
		dc.TargetNodeID = el.Text()
	}
	if el := hdr.Child(envelope.ElemAuthTokenControl); el != nil {
		dc.VoidOnExpired = el.AttrBool(envelope.AttrVoidOnExpired, false)
	}
	if el := hdr.Child(envelope.ElemUserAgent); el != nil {
		dc.UserAgent.Name = el.Attr(envelope.AttrName, "")
		dc.UserAgent.Version = el.Attr(envelope.AttrVersion, "")
	}
	if el := hdr.Child(envelope.ElemFormat); el != nil {
		dc.NotifyFormat = el.Attr(envelope.AttrType, "")
	}

	if err := parseSessionDirective(dc, hdr); err != nil {
		return err
	}

	if el := hdr.Child(envelope.ElemChange); el != nil {
		token := el.Attr(envelope.AttrChangeID, "")
		if token == "" {
			return fault.InvalidRequest("change constraint without token")
		}
		// the token may arrive as "N-subid"; only the change number counts
		if i := strings.IndexByte(token, '-'); i > 0 {
			token = token[:i]
		}
		if _, err := strconv.ParseUint(token, 10, 64); err != nil {
			return fault.InvalidRequest("bad change token")
		}
		typ := el.Attr(envelope.AttrChangeType, envelope.ChangeModified)
		if typ != envelope.ChangeModified && typ != envelope.ChangeCreated {
			return fault.InvalidRequest(fmt.Sprintf("unknown change type %q", typ))
		}
		dc.Change = &ChangeConstraint{Token: token, Type: typ}
	}
	return nil
}

func parseSessionDirective(dc *Context, hdr *envelope.Element) error {
	if hdr.Child(envelope.ElemNoSession) != nil {
		dc.Session = SessionDirective{}
		return nil
	}
	el := hdr.Child(envelope.ElemSession)
	if el == nil {
		return nil
	}
	sd := SessionDirective{Want: true}
	sd.ID = el.Attr(envelope.AttrSessionID, "")
	if el.HasAttr(envelope.AttrSequence) {
		seq, err := strconv.ParseInt(el.Attr(envelope.AttrSequence, "0"), 10, 64)
		if err != nil {
			return fault.InvalidRequest("bad session sequence")
		}
		sd.Seq = seq
		sd.SeqPresent = true
	}
	sd.Proxied = el.AttrBool(envelope.AttrProxied, false)
	if t := el.Attr(envelope.AttrSessionType, ""); t != "" {
		if t != envelope.SessionTypeAdmin {
			return fault.InvalidRequest(fmt.Sprintf("unknown session type %q", t))
		}
		sd.Type = session.TypeAdmin
	}
	sd.NoNotify = hdr.Child(envelope.ElemNoNotify) != nil
	if el.HasAttr(envelope.AttrWaitSetID) {
		dc.WaitSetID = el.Attr(envelope.AttrWaitSetID, "")
	}
	dc.Session = sd
	return nil
}

func (b *ContextBuilder) authenticate(ctx context.Context, dc *Context, hdr *envelope.Element) error {
	var raw string
	if hdr != nil {
		if el := hdr.Child(envelope.ElemAuthToken); el != nil {
			raw = el.Text()
		}
	}
	if raw == "" {
		return nil // anonymous; handlers that need auth fault later
	}

	p, err := b.tokens.Authenticate(ctx, raw)
	if err != nil && b.proxy != nil && errors.Is(err, auth.ErrTokenMalformed) {
		// proxied hops carry a cluster-minted credential instead of the
		// client token
		if pp, perr := b.proxy.Verify(raw); perr == nil {
			p, err = pp, nil
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			if dc.VoidOnExpired {
				return nil
			}
			return fault.AuthExpired()
		case errors.Is(err, auth.ErrTokenAbsent):
			return nil
		default:
			// a token that was presented but fails verification is an
			// auth failure, not a missing credential
			return fault.AuthFailed("", err.Error())
		}
	}
	if p.Expired(b.now()) {
		if dc.VoidOnExpired {
			return nil
		}
		return fault.AuthExpired()
	}
	dc.Principal = p
	return nil
}

func (b *ContextBuilder) resolveTarget(ctx context.Context, dc *Context, hdr *envelope.Element) error {
	var by, key string
	if hdr != nil {
		if el := hdr.Child(envelope.ElemAccount); el != nil {
			by = el.Attr(envelope.AttrBy, envelope.ByID)
			key = el.Text()
		}
	}

	dc.TargetRequestKey = key
	if key == "" {
		// no explicit target; operate on the authenticated account
		if dc.Principal == nil {
			return nil
		}
		dc.TargetAccountID = dc.Principal.AccountID
		acct, err := b.dir.AccountByID(ctx, dc.Principal.AccountID)
		if err != nil {
			if errors.Is(err, directory.ErrNoSuchAccount) {
				return fault.AuthRequired()
			}
			return fault.Failure(err)
		}
		dc.TargetAccount = acct
		return nil
	}

	var acct *directory.Account
	var err error
	switch by {
	case envelope.ByID:
		acct, err = b.dir.AccountByID(ctx, key)
	case envelope.ByName:
		acct, err = b.dir.AccountByName(ctx, key)
	default:
		return fault.InvalidRequest(fmt.Sprintf("unknown account lookup mode %q", by))
	}
	if err != nil {
		if errors.Is(err, directory.ErrNoSuchAccount) {
			// admins may learn the account does not exist; anyone else gets
			// the harvesting-safe denial
			if dc.Principal.IsAdmin() {
				return fault.NoSuchAccount(key)
			}
			return fault.DefendAccountHarvest(key)
		}
		return fault.Failure(err)
	}

	dc.TargetAccountID = acct.ID
	dc.TargetAccount = acct
	dc.Delegated = dc.Principal == nil || acct.ID != dc.Principal.AccountID
	return nil
}
