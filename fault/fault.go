// Package fault defines the service error taxonomy shared by the dispatch
// engine, the proxy layer, and handlers. Every fault carries a stable
// machine-readable code plus a human-readable message; faults received from a
// remote node are propagated with their original code so error codes stay
// stable regardless of which node executed the request.
package fault

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/harbormail/dispatch/envelope"
)

// Stable fault codes.
const (
	CodeAuthRequired        = "service.AUTH_REQUIRED"
	CodeAuthExpired         = "service.AUTH_EXPIRED"
	CodeAuthFailed          = "account.AUTH_FAILED"
	CodePermDenied          = "service.PERM_DENIED"
	CodeDefendHarvest       = "service.DEFEND_ACCOUNT_HARVEST"
	CodeNoSuchAccount       = "account.NO_SUCH_ACCOUNT"
	CodeAccountInactive     = "account.ACCOUNT_INACTIVE"
	CodeTooManyHops         = "service.TOO_MANY_HOPS"
	CodeUnknownRequest      = "service.UNKNOWN_DOCUMENT"
	CodeNotReadOnly         = "service.NON_READONLY_OPERATION_DENIED"
	CodeUnavailable         = "service.TEMPORARILY_UNAVAILABLE"
	CodeResourceUnreachable = "service.RESOURCE_UNREACHABLE"
	CodeProxyError          = "service.PROXY_ERROR"
	CodeNoSuchItem          = "service.NO_SUCH_ITEM"
	CodeParseError          = "service.PARSE_ERROR"
	CodeInvalidRequest      = "service.INVALID_REQUEST"
	CodeFailure             = "service.FAILURE"
)

// Well-known argument keys attached to faults.
const (
	ArgURL       = "url"
	ArgStatus    = "status"
	ArgAccount   = "account"
	ArgRequested = "requested"
)

// Error is a service fault.
type Error struct {
	Code      string
	Message   string
	Args      map[string]string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two faults by code, so errors.Is(err, fault.AuthRequired())
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Code == fe.Code
}

func (e *Error) withArg(key, value string) *Error {
	if e.Args == nil {
		e.Args = make(map[string]string)
	}
	e.Args[key] = value
	return e
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func AuthRequired() *Error {
	return newError(CodeAuthRequired, "no valid authtoken present")
}

func AuthExpired() *Error {
	return newError(CodeAuthExpired, "auth credentials have expired")
}

// AuthFailed marks a credential that failed verification. The engine flags
// these for external rate-limiting bookkeeping.
func AuthFailed(account, reason string) *Error {
	msg := "authentication failed"
	if account != "" {
		msg += " for [" + account + "]"
	}
	e := newError(CodeAuthFailed, msg)
	e.cause = errors.New(reason)
	if account == "" {
		return e
	}
	return e.withArg(ArgAccount, account)
}

func PermDenied(reason string) *Error {
	return newError(CodePermDenied, "permission denied: "+reason)
}

// DefendAccountHarvest is the account-harvesting-safe authorization denial:
// it echoes only the caller-supplied lookup key and never confirms whether
// the account exists.
func DefendAccountHarvest(requestedKey string) *Error {
	e := newError(CodeDefendHarvest, "no access to account "+requestedKey)
	return e.withArg(ArgRequested, requestedKey)
}

// NoSuchAccount is only surfaced to callers already holding sufficient admin
// rights; everyone else gets DefendAccountHarvest.
func NoSuchAccount(key string) *Error {
	e := newError(CodeNoSuchAccount, "no such account: "+key)
	return e.withArg(ArgAccount, key)
}

func AccountInactive(name string) *Error {
	e := newError(CodeAccountInactive, "account is not active: "+name)
	return e.withArg(ArgAccount, name)
}

func TooManyHops(accountID string) *Error {
	e := newError(CodeTooManyHops, "proxy loop detected: too many hops")
	if accountID != "" {
		e.withArg(ArgAccount, accountID)
	}
	return e
}

func UnknownRequest(name string) *Error {
	return newError(CodeUnknownRequest, "unknown document: "+name)
}

func NonReadonlyOperationDenied() *Error {
	return newError(CodeNotReadOnly, "operation denied on read-only replica")
}

func TemporarilyUnavailable() *Error {
	return newError(CodeUnavailable, "user services are temporarily disabled")
}

// ResourceUnreachable reports a failed remote call. It is retriable at the
// transport layer; url and the HTTP status (0 when none was received) are
// attached for diagnostics.
func ResourceUnreachable(url string, status int, cause error) *Error {
	e := newError(CodeResourceUnreachable, "resource unreachable: "+url)
	e.Retriable = true
	e.cause = cause
	e.withArg(ArgURL, url)
	if status != 0 {
		e.withArg(ArgStatus, strconv.Itoa(status))
	}
	return e
}

func NoSuchItem(url string) *Error {
	e := newError(CodeNoSuchItem, "no such item")
	return e.withArg(ArgURL, url)
}

func ProxyError(url string, cause error) *Error {
	e := newError(CodeProxyError, "error while proxying request to target server: "+url)
	e.cause = cause
	return e.withArg(ArgURL, url)
}

func ParseError(msg string, cause error) *Error {
	e := newError(CodeParseError, "parse error: "+msg)
	e.cause = cause
	return e
}

func InvalidRequest(msg string) *Error {
	return newError(CodeInvalidRequest, "invalid request: "+msg)
}

// Failure wraps an unexpected internal error as an opaque generic fault.
// The cause is retained for logging but never encoded onto the wire.
func Failure(cause error) *Error {
	e := newError(CodeFailure, "system failure")
	e.cause = cause
	return e
}

// Of converts any error to a fault. Known faults pass through; anything else
// becomes an opaque internal failure so internals never leak to the caller.
func Of(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Failure(err)
}

// IsCode reports whether err is (or wraps) a fault with the given code.
func IsCode(err error, code string) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}

// Fault element wire names.
const (
	ElemFault     = "Fault"
	ElemFaultArg  = "arg"
	AttrFaultCode = "code"
	AttrReason    = "reason"
	AttrRetriable = "retry"
	AttrArgName   = "name"
)

// Encode renders the fault as a response body element. Causes are not
// encoded; only the stable code, message, and args cross the wire.
func (e *Error) Encode() *envelope.Element {
	el := envelope.New(ElemFault)
	el.SetAttr(AttrFaultCode, e.Code)
	el.SetAttr(AttrReason, e.Message)
	if e.Retriable {
		el.SetAttrBool(AttrRetriable, true)
	}
	for k, v := range e.Args {
		el.NewChild(ElemFaultArg).SetAttr(AttrArgName, k).SetText(v)
	}
	return el
}

// IsFaultElement reports whether el is an encoded fault.
func IsFaultElement(el *envelope.Element) bool {
	return el != nil && el.Name() == ElemFault
}

// Decode reconstructs a fault from its wire element so remote faults can be
// propagated as this node's own without re-wrapping. Returns nil if el is not
// a fault element.
func Decode(el *envelope.Element) *Error {
	if !IsFaultElement(el) {
		return nil
	}
	e := &Error{
		Code:      el.Attr(AttrFaultCode, CodeFailure),
		Message:   el.Attr(AttrReason, "unknown failure"),
		Retriable: el.AttrBool(AttrRetriable, false),
	}
	for _, arg := range el.Children() {
		if arg.Name() == ElemFaultArg {
			e.withArg(arg.Attr(AttrArgName, ""), arg.Text())
		}
	}
	return e
}
