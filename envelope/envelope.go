// Package envelope models the RPC message shape used between clients and
// cluster nodes: an outer envelope with a header element (credentials,
// session, routing, protocol negotiation) and a body element carrying exactly
// one request, one response, or a batch wrapper.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header element and attribute names. The header is a single "context"
// element; everything request-scoped that is not the payload itself lives
// under it.
const (
	ElemContext = "context"

	ElemAuthToken        = "authToken"
	ElemAuthTokenControl = "authTokenControl"
	AttrVoidOnExpired    = "voidOnExpired"

	ElemAccount = "account"
	AttrBy      = "by"
	ByName      = "name"
	ByID        = "id"

	AttrHopCount     = "hops"
	ElemTargetServer = "targetServer"

	ElemChange     = "change"
	AttrChangeID   = "token"
	AttrChangeType = "type"
	ChangeModified = "mod"
	ChangeCreated  = "new"

	ElemSession      = "session"
	ElemNoSession    = "nosession"
	ElemNoNotify     = "nonotify"
	AttrSessionID    = "id"
	AttrSequence     = "seq"
	AttrProxied      = "proxy"
	AttrSessionType  = "type"
	SessionTypeAdmin = "admin"
	AttrNotifyFormat = "format"
	AttrWaitSetID    = "waitSet"

	ElemFormat = "format"
	AttrType   = "type"

	ElemUserAgent = "userAgent"
	AttrName      = "name"
	AttrVersion   = "version"

	ElemVia       = "via"
	ElemRequestID = "reqId"
	ElemCSRFToken = "csrfToken"

	ElemNotify  = "notify"
	ElemRefresh = "refresh"
)

// Batch wrapper names.
const (
	BatchRequestName  = "BatchRequest"
	BatchResponseName = "BatchResponse"
	AttrOnError       = "onerror"
	OnErrorContinue   = "continue"
	OnErrorStop       = "stop"
	AttrCorrelationID = "requestId"
)

// Envelope is one RPC message: optional header context plus a body.
type Envelope struct {
	Header *Element
	Body   *Element
}

type envelopeJSON struct {
	Header *Element `json:"header,omitempty"`
	Body   *Element `json:"body"`
}

// NewEnvelope assembles an envelope from (possibly nil) header and body
// elements. Both are adopted as roots; attached elements must be detached by
// the caller first.
func NewEnvelope(header, body *Element) (*Envelope, error) {
	if header != nil && header.parent != nil {
		return nil, fmt.Errorf("header: %w", ErrAlreadyOwned)
	}
	if body != nil && body.parent != nil {
		return nil, fmt.Errorf("body: %w", ErrAlreadyOwned)
	}
	return &Envelope{Header: header, Body: body}, nil
}

// Parse decodes the JSON wire form. The body is required.
func Parse(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("empty request payload")
	}
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Body == nil {
		return nil, errors.New("envelope has no body")
	}
	if raw.Header != nil && raw.Header.name != ElemContext {
		return nil, fmt.Errorf("expected %q header, got %q", ElemContext, raw.Header.name)
	}
	return &Envelope{Header: raw.Header, Body: raw.Body}, nil
}

// Marshal encodes the envelope to its JSON wire form.
func (env *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(envelopeJSON{Header: env.Header, Body: env.Body})
}

// IsBatch reports whether the body is a batch wrapper.
func (env *Envelope) IsBatch() bool {
	return env.Body != nil && env.Body.name == BatchRequestName
}

// ResponseName derives the response element name from a request element name:
// the "Request" suffix becomes "Response"; names without the suffix get
// "Response" appended.
func ResponseName(requestName string) string {
	if base, ok := strings.CutSuffix(requestName, "Request"); ok {
		return base + "Response"
	}
	return requestName + "Response"
}
