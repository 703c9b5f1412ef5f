// Package serverhttp exposes the dispatch engine over HTTP. One POST
// endpoint accepts request envelopes; responses are always a full envelope,
// fault bodies included, so the HTTP status is 200 for everything the engine
// could parse.
package serverhttp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harbormail/dispatch/dispatch"
	"github.com/harbormail/dispatch/envelope"
	"github.com/harbormail/dispatch/fault"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// maxBodyBytes caps inbound envelopes. Oversized requests are refused
// before parsing.
const maxBodyBytes = 16 << 20

// Handler is the HTTP face of the engine.
type Handler struct {
	engine *dispatch.Engine
	log    *slog.Logger
	mux    *http.ServeMux
}

// New mounts the dispatch endpoint at path (default /service/dispatch)
// along with /healthz and /metrics.
func New(engine *dispatch.Engine, log *slog.Logger, path string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		path = "/service/dispatch"
	}
	h := &Handler{engine: engine, log: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST "+path, h.handleDispatch)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	env, err := envelope.Parse(body)
	if err != nil {
		h.writeEnvelope(ctx, w, faultEnvelope(fault.ParseError("malformed envelope", err)))
		return
	}

	tinfo := dispatch.TransportInfo{RemoteAddr: remoteAddr(r)}
	attachCredential(r, env, &tinfo)
	resp := h.engine.Dispatch(ctx, env, tinfo)
	h.writeEnvelope(ctx, w, resp)

	h.log.InfoContext(ctx, "http.dispatch.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) writeEnvelope(ctx context.Context, w http.ResponseWriter, env *envelope.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		h.log.ErrorContext(ctx, "response marshal failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func faultEnvelope(fe *fault.Error) *envelope.Envelope {
	env, _ := envelope.NewEnvelope(nil, fe.Encode())
	return env
}

// authCookieName is where browser clients keep their credential.
const authCookieName = "dispatch_token"

// attachCredential lifts a transport-carried credential into the envelope
// header when the header itself has none. Cookie credentials are flagged so
// the engine can demand a csrf token.
func attachCredential(r *http.Request, env *envelope.Envelope, tinfo *dispatch.TransportInfo) {
	if env.Header != nil && env.Header.Child(envelope.ElemAuthToken) != nil {
		return
	}
	var raw string
	var fromCookie bool
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
		raw = strings.TrimPrefix(ah, "Bearer ")
	} else if c, err := r.Cookie(authCookieName); err == nil {
		raw = c.Value
		fromCookie = true
	}
	if raw == "" {
		return
	}
	if env.Header == nil {
		env.Header = envelope.New(envelope.ElemContext)
	}
	env.Header.NewChild(envelope.ElemAuthToken).SetText(raw)
	tinfo.CredentialFromCookie = fromCookie
}

// remoteAddr prefers the proxy-supplied client address when present.
func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
