// Package logctx enriches slog records with request, account and session
// attributes carried on the context. Wrap the process handler once and every
// log line emitted under a dispatch context picks up the groups.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("op", rd.Operation),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.Int("hops", rd.HopCount),
		))
	}

	if ad, ok := ctx.Value(accountDataKey{}).(*AccountData); ok {
		r.AddAttrs(slog.Group("acct",
			slog.String("auth_id", ad.AuthAccountID),
			slog.String("target_id", ad.TargetAccountID),
			slog.Bool("delegated", ad.Delegated),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.Uint64("seq", sd.Sequence),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Operation  string
	UserAgent  string
	RemoteAddr string
	HopCount   int
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type accountDataKey struct{}

type AccountData struct {
	AuthAccountID   string
	TargetAccountID string
	Delegated       bool
}

func WithAccountData(ctx context.Context, data *AccountData) context.Context {
	return context.WithValue(ctx, accountDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Sequence  uint64
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
