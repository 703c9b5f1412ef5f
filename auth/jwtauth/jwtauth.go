// Package jwtauth implements auth.TokenSource over JWT access tokens. Two
// constructions are provided: a static mode keyed by a JWKS endpoint or an
// in-memory HMAC secret, and an OIDC discovery mode that learns the issuer's
// jwks_uri and refreshes keys automatically.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/harbormail/dispatch/auth"
)

// Config controls token validation policy.
type Config struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

type tokenSource struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ auth.TokenSource = (*tokenSource)(nil)

// NewStatic constructs a TokenSource that validates tokens against a
// statically configured JWKS URI, without discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (auth.TokenSource, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	applyDefaults(cfg)

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &tokenSource{cfg: cfg, keyfunc: guardAlgs(cfg, kf.Keyfunc)}, nil
}

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to obtain the
// jwks_uri, then constructs a TokenSource with auto-refreshing keys.
func NewFromDiscovery(ctx context.Context, cfg *Config) (auth.TokenSource, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	applyDefaults(cfg)

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &tokenSource{cfg: cfg, keyfunc: guardAlgs(cfg, kf.Keyfunc)}, nil
}

// NewHMAC constructs a TokenSource validating HS256 tokens with a shared
// secret. Intended for tests and single-node setups.
func NewHMAC(cfg *Config, secret []byte) (auth.TokenSource, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("secret required")
	}
	cfg.AllowedAlgs = []string{"HS256"}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &tokenSource{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		return secret, nil
	}}, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
}

func guardAlgs(cfg *Config, inner jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		allowed := false
		for _, a := range cfg.AllowedAlgs {
			if alg == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return inner(t)
	}
}

// Authenticate validates the raw token and maps its claims onto a Principal.
// Recognized claims beyond the registered set: "name" (primary address),
// "adm" (full admin), "dadm" (delegated admin), "dlg" (delegated auth) and
// "act" (asserting admin account id).
func (s *tokenSource) Authenticate(ctx context.Context, raw string) (*auth.Principal, error) {
	if raw == "" {
		return nil, auth.ErrTokenAbsent
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(s.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.cfg.Leeway),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if len(s.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(s.cfg.ExpectedAudiences[0]))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(raw, s.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", auth.ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrTokenMalformed, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrTokenMalformed)
	}
	if len(s.cfg.ExpectedAudiences) > 1 && !audIntersects(claims["aud"], s.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrTokenMalformed)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrTokenMalformed)
	}

	p := &auth.Principal{AccountID: sub, Raw: raw}
	p.Name, _ = claims["name"].(string)
	p.Admin = boolClaim(claims, "adm")
	p.DelegatedAdmin = boolClaim(claims, "dadm")
	p.DelegatedAuth = boolClaim(claims, "dlg")
	p.AdminAccountID, _ = claims["act"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}
	return p, nil
}

func boolClaim(claims jwt.MapClaims, name string) bool {
	v, _ := claims[name].(bool)
	return v
}

func audIntersects(aud any, wants []string) bool {
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
