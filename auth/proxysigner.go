package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// ProxySigner mints and verifies the short-lived compact JWS credentials
// that accompany proxied hops between nodes. All nodes in a cluster share
// the key set; the active kid is used for signing while older kids remain
// verifiable through rotation.
type ProxySigner struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
	ttl       time.Duration
	now       func() time.Time
}

type proxyClaims struct {
	AccountID      string `json:"sub"`
	Name           string `json:"name,omitempty"`
	Admin          bool   `json:"adm,omitempty"`
	DelegatedAdmin bool   `json:"dadm,omitempty"`
	DelegatedAuth  bool   `json:"dlg,omitempty"`
	AdminAccountID string `json:"act,omitempty"`
	IssuedAt       int64  `json:"iat"`
	ExpiresAt      int64  `json:"exp"`
}

// NewProxySigner returns a signer with no keys registered. ttl bounds the
// lifetime of minted credentials; zero means 2 minutes, which comfortably
// covers a full proxy chain.
func NewProxySigner(ttl time.Duration) *ProxySigner {
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &ProxySigner{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GenerateKey creates and registers a fresh Ed25519 key pair under kid and
// makes it the active signing key.
func (s *ProxySigner) GenerateKey(kid string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}
	s.AddEd25519Key(kid, priv)
	return s.SetActive(kid)
}

// AddEd25519Key registers a key pair under kid. The active key is unchanged.
func (s *ProxySigner) AddEd25519Key(kid string, priv ed25519.PrivateKey) {
	s.privKeys[kid] = priv
	s.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (s *ProxySigner) SetActive(kid string) error {
	if _, ok := s.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	s.activeKid = kid
	return nil
}

// Mint produces a compact JWS credential asserting the principal's identity
// for the next hop.
func (s *ProxySigner) Mint(p *Principal) (string, error) {
	if s.activeKid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	priv := s.privKeys[s.activeKid]
	now := s.now()
	payload, err := json.Marshal(proxyClaims{
		AccountID:      p.AccountID,
		Name:           p.Name,
		Admin:          p.Admin,
		DelegatedAdmin: p.DelegatedAdmin,
		DelegatedAuth:  p.DelegatedAuth,
		AdminAccountID: p.AdminAccountID,
		IssuedAt:       now.Unix(),
		ExpiresAt:      now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal proxy claims: %w", err)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", s.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify parses a proxy credential and reconstructs the asserted Principal.
// Returns ErrTokenExpired for lifetime failures and ErrTokenMalformed for
// signature or format problems.
func (s *ProxySigner) Verify(token string) (*Principal, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: parse proxy credential: %v", ErrTokenMalformed, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: unexpected signatures: %d", ErrTokenMalformed, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := s.pubKeys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid: %s", ErrTokenMalformed, kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: signature verification failed: %v", ErrTokenMalformed, err)
	}
	var claims proxyClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: decode proxy claims: %v", ErrTokenMalformed, err)
	}
	exp := time.Unix(claims.ExpiresAt, 0)
	if s.now().After(exp) {
		return nil, fmt.Errorf("%w: proxy credential lifetime passed", ErrTokenExpired)
	}
	return &Principal{
		AccountID:      claims.AccountID,
		Name:           claims.Name,
		Admin:          claims.Admin,
		DelegatedAdmin: claims.DelegatedAdmin,
		DelegatedAuth:  claims.DelegatedAuth,
		AdminAccountID: claims.AdminAccountID,
		ExpiresAt:      exp,
		Raw:            token,
	}, nil
}
