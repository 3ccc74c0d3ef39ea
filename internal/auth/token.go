// Package auth issues and verifies the compact HS256 tokens viewers present
// when opening a frame stream.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Scope limits what a viewer may do once connected.
type Scope string

const (
	// ScopeWatch only receives frames.
	ScopeWatch Scope = "watch"
	// ScopeControl may also push impulses into the cloth.
	ScopeControl Scope = "control"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool { return s == ScopeWatch || s == ScopeControl }

// CanControl reports whether the scope allows mutating the simulation.
func (s Scope) CanControl() bool { return s == ScopeControl }

// ViewerClaims is the payload carried by a viewer token.
type ViewerClaims struct {
	Viewer    string
	Scope     Scope
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Subject string `json:"sub"`
	Scope   Scope  `json:"scope"`
	Issued  int64  `json:"iat"`
	Expires int64  `json:"exp"`
}

const algorithm = "HS256"

var encodedHeader = mustEncodeHeader()

func mustEncodeHeader() string {
	raw, err := json.Marshal(tokenHeader{Algorithm: algorithm, Type: "JWT"})
	if err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

type signer struct {
	secret []byte
	now    func() time.Time
}

func newSigner(secret string) (signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return signer{}, errors.New("token secret must not be empty")
	}
	return signer{secret: []byte(secret), now: time.Now}, nil
}

func (s signer) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

// Issuer mints viewer tokens.
type Issuer struct {
	signer
}

// NewIssuer returns an issuer for secret.
func NewIssuer(secret string) (*Issuer, error) {
	s, err := newSigner(secret)
	if err != nil {
		return nil, err
	}
	return &Issuer{signer: s}, nil
}

// WithClock overrides the issue time source.
func (i *Issuer) WithClock(clock func() time.Time) {
	if i != nil && clock != nil {
		i.now = clock
	}
}

// Issue signs a token for viewer valid for ttl.
func (i *Issuer) Issue(viewer string, scope Scope, ttl time.Duration) (string, error) {
	if i == nil {
		return "", errors.New("issuer not initialised")
	}
	viewer = strings.TrimSpace(viewer)
	if viewer == "" {
		return "", errors.New("viewer id must not be empty")
	}
	if !scope.Valid() {
		return "", fmt.Errorf("unknown scope %q", scope)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %v", ttl)
	}
	now := i.now()
	payload, err := json.Marshal(tokenPayload{
		Subject: viewer,
		Scope:   scope,
		Issued:  now.Unix(),
		Expires: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	input := encodedHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return input + "." + base64.RawURLEncoding.EncodeToString(i.sign(input)), nil
}

// Verifier checks viewer tokens signed with a shared secret.
type Verifier struct {
	signer
	leeway time.Duration
}

// NewVerifier constructs a verifier for secret that tolerates leeway of clock skew.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	s, err := newSigner(secret)
	if err != nil {
		return nil, err
	}
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{signer: s, leeway: leeway}, nil
}

// WithClock overrides the verifier clock.
func (v *Verifier) WithClock(clock func() time.Time) {
	if v != nil && clock != nil {
		v.now = clock
	}
}

// Verify validates the token and returns its claims.
func (v *Verifier) Verify(token string) (ViewerClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return ViewerClaims{}, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return ViewerClaims{}, ErrInvalidToken
	}

	//1.- Only HS256 is accepted so a token cannot downgrade the algorithm.
	var header tokenHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return ViewerClaims{}, err
	}
	if header.Algorithm != algorithm {
		return ViewerClaims{}, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time before trusting the payload.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, v.sign(parts[0]+"."+parts[1])) {
		return ViewerClaims{}, ErrInvalidToken
	}

	var payload tokenPayload
	if err := decodeSegment(parts[1], &payload); err != nil {
		return ViewerClaims{}, err
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return ViewerClaims{}, ErrInvalidToken
	}
	if payload.Scope == "" {
		payload.Scope = ScopeWatch
	}
	if !payload.Scope.Valid() {
		return ViewerClaims{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, payload.Scope)
	}

	//3.- Expiry is checked last with the configured skew allowance.
	expires := time.Unix(payload.Expires, 0)
	if expires.Add(v.leeway).Before(v.now()) {
		return ViewerClaims{}, ErrExpiredToken
	}
	return ViewerClaims{
		Viewer:    payload.Subject,
		Scope:     payload.Scope,
		IssuedAt:  time.Unix(payload.Issued, 0),
		ExpiresAt: expires,
	}, nil
}

func decodeSegment(segment string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ErrInvalidToken
	}
	return nil
}
