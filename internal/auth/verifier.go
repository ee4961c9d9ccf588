// Package auth verifies bearer JWTs from the customer and operator
// portals, maintains the refresh-token revocation log, and validates
// the peer envelope trusted services use instead of JWTs.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentmold/backend/internal/ids"
)

// Portal selects which signing secret and token lifetime applies.
type Portal string

const (
	PortalCustomer Portal = "customer"
	PortalPartner  Portal = "partner"
)

// Claims extends registered JWT claims with gateway-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	CustomerID     string   `json:"customer_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
	TrialMode      bool     `json:"trial_mode,omitempty"`
	TrialExpiresAt int64    `json:"trial_expires_at,omitempty"`
	Portal         Portal   `json:"portal,omitempty"`
	RefreshID      string   `json:"refresh_id,omitempty"` // set on refresh tokens only
}

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("refresh token revoked")
)

// Verifier validates bearer tokens fail-closed: any parse or signature
// failure is a deny. Distinct secrets per portal; distinct lifetimes
// (short customer-facing, longer for internal operators).
type Verifier struct {
	secrets   map[Portal][]byte
	lifetimes map[Portal]time.Duration
	clock     ids.Clock

	mu      sync.RWMutex
	revoked map[string]time.Time // refresh_id → revocation time, append-only
}

func NewVerifier(customerSecret, partnerSecret string, customerTTL, partnerTTL time.Duration, clock ids.Clock) *Verifier {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Verifier{
		secrets: map[Portal][]byte{
			PortalCustomer: []byte(customerSecret),
			PortalPartner:  []byte(partnerSecret),
		},
		lifetimes: map[Portal]time.Duration{
			PortalCustomer: customerTTL,
			PortalPartner:  partnerTTL,
		},
		clock:   clock,
		revoked: make(map[string]time.Time),
	}
}

// Issue signs an access token for a portal. Used by login handlers and
// tests; the gateway itself only verifies.
func (v *Verifier) Issue(portal Portal, claims Claims) (string, error) {
	secret := v.secrets[portal]
	if len(secret) == 0 {
		return "", fmt.Errorf("no secret configured for portal %s", portal)
	}
	now := v.clock.Now()
	claims.Portal = portal
	claims.IssuedAt = jwt.NewNumericDate(now)
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(v.lifetimes[portal]))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify parses and validates a bearer token against a portal's secret.
func (v *Verifier) Verify(portal Portal, tokenString string) (*Claims, error) {
	secret := v.secrets[portal]
	if len(secret) == 0 {
		return nil, ErrTokenInvalid
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(v.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyAny tries each portal's secret in turn; the portal claim inside
// the token must match the secret that validated it.
func (v *Verifier) VerifyAny(tokenString string) (*Claims, error) {
	var lastErr error
	for _, portal := range []Portal{PortalCustomer, PortalPartner} {
		claims, err := v.Verify(portal, tokenString)
		if err == nil {
			if claims.Portal != "" && claims.Portal != portal {
				return nil, ErrTokenInvalid
			}
			return claims, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// RevokeRefresh appends a refresh token id to the revocation log.
// Revocation is local to this portal gateway.
func (v *Verifier) RevokeRefresh(refreshID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.revoked[refreshID]; !seen {
		v.revoked[refreshID] = v.clock.Now()
	}
}

// CheckRefresh validates a refresh token and consults the revocation
// log. Revoked refresh tokens are rejected.
func (v *Verifier) CheckRefresh(portal Portal, tokenString string) (*Claims, error) {
	claims, err := v.Verify(portal, tokenString)
	if err != nil {
		return nil, err
	}
	if claims.RefreshID == "" {
		return nil, ErrTokenInvalid
	}
	v.mu.RLock()
	_, revoked := v.revoked[claims.RefreshID]
	v.mu.RUnlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// --- peer envelope ---

// Peer envelope headers. Services calling the gateway on a customer's
// behalf present these instead of a portal JWT.
const (
	HeaderPeerService   = "X-Peer-Service"
	HeaderPeerTimestamp = "X-Peer-Timestamp"
	HeaderPeerCustomer  = "X-Customer-ID"
	HeaderPeerSignature = "X-Peer-Signature"
)

// PeerVerifier validates the short-lived HMAC envelope on
// service-to-service calls.
type PeerVerifier struct {
	secret []byte
	ttl    time.Duration
	clock  ids.Clock
}

func NewPeerVerifier(secret string, ttl time.Duration, clock ids.Clock) *PeerVerifier {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &PeerVerifier{secret: []byte(secret), ttl: ttl, clock: clock}
}

func (p *PeerVerifier) Enabled() bool { return len(p.secret) > 0 }

// SignPeer produces the envelope signature over service|ts|customer.
func SignPeer(secret []byte, service string, ts int64, customerID string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%d|%s", service, ts, customerID)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyPeer checks a peer envelope's signature and freshness and
// returns the trusted customer id it vouches for.
func (p *PeerVerifier) VerifyPeer(service, tsHeader, customerID, signature string) (string, error) {
	if !p.Enabled() {
		return "", ErrTokenInvalid
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrTokenInvalid
	}
	now := p.clock.Now()
	at := time.Unix(ts, 0).UTC()
	if at.Before(now.Add(-p.ttl)) || at.After(now.Add(30*time.Second)) {
		return "", ErrTokenExpired
	}

	want, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return "", ErrTokenInvalid
	}
	mac := hmac.New(sha256.New, p.secret)
	fmt.Fprintf(mac, "%s|%d|%s", service, ts, customerID)
	if !hmac.Equal(want, mac.Sum(nil)) {
		return "", ErrTokenInvalid
	}
	return customerID, nil
}
