// Package metering verifies the signed envelope that attests true
// cost/token values on budgeted requests, so upstream callers cannot
// spoof budget math. The envelope travels in X-Metering-* headers and
// is signed HMAC-SHA256 over a canonical string.
package metering

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentmold/backend/internal/ids"
)

// Envelope header names. A browser-facing proxy strips these before the
// request reaches the gateway; only trusted peers may set them.
const (
	HeaderTimestamp = "X-Metering-Timestamp"
	HeaderTokensIn  = "X-Metering-Tokens-In"
	HeaderTokensOut = "X-Metering-Tokens-Out"
	HeaderModel     = "X-Metering-Model"
	HeaderCacheHit  = "X-Metering-Cache-Hit"
	HeaderCostUSD   = "X-Metering-Cost-USD"
	HeaderSignature = "X-Metering-Signature"
)

var (
	ErrRequired  = errors.New("metering envelope required")
	ErrMalformed = errors.New("metering envelope malformed")
	ErrInvalid   = errors.New("metering envelope invalid")
	ErrExpired   = errors.New("metering envelope expired")
)

// Envelope is the parsed, verified set of metering headers.
type Envelope struct {
	Timestamp     time.Time
	CorrelationID string
	TokensIn      int64
	TokensOut     int64
	Model         string
	CacheHit      bool
	CostUSD       float64
}

// Verifier checks envelope signatures and freshness. Safe for
// concurrent use.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
	clock  ids.Clock
}

// NewVerifier builds a verifier. An empty secret disables envelope
// enforcement entirely (dev mode); callers check Enabled().
func NewVerifier(secret string, ttl, skew time.Duration, clock ids.Clock) *Verifier {
	if ttl == 0 {
		ttl = 300 * time.Second
	}
	if skew == 0 {
		skew = 30 * time.Second
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Verifier{secret: []byte(secret), ttl: ttl, skew: skew, clock: clock}
}

// Enabled reports whether a trusted metering secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// CanonicalString is the exact byte sequence signed by peers:
// ts|correlation_id|tokens_in|tokens_out|model|cache_hit|cost_usd
// with cost_usd formatted to 6 decimal places.
func CanonicalString(ts int64, correlationID string, tokensIn, tokensOut int64, model string, cacheHit bool, costUSD float64) string {
	hit := "0"
	if cacheHit {
		hit = "1"
	}
	return fmt.Sprintf("%d|%s|%d|%d|%s|%s|%s",
		ts, correlationID, tokensIn, tokensOut, model, hit, CanonicalCost(costUSD))
}

// CanonicalCost renders cost_usd at exactly 6 decimal places. The
// canonicalization is stable: parsing the result and re-rendering it
// yields the same string.
func CanonicalCost(costUSD float64) string {
	return strconv.FormatFloat(costUSD, 'f', 6, 64)
}

// Sign produces the base64-url HMAC-SHA256 signature for an envelope.
// Exposed so trusted peers (and tests) share one implementation.
func Sign(secret []byte, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Extract parses the envelope headers without verifying. Returns
// (nil, nil) when no envelope headers are present at all.
func Extract(h http.Header, correlationID string) (*Envelope, error) {
	if h.Get(HeaderTimestamp) == "" && h.Get(HeaderSignature) == "" {
		return nil, nil
	}

	ts, err := strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrMalformed)
	}
	tokensIn, err := strconv.ParseInt(h.Get(HeaderTokensIn), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tokens_in", ErrMalformed)
	}
	tokensOut, err := strconv.ParseInt(h.Get(HeaderTokensOut), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tokens_out", ErrMalformed)
	}
	cost, err := strconv.ParseFloat(h.Get(HeaderCostUSD), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cost_usd", ErrMalformed)
	}
	hit := h.Get(HeaderCacheHit)
	if hit != "0" && hit != "1" {
		return nil, fmt.Errorf("%w: cache_hit must be 0 or 1", ErrMalformed)
	}

	return &Envelope{
		Timestamp:     time.Unix(ts, 0).UTC(),
		CorrelationID: correlationID,
		TokensIn:      tokensIn,
		TokensOut:     tokensOut,
		Model:         h.Get(HeaderModel),
		CacheHit:      hit == "1",
		CostUSD:       cost,
	}, nil
}

// Verify checks the envelope's freshness and signature. The headers'
// signature must match the canonical string reconstructed from the
// parsed fields; comparison is constant-time.
func (v *Verifier) Verify(h http.Header, env *Envelope) error {
	now := v.clock.Now()
	if env.Timestamp.Before(now.Add(-v.ttl)) || env.Timestamp.After(now.Add(v.skew)) {
		return ErrExpired
	}

	canonical := CanonicalString(env.Timestamp.Unix(), env.CorrelationID,
		env.TokensIn, env.TokensOut, env.Model, env.CacheHit, env.CostUSD)

	want, err := base64.RawURLEncoding.DecodeString(h.Get(HeaderSignature))
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrInvalid)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(canonical))
	if !hmac.Equal(want, mac.Sum(nil)) {
		return ErrInvalid
	}
	return nil
}

// Attach writes signed envelope headers onto an outbound request.
// Used by trusted peers such as the skill executor's LLM caller.
func Attach(h http.Header, secret []byte, env Envelope) {
	h.Set(HeaderTimestamp, strconv.FormatInt(env.Timestamp.Unix(), 10))
	h.Set(HeaderTokensIn, strconv.FormatInt(env.TokensIn, 10))
	h.Set(HeaderTokensOut, strconv.FormatInt(env.TokensOut, 10))
	h.Set(HeaderModel, env.Model)
	if env.CacheHit {
		h.Set(HeaderCacheHit, "1")
	} else {
		h.Set(HeaderCacheHit, "0")
	}
	h.Set(HeaderCostUSD, CanonicalCost(env.CostUSD))
	canonical := CanonicalString(env.Timestamp.Unix(), env.CorrelationID,
		env.TokensIn, env.TokensOut, env.Model, env.CacheHit, env.CostUSD)
	h.Set(HeaderSignature, Sign(secret, canonical))
}
