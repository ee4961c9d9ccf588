package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmold/backend/internal/ids"
)

const (
	customerSecret = "customer-test-secret"
	partnerSecret  = "partner-test-secret"
)

func newTestVerifier() (*Verifier, *ids.FixedClock) {
	clock := &ids.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	v := NewVerifier(customerSecret, partnerSecret, time.Hour, 8*time.Hour, clock)
	return v, clock
}

func TestVerifier_IssueAndVerify(t *testing.T) {
	v, _ := newTestVerifier()

	token, err := v.Issue(PortalCustomer, Claims{
		CustomerID: "C1",
		Email:      "owner@example.com",
		Roles:      []string{"owner"},
		TrialMode:  true,
	})
	require.NoError(t, err)

	claims, err := v.Verify(PortalCustomer, token)
	require.NoError(t, err)
	assert.Equal(t, "C1", claims.CustomerID)
	assert.Equal(t, PortalCustomer, claims.Portal)
	assert.True(t, claims.TrialMode)
	assert.Equal(t, []string{"owner"}, claims.Roles)
}

func TestVerifier_ExpiredToken(t *testing.T) {
	v, clock := newTestVerifier()

	token, err := v.Issue(PortalCustomer, Claims{CustomerID: "C1"})
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Minute)
	_, err = v.Verify(PortalCustomer, token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifier_WrongPortalSecret(t *testing.T) {
	v, _ := newTestVerifier()

	token, err := v.Issue(PortalCustomer, Claims{CustomerID: "C1"})
	require.NoError(t, err)

	_, err = v.Verify(PortalPartner, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifier_VerifyAnyHonorsPortalClaim(t *testing.T) {
	// Two portals sharing a secret must still be distinguished by the
	// portal claim baked into the token.
	clock := &ids.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	v := NewVerifier("shared", "shared", time.Hour, time.Hour, clock)

	token, err := v.Issue(PortalPartner, Claims{CustomerID: "C1"})
	require.NoError(t, err)

	claims, err := v.VerifyAny(token)
	require.NoError(t, err)
	assert.Equal(t, PortalPartner, claims.Portal,
		"VerifyAny would first match the customer secret; the claim mismatch must reject that match")
}

func TestVerifier_VerifyAnyTriesBothPortals(t *testing.T) {
	v, _ := newTestVerifier()

	token, err := v.Issue(PortalPartner, Claims{Roles: []string{"governor"}})
	require.NoError(t, err)

	claims, err := v.VerifyAny(token)
	require.NoError(t, err)
	assert.Equal(t, PortalPartner, claims.Portal)
}

func TestVerifier_GarbageToken(t *testing.T) {
	v, _ := newTestVerifier()
	_, err := v.VerifyAny("not.a.jwt")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifier_RefreshRevocation(t *testing.T) {
	v, _ := newTestVerifier()

	token, err := v.Issue(PortalCustomer, Claims{CustomerID: "C1", RefreshID: "r-1"})
	require.NoError(t, err)

	claims, err := v.CheckRefresh(PortalCustomer, token)
	require.NoError(t, err)
	assert.Equal(t, "r-1", claims.RefreshID)

	v.RevokeRefresh("r-1")
	_, err = v.CheckRefresh(PortalCustomer, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Revoking again is a no-op, not an error.
	v.RevokeRefresh("r-1")
	_, err = v.CheckRefresh(PortalCustomer, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestVerifier_AccessTokenIsNotARefreshToken(t *testing.T) {
	v, _ := newTestVerifier()

	token, err := v.Issue(PortalCustomer, Claims{CustomerID: "C1"})
	require.NoError(t, err)

	_, err = v.CheckRefresh(PortalCustomer, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPeerVerifier_SignAndVerify(t *testing.T) {
	clock := &ids.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	p := NewPeerVerifier("peer-secret", time.Minute, clock)

	ts := clock.Now().Unix()
	sig := SignPeer([]byte("peer-secret"), "scheduler", ts, "C1")

	customer, err := p.VerifyPeer("scheduler", strconv.FormatInt(ts, 10), "C1", sig)
	require.NoError(t, err)
	assert.Equal(t, "C1", customer)
}

func TestPeerVerifier_RejectsTamperedCustomer(t *testing.T) {
	clock := &ids.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	p := NewPeerVerifier("peer-secret", time.Minute, clock)

	ts := clock.Now().Unix()
	sig := SignPeer([]byte("peer-secret"), "scheduler", ts, "C1")

	_, err := p.VerifyPeer("scheduler", strconv.FormatInt(ts, 10), "C2", sig)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPeerVerifier_RejectsStaleEnvelope(t *testing.T) {
	clock := &ids.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	p := NewPeerVerifier("peer-secret", time.Minute, clock)

	ts := clock.Now().Add(-2 * time.Minute).Unix()
	sig := SignPeer([]byte("peer-secret"), "scheduler", ts, "C1")

	_, err := p.VerifyPeer("scheduler", strconv.FormatInt(ts, 10), "C1", sig)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestPeerVerifier_DisabledWithoutSecret(t *testing.T) {
	p := NewPeerVerifier("", time.Minute, nil)
	assert.False(t, p.Enabled())
	_, err := p.VerifyPeer("scheduler", "1700000000", "C1", "sig")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
