package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmold/backend/internal/core"
)

func TestHTTPClient_Allow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/data/trial_mode/allow", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"allow":true,"obligations":{"sandbox_route":true}}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	dec := c.Evaluate(context.Background(), PolicyTrialMode, Input{"customer_id": "C1"})
	require.True(t, dec.Allowed)
	assert.Equal(t, true, dec.Obligations["sandbox_route"])
}

func TestHTTPClient_DenyCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"allow":false,"reason":"trial_production_write_blocked"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	dec := c.Evaluate(context.Background(), PolicyTrialMode, Input{})
	assert.False(t, dec.Allowed)
	assert.Equal(t, core.StagePolicy, dec.Stage)
	assert.Equal(t, core.ReasonTrialProductionWrite, dec.Reason)
}

func TestHTTPClient_DenyWithoutReasonDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"allow":false}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	dec := c.Evaluate(context.Background(), PolicyRBAC, Input{})
	assert.Equal(t, core.ReasonPermissionDenied, dec.Reason)
}

func TestHTTPClient_ServerErrorDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	dec := c.Evaluate(context.Background(), PolicyRBAC, Input{})
	assert.False(t, dec.Allowed)
	assert.Equal(t, core.ReasonPolicyUnavailable, dec.Reason)
}

func TestHTTPClient_TimeoutDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 50*time.Millisecond)
	dec := c.Evaluate(context.Background(), PolicyRBAC, Input{})
	assert.False(t, dec.Allowed)
	assert.Equal(t, core.ReasonPolicyUnavailable, dec.Reason)
}

func TestHTTPClient_UnreachableDenies(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", 100*time.Millisecond)
	dec := c.Evaluate(context.Background(), PolicyRBAC, Input{})
	assert.False(t, dec.Allowed)
	assert.Equal(t, core.ReasonPolicyUnavailable, dec.Reason)
}

func TestHTTPClient_MalformedResponseDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	dec := c.Evaluate(context.Background(), PolicyRBAC, Input{})
	assert.Equal(t, core.ReasonPolicyUnavailable, dec.Reason)
}

func TestCheckRBAC_EmptyPermissionAllows(t *testing.T) {
	pdp := Func(func(ctx context.Context, path string, in Input) core.Decision {
		t.Fatal("the PDP must not be consulted for routes without a permission")
		return core.Decision{}
	})
	rc := &core.RequestContext{UserID: "U1"}
	assert.True(t, CheckRBAC(context.Background(), pdp, rc, "").Allowed)
}

func TestCheckRBAC_DenySetsRBACStage(t *testing.T) {
	pdp := Func(func(ctx context.Context, path string, in Input) core.Decision {
		assert.Equal(t, PolicyRBAC, path)
		assert.Equal(t, "audit:read", in["permission"])
		return core.Decision{Allowed: false}
	})
	rc := &core.RequestContext{UserID: "U1", CustomerID: "C1", Roles: []string{"member"}}
	dec := CheckRBAC(context.Background(), pdp, rc, "audit:read")
	assert.False(t, dec.Allowed)
	assert.Equal(t, core.StageRBAC, dec.Stage)
	assert.Equal(t, core.ReasonPermissionDenied, dec.Reason)
}

func TestDefaultRouteTable_AdminRoutesRequireAudit(t *testing.T) {
	tbl := DefaultRouteTable()
	assert.Equal(t, "audit:read", tbl.PermissionFor("list-usage-events"))
	assert.Equal(t, "agent:approve", tbl.PermissionFor("grant-approval"))
	assert.Equal(t, "", tbl.PermissionFor("run-reference-agent"),
		"customer routes carry no extra permission")
}
