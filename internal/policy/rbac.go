package policy

import (
	"context"

	"github.com/agentmold/backend/internal/core"
)

// RouteTable maps a named route to the permission it requires. Unlisted
// routes require only authentication. The table is data: operators
// extend it through configuration, not code.
type RouteTable map[string]string

// DefaultRouteTable is the built-in permission table.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		"create-agent":              "agent:create",
		"approve-agent":             "agent:approve",
		"grant-approval":            "agent:approve",
		"force-cancel-subscription": "subscription:force_cancel",
		"approve-credit":            "billing:approve_credit",
		"assign-role":               "user:assign_role",
		"list-usage-events":         "audit:read",
		"aggregate-usage-events":    "audit:read",
		"list-policy-denials":       "audit:read",
		"audit-stream":              "audit:read",
	}
}

// PermissionFor returns the required permission for a route name, or
// "" when the route only requires authentication.
func (t RouteTable) PermissionFor(route string) string { return t[route] }

// CheckRBAC consults the PDP's rbac/allow policy for a user/permission
// pair. An empty permission is an automatic allow.
func CheckRBAC(ctx context.Context, pdp PDP, rc *core.RequestContext, permission string) core.Decision {
	if permission == "" {
		return core.Allow()
	}
	dec := pdp.Evaluate(ctx, PolicyRBAC, Input{
		"user": map[string]interface{}{
			"id":    rc.UserID,
			"roles": rc.Roles,
		},
		"customer_id": rc.CustomerID,
		"permission":  permission,
	})
	if !dec.Allowed {
		dec.Stage = core.StageRBAC
		if dec.Reason == "" {
			dec.Reason = core.ReasonPermissionDenied
		}
	}
	return dec
}
