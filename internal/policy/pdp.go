// Package policy is the gateway's policy decision point client and the
// data-driven RBAC route table. The PDP is an external service; every
// transport failure is a deny (deny-by-default, "L0").
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/agentmold/backend/internal/core"
)

// Core-required policy paths.
const (
	PolicyTrialMode   = "trial_mode/allow"
	PolicyRBAC        = "rbac/allow"
	PolicyApproval    = "approval/required_for_action"
	PolicyAutopublish = "autopublish/allow"
)

// Input is the structured document a policy evaluates.
type Input map[string]interface{}

// PDP evaluates a named policy against an input and returns a typed
// decision. Implementations must be safe for concurrent use.
type PDP interface {
	Evaluate(ctx context.Context, policyPath string, input Input) core.Decision
}

// Func adapts a function to the PDP interface; used by tests and by
// embedded policy sets.
type Func func(ctx context.Context, policyPath string, input Input) core.Decision

func (f Func) Evaluate(ctx context.Context, policyPath string, input Input) core.Decision {
	return f(ctx, policyPath, input)
}

// HTTPClient talks to an external PDP over
// POST {base}/v1/data/{policy_path} with {"input": ...}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *log.Logger
}

// NewHTTPClient builds the PDP client with a bounded per-call timeout
// (default 500ms).
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  log.New(log.Writer(), "[PDP] ", log.LstdFlags),
	}
}

type pdpResponse struct {
	Result struct {
		Allow       bool                   `json:"allow"`
		Reason      string                 `json:"reason"`
		Obligations map[string]interface{} `json:"obligations"`
	} `json:"result"`
}

// Evaluate calls the PDP. Any transport failure, timeout, or malformed
// response denies with reason policy_unavailable. The gateway never
// retries within a request.
func (c *HTTPClient) Evaluate(ctx context.Context, policyPath string, input Input) core.Decision {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return unavailable()
	}

	url := fmt.Sprintf("%s/v1/data/%s", c.baseURL, policyPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return unavailable()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Printf("PDP unreachable for %s: %v", policyPath, err)
		return unavailable()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Printf("PDP returned %d for %s", resp.StatusCode, policyPath)
		return unavailable()
	}

	var out pdpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return unavailable()
	}

	if !out.Result.Allow {
		reason := out.Result.Reason
		if reason == "" {
			reason = core.ReasonPermissionDenied
		}
		return core.Decision{Allowed: false, Stage: core.StagePolicy, Reason: reason,
			Obligations: out.Result.Obligations}
	}
	return core.Decision{Allowed: true, Obligations: out.Result.Obligations}
}

func unavailable() core.Decision {
	return core.Decision{Allowed: false, Stage: core.StagePolicy, Reason: core.ReasonPolicyUnavailable}
}
