// Package store holds the two append-only audit streams of the gateway:
// usage events for handled requests and policy denial records for every
// denied one. Events are created once and never mutated; read paths
// aggregate by UTC calendar day or month, never rolling windows.
package store

import (
	"context"
	"errors"
	"time"
)

// EventType classifies a usage event.
type EventType string

const (
	EventBudgetPrecheck EventType = "budget_precheck"
	EventSkillExecution EventType = "skill_execution"
	EventPublishAction  EventType = "publish_action"
	EventTradeAction    EventType = "trade_action"
)

// UsageEvent is one append-only usage record.
type UsageEvent struct {
	EventType     EventType `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	CustomerID    string    `json:"customer_id"`
	AgentID       string    `json:"agent_id"`
	Purpose       string    `json:"purpose,omitempty"`
	Model         string    `json:"model,omitempty"`
	CacheHit      bool      `json:"cache_hit,omitempty"`
	TokensIn      int64     `json:"tokens_in"`
	TokensOut     int64     `json:"tokens_out"`
	CostUSD       float64   `json:"cost_usd"`
	PlanID        string    `json:"plan_id,omitempty"`
}

// PolicyDenialRecord is appended exactly once for every HTTP deny path
// before the error response returns.
type PolicyDenialRecord struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
	DecisionID    string                 `json:"decision_id"`
	AgentID       string                 `json:"agent_id,omitempty"`
	CustomerID    string                 `json:"customer_id,omitempty"`
	Stage         string                 `json:"stage"`
	Action        string                 `json:"action,omitempty"`
	Reason        string                 `json:"reason"`
	Path          string                 `json:"path"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// UsageQuery filters the usage stream. Zero values mean "any".
type UsageQuery struct {
	CustomerID    string
	AgentID       string
	CorrelationID string
	EventType     EventType
	Since         time.Time
	Until         time.Time
	Limit         int
}

// DenialQuery filters the denial stream.
type DenialQuery struct {
	CorrelationID string
	CustomerID    string
	AgentID       string
	Limit         int
}

// Bucket selects the aggregation window.
type Bucket string

const (
	BucketDay   Bucket = "day"
	BucketMonth Bucket = "month"
)

// AggregateQuery asks for bucketed sums over the usage stream.
type AggregateQuery struct {
	CustomerID string
	AgentID    string
	PlanID     string
	Bucket     Bucket
	Since      time.Time
	Until      time.Time
}

// AggregateRow is one bucket of summed usage. Bucket boundaries are
// deterministic UTC calendar starts so clients can correlate with
// budget math.
type AggregateRow struct {
	BucketStart time.Time `json:"bucket_start"`
	Events      int64     `json:"events"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	CostUSD     float64   `json:"cost_usd"`
}

// Totals is the summed usage inside one window, used by the budget
// evaluator.
type Totals struct {
	Events    int64
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// ErrUnavailable signals that a required synchronous write could not be
// made durable; the pipeline maps it to 503 audit_unavailable.
var ErrUnavailable = errors.New("audit store unavailable")

// UsageStore is the append-only usage stream.
type UsageStore interface {
	AppendUsage(ctx context.Context, ev UsageEvent) error
	QueryUsage(ctx context.Context, q UsageQuery) ([]UsageEvent, error)
	AggregateUsage(ctx context.Context, q AggregateQuery) ([]AggregateRow, error)

	// DayTotals sums usage for (customerID, agentID) inside the UTC
	// calendar day containing at. Empty agentID sums the customer's day.
	DayTotals(ctx context.Context, customerID, agentID string, at time.Time) (Totals, error)

	// MonthCost sums cost for planID inside the UTC calendar month
	// containing at.
	MonthCost(ctx context.Context, planID string, at time.Time) (float64, error)
}

// DenialStore is the append-only policy denial stream. Appends are
// synchronous with respect to the HTTP response.
type DenialStore interface {
	AppendDenial(ctx context.Context, rec PolicyDenialRecord) error
	QueryDenials(ctx context.Context, q DenialQuery) ([]PolicyDenialRecord, error)
}
