// Package approval is the single-use approval store. An approval
// authorizes exactly one external side effect for a specific
// (customer, agent, deliverable); consumption is an atomic
// compare-and-set so concurrent attempts produce exactly one winner.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Scope limits what one approval authorizes.
type Scope string

const (
	ScopePerTradeAction Scope = "per_trade_action"
	ScopePerPost        Scope = "per_post"
)

// Approval is an append-only record; only consumed_at is ever set, once.
type Approval struct {
	ApprovalID    string     `json:"approval_id"`
	CustomerID    string     `json:"customer_id"`
	AgentID       string     `json:"agent_id"`
	DeliverableID string     `json:"deliverable_id"`
	Scope         Scope      `json:"scope"`
	GrantedAt     time.Time  `json:"granted_at"`
	SingleUse     bool       `json:"single_use"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
}

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyConsumed = errors.New("approval already consumed")
	ErrScopeMismatch   = errors.New("approval customer/agent mismatch")
)

// Store grants and consumes approvals. Consume must be atomic: under
// N concurrent calls for the same id exactly one succeeds.
type Store interface {
	Grant(ctx context.Context, a Approval) error
	Get(ctx context.Context, approvalID string) (Approval, error)
	List(ctx context.Context, customerID string, limit int) ([]Approval, error)

	// Consume marks the approval consumed if and only if it exists, is
	// unconsumed, and matches the requesting customer/agent.
	Consume(ctx context.Context, approvalID, customerID, agentID string, at time.Time) (Approval, error)
}

// MemoryStore keeps approvals under one mutex; the consume check-and-set
// runs entirely inside the critical section.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]*Approval
	order     []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]*Approval)}
}

func (s *MemoryStore) Grant(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.approvals[a.ApprovalID] = &cp
	s.order = append(s.order, a.ApprovalID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, approvalID string) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) List(_ context.Context, customerID string, limit int) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Approval, 0)
	for _, id := range s.order {
		a := s.approvals[id]
		if customerID != "" && a.CustomerID != customerID {
			continue
		}
		out = append(out, *a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Consume(_ context.Context, approvalID, customerID, agentID string, at time.Time) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return Approval{}, ErrNotFound
	}
	if a.CustomerID != customerID || a.AgentID != agentID {
		return Approval{}, ErrScopeMismatch
	}
	if a.ConsumedAt != nil {
		return *a, ErrAlreadyConsumed
	}
	t := at.UTC()
	a.ConsumedAt = &t
	return *a, nil
}
