package skills

import (
	"fmt"
	"time"
)

// State is a deliverable lifecycle state.
type State string

const (
	StateDraft     State = "draft"
	StateInReview  State = "in_review"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateScheduled State = "scheduled"
	StatePosted    State = "posted"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateRejected || s == StatePosted || s == StateFailed
}

// transitions is the full edge set of the deliverable state machine.
// draft skips in_review only on the autopublish edge, which Transition
// additionally gates on the Autopublish flag.
var transitions = map[State][]State{
	StateDraft:     {StateInReview, StateApproved},
	StateInReview:  {StateApproved, StateRejected},
	StateApproved:  {StateScheduled, StatePosted, StateFailed},
	StateScheduled: {StatePosted, StateFailed},
}

// TransitionRecord is one observed state change.
type TransitionRecord struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Deliverable is one emitted unit of skill output moving through
// review and release.
type Deliverable struct {
	DeliverableID string                            `json:"deliverable_id"`
	AgentID       string                            `json:"agent_id"`
	CustomerID    string                            `json:"customer_id"`
	State         State                             `json:"state"`
	Canonical     map[string]interface{}            `json:"canonical"`
	Variants      map[string]map[string]interface{} `json:"variants,omitempty"`
	OrderIntent   map[string]interface{}            `json:"order_intent,omitempty"`

	// Autopublish permits the draft→approved shortcut; set only after
	// the autopublish policy allowed it.
	Autopublish bool `json:"autopublish,omitempty"`
	// ApprovalConsumed is set when a single-use approval was consumed
	// for this deliverable. posted requires it.
	ApprovalConsumed bool   `json:"approval_consumed,omitempty"`
	ApprovalID       string `json:"approval_id,omitempty"`

	History []TransitionRecord `json:"history,omitempty"`
}

func NewDeliverable(id, agentID, customerID string, canonical map[string]interface{}) *Deliverable {
	return &Deliverable{
		DeliverableID: id,
		AgentID:       agentID,
		CustomerID:    customerID,
		State:         StateDraft,
		Canonical:     canonical,
	}
}

// Transition moves the deliverable to a new state, enforcing the edge
// set plus the two guarded edges: draft→approved needs Autopublish and
// anything→posted needs a consumed approval.
func (d *Deliverable) Transition(to State, at time.Time) error {
	if d.State.Terminal() {
		return fmt.Errorf("deliverable %s: state %s is terminal", d.DeliverableID, d.State)
	}
	allowed := false
	for _, next := range transitions[d.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("deliverable %s: illegal transition %s → %s", d.DeliverableID, d.State, to)
	}
	if d.State == StateDraft && to == StateApproved && !d.Autopublish {
		return fmt.Errorf("deliverable %s: review required before approval", d.DeliverableID)
	}
	if to == StatePosted && !d.ApprovalConsumed {
		return fmt.Errorf("deliverable %s: posting requires a consumed approval", d.DeliverableID)
	}

	d.History = append(d.History, TransitionRecord{From: d.State, To: to, At: at.UTC()})
	d.State = to
	return nil
}
