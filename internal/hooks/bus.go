// Package hooks is the in-process event bus that makes enforcement
// non-bypassable: every side-effecting skill step is wrapped with Pre*
// and Post* events, and the policy/budget/approval gates subscribe to
// the Pre* events.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/agentmold/backend/internal/core"
)

// Event names emitted around skill steps and tool invocations.
type Event string

const (
	SessionStart Event = "SessionStart"
	PreSkill     Event = "PreSkill"
	PreToolUse   Event = "PreToolUse"
	PostToolUse  Event = "PostToolUse"
	PostSkill    Event = "PostSkill"
	SessionEnd   Event = "SessionEnd"
)

// Pre reports whether a deny from a subscriber aborts the step.
func (e Event) Pre() bool {
	return e == PreSkill || e == PreToolUse || e == SessionStart
}

// Payload accompanies every event dispatch.
type Payload struct {
	Event         Event                  `json:"event"`
	CorrelationID string                 `json:"correlation_id"`
	AgentID       string                 `json:"agent_id"`
	CustomerID    string                 `json:"customer_id"`
	Purpose       string                 `json:"purpose,omitempty"`
	Tool          string                 `json:"tool,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// Subscriber handles one event dispatch. For Pre* events a deny
// decision aborts the step; for Post* events the decision is recorded
// but never aborts.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, p Payload) core.Decision
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	SubName string
	Fn      func(ctx context.Context, p Payload) core.Decision
}

func (s SubscriberFunc) Name() string { return s.SubName }
func (s SubscriberFunc) Handle(ctx context.Context, p Payload) core.Decision {
	return s.Fn(ctx, p)
}

// Bus dispatches events to subscribers in registration order. One bus
// belongs to one compiled agent spec; registration happens at compile
// time, dispatch at request time.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]Subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]Subscriber)}
}

// Subscribe registers a subscriber for an event. Subscribers for a
// given event are invoked in registration order.
func (b *Bus) Subscribe(event Event, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], s)
}

// Emit dispatches the payload to every subscriber in order. For Pre*
// events the first deny short-circuits and is returned; Post* events
// always run every subscriber and return allow.
func (b *Bus) Emit(ctx context.Context, event Event, p Payload) core.Decision {
	b.mu.RLock()
	subs := b.subs[event]
	b.mu.RUnlock()

	p.Event = event
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	for _, s := range subs {
		dec := s.Handle(ctx, p)
		if !dec.Allowed && event.Pre() {
			if dec.Details == nil {
				dec.Details = map[string]interface{}{}
			}
			dec.Details["hook"] = s.Name()
			dec.Details["event"] = string(event)
			return dec
		}
	}
	return core.Allow()
}

// SubscriberNames lists registered subscribers for an event, in order.
func (b *Bus) SubscriberNames(event Event) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subs[event]))
	for _, s := range b.subs[event] {
		names = append(names, s.Name())
	}
	return names
}
