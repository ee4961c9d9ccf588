package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmold/backend/internal/ids"
)

// MemoryStore is the in-process implementation of both streams. Appends
// serialize under one mutex, which gives the monotonic-write ordering
// the stores guarantee. Used for dev mode and tests; production runs
// PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	usage   []UsageEvent
	denials []PolicyDenialRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AppendUsage(_ context.Context, ev UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, ev)
	return nil
}

func (m *MemoryStore) AppendDenial(_ context.Context, rec PolicyDenialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denials = append(m.denials, rec)
	return nil
}

func (m *MemoryStore) QueryUsage(_ context.Context, q UsageQuery) ([]UsageEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]UsageEvent, 0)
	for _, ev := range m.usage {
		if !matchUsage(ev, q) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) QueryDenials(_ context.Context, q DenialQuery) ([]PolicyDenialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PolicyDenialRecord, 0)
	for _, rec := range m.denials {
		if q.CorrelationID != "" && rec.CorrelationID != q.CorrelationID {
			continue
		}
		if q.CustomerID != "" && rec.CustomerID != q.CustomerID {
			continue
		}
		if q.AgentID != "" && rec.AgentID != q.AgentID {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AggregateUsage(_ context.Context, q AggregateQuery) ([]AggregateRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buckets := make(map[time.Time]*AggregateRow)
	for _, ev := range m.usage {
		if q.CustomerID != "" && ev.CustomerID != q.CustomerID {
			continue
		}
		if q.AgentID != "" && ev.AgentID != q.AgentID {
			continue
		}
		if q.PlanID != "" && ev.PlanID != q.PlanID {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !ev.Timestamp.Before(q.Until) {
			continue
		}

		var start time.Time
		if q.Bucket == BucketMonth {
			start = ids.MonthBucket(ev.Timestamp)
		} else {
			start = ids.DayBucket(ev.Timestamp)
		}

		row, ok := buckets[start]
		if !ok {
			row = &AggregateRow{BucketStart: start}
			buckets[start] = row
		}
		row.Events++
		row.TokensIn += ev.TokensIn
		row.TokensOut += ev.TokensOut
		row.CostUSD += ev.CostUSD
	}

	out := make([]AggregateRow, 0, len(buckets))
	for _, row := range buckets {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (m *MemoryStore) DayTotals(_ context.Context, customerID, agentID string, at time.Time) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, end := ids.DayBucket(at), ids.NextDay(at)
	var t Totals
	for _, ev := range m.usage {
		if customerID != "" && ev.CustomerID != customerID {
			continue
		}
		if agentID != "" && ev.AgentID != agentID {
			continue
		}
		if ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
			continue
		}
		t.Events++
		t.TokensIn += ev.TokensIn
		t.TokensOut += ev.TokensOut
		t.CostUSD += ev.CostUSD
	}
	return t, nil
}

func (m *MemoryStore) MonthCost(_ context.Context, planID string, at time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, end := ids.MonthBucket(at), ids.NextMonth(at)
	var cost float64
	for _, ev := range m.usage {
		if ev.PlanID != planID {
			continue
		}
		if ev.Timestamp.Before(start) || !ev.Timestamp.Before(end) {
			continue
		}
		cost += ev.CostUSD
	}
	return cost, nil
}

func matchUsage(ev UsageEvent, q UsageQuery) bool {
	if q.CustomerID != "" && ev.CustomerID != q.CustomerID {
		return false
	}
	if q.AgentID != "" && ev.AgentID != q.AgentID {
		return false
	}
	if q.CorrelationID != "" && ev.CorrelationID != q.CorrelationID {
		return false
	}
	if q.EventType != "" && ev.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !ev.Timestamp.Before(q.Until) {
		return false
	}
	return true
}
