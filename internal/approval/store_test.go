package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grantTestApproval(t *testing.T, s Store, id string) {
	t.Helper()
	require.NoError(t, s.Grant(context.Background(), Approval{
		ApprovalID:    id,
		CustomerID:    "C1",
		AgentID:       "A1",
		DeliverableID: "dlv-1",
		Scope:         ScopePerPost,
		GrantedAt:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		SingleUse:     true,
	}))
}

func TestMemoryStore_ConsumeOnce(t *testing.T) {
	s := NewMemoryStore()
	grantTestApproval(t, s, "apr-1")

	at := time.Date(2026, 3, 10, 12, 1, 0, 0, time.UTC)
	a, err := s.Consume(context.Background(), "apr-1", "C1", "A1", at)
	require.NoError(t, err)
	require.NotNil(t, a.ConsumedAt)
	assert.Equal(t, at, *a.ConsumedAt)

	_, err = s.Consume(context.Background(), "apr-1", "C1", "A1", at.Add(time.Second))
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	// consumed_at never moves after the first consume.
	got, err := s.Get(context.Background(), "apr-1")
	require.NoError(t, err)
	assert.Equal(t, at, *got.ConsumedAt)
}

func TestMemoryStore_ConcurrentConsumeSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	grantTestApproval(t, s, "apr-race")

	const n = 50
	var wg sync.WaitGroup
	results := make(chan error, n)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Consume(context.Background(), "apr-race", "C1", "A1", time.Now())
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	winners, losers := 0, 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case err == ErrAlreadyConsumed:
			losers++
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent consume may win")
	assert.Equal(t, n-1, losers)
}

func TestMemoryStore_ConsumeScopeMismatch(t *testing.T) {
	s := NewMemoryStore()
	grantTestApproval(t, s, "apr-2")

	_, err := s.Consume(context.Background(), "apr-2", "C-other", "A1", time.Now())
	assert.ErrorIs(t, err, ErrScopeMismatch)

	_, err = s.Consume(context.Background(), "apr-2", "C1", "A-other", time.Now())
	assert.ErrorIs(t, err, ErrScopeMismatch)

	// Mismatched attempts must not burn the approval.
	_, err = s.Consume(context.Background(), "apr-2", "C1", "A1", time.Now())
	assert.NoError(t, err)
}

func TestMemoryStore_ConsumeNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Consume(context.Background(), "apr-missing", "C1", "A1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListFiltersByCustomer(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Grant(context.Background(), Approval{ApprovalID: "a1", CustomerID: "C1", AgentID: "A1"}))
	require.NoError(t, s.Grant(context.Background(), Approval{ApprovalID: "a2", CustomerID: "C2", AgentID: "A1"}))
	require.NoError(t, s.Grant(context.Background(), Approval{ApprovalID: "a3", CustomerID: "C1", AgentID: "A2"}))

	got, err := s.List(context.Background(), "C1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ApprovalID)
	assert.Equal(t, "a3", got[1].ApprovalID)

	got, err = s.List(context.Background(), "C1", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
