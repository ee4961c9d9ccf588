// Package ids provides the process clock, correlation/decision ID
// generation, and the UTC bucket helpers shared by budget math and
// usage aggregation.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a pinned instant; tests advance it explicitly.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

// Advance moves the pinned clock forward.
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// NewCorrelationID mints a correlation ID for a request that did not
// carry one.
func NewCorrelationID() string { return uuid.NewString() }

// NewDecisionID mints a decision ID; assigned when a request is denied
// so operators can join the response to the denial record.
func NewDecisionID() string { return "dec-" + uuid.NewString() }

// NewApprovalID mints an approval ID.
func NewApprovalID() string { return "apr-" + uuid.NewString() }

// DayBucket truncates t to the start of its UTC calendar day. Budget
// windows are calendar buckets, never rolling: a request at
// 00:00:00.001 UTC opens a fresh day's counters.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthBucket truncates t to the start of its UTC calendar month.
func MonthBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextDay returns the exclusive upper bound of t's UTC day bucket.
func NextDay(t time.Time) time.Time { return DayBucket(t).AddDate(0, 0, 1) }

// NextMonth returns the exclusive upper bound of t's UTC month bucket.
func NextMonth(t time.Time) time.Time { return MonthBucket(t).AddDate(0, 1, 0) }
