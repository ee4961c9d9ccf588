package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDayBucket_CalendarBoundaries(t *testing.T) {
	assert.Equal(t,
		time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		DayBucket(time.Date(2026, 3, 10, 23, 59, 59, 999e6, time.UTC)))

	// One millisecond past midnight belongs to the new day.
	assert.Equal(t,
		time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		DayBucket(time.Date(2026, 3, 11, 0, 0, 0, 1e6, time.UTC)))
}

func TestDayBucket_NormalizesToUTC(t *testing.T) {
	tz := time.FixedZone("UTC+5", 5*3600)
	// 02:00 local on Mar 11 is 21:00 UTC on Mar 10.
	local := time.Date(2026, 3, 11, 2, 0, 0, 0, tz)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), DayBucket(local))
}

func TestMonthBucket(t *testing.T) {
	assert.Equal(t,
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		MonthBucket(time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)))
	assert.Equal(t,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		MonthBucket(time.Date(2026, 3, 1, 0, 0, 0, 1, time.UTC)))
}

func TestNextBuckets(t *testing.T) {
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), NextDay(at))
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), NextMonth(at))

	// Month rollover across year end.
	dec := time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextMonth(dec))
}

func TestFixedClock_Advance(t *testing.T) {
	c := &FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	c.Advance(90 * time.Minute)
	assert.Equal(t, time.Date(2026, 3, 10, 13, 30, 0, 0, time.UTC), c.Now())
}

func TestIDPrefixes(t *testing.T) {
	assert.Contains(t, NewDecisionID(), "dec-")
	assert.Contains(t, NewApprovalID(), "apr-")
	assert.NotEqual(t, NewCorrelationID(), NewCorrelationID())
}
