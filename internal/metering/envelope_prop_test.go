package metering

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentmold/backend/internal/ids"
)

func TestEnvelopeProperties(t *testing.T) {
	clock := &ids.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	v := NewVerifier(testSecret, 300*time.Second, 30*time.Second, clock)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("cost canonicalization round-trips", prop.ForAll(
		func(cost float64) bool {
			canonical := CanonicalCost(cost)
			parsed, err := strconv.ParseFloat(canonical, 64)
			if err != nil {
				return false
			}
			return CanonicalCost(parsed) == canonical
		},
		gen.Float64Range(0, 100000),
	))

	properties.Property("any token mutation invalidates the signature", prop.ForAll(
		func(tokensIn, tokensOut int64, delta int64) bool {
			if delta == 0 {
				return true
			}
			h := http.Header{}
			Attach(h, []byte(testSecret), Envelope{
				Timestamp:     clock.Now(),
				CorrelationID: "prop-corr",
				TokensIn:      tokensIn,
				TokensOut:     tokensOut,
				Model:         "m",
				CostUSD:       0.25,
			})
			h.Set(HeaderTokensIn, strconv.FormatInt(tokensIn+delta, 10))
			env, err := Extract(h, "prop-corr")
			if err != nil {
				return false
			}
			return v.Verify(h, env) == ErrInvalid
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(1, 1000),
	))

	properties.Property("a valid envelope always verifies", prop.ForAll(
		func(tokensIn, tokensOut int64, cost float64) bool {
			h := http.Header{}
			Attach(h, []byte(testSecret), Envelope{
				Timestamp:     clock.Now(),
				CorrelationID: "prop-corr",
				TokensIn:      tokensIn,
				TokensOut:     tokensOut,
				Model:         "m",
				CostUSD:       cost,
			})
			env, err := Extract(h, "prop-corr")
			if err != nil {
				return false
			}
			return v.Verify(h, env) == nil
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}
