// Package sybil detects duplicate submissions intended to manufacture
// false consensus for a (provider, plan) pair.
package sybil

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/coveragecheck/trust-api/internal/store"
)

// DefaultLookback is the window within which a repeat submission from
// the same origin or contact is treated as a duplicate.
const DefaultLookback = 30 * 24 * time.Hour

// Guard performs time-windowed duplicate-submission checks. It runs
// inside the same transaction as evidence creation, after the abuse gate
// and before persistence.
type Guard struct {
	lookback time.Duration
}

// NewGuard creates a Guard with the given lookback (DefaultLookback when
// zero).
func NewGuard(lookback time.Duration) *Guard {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Guard{lookback: lookback}
}

// Check reports whether a submission conflicts with an existing
// non-expired record for the pair from the same origin address or, when
// supplied, the same contact handle. Either match alone is a conflict.
func (g *Guard) Check(ctx context.Context, q store.Queries, providerID, planID, originAddress string, contactHandle *string, now time.Time) (bool, error) {
	since := now.Add(-g.lookback)
	conflict, err := q.HasRecentSubmission(ctx, providerID, planID, originAddress, contactHandle, since, now)
	if err != nil {
		return false, eris.Wrap(err, "sybil: duplicate check")
	}
	return conflict, nil
}
