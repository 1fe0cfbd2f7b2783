// Package monitoring assembles the operational snapshot served by the
// admin surface.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/coveragecheck/trust-api/internal/abuse"
	"github.com/coveragecheck/trust-api/internal/backend"
	"github.com/coveragecheck/trust-api/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Persisted pipeline state.
	ActiveEvidence     int            `json:"active_evidence"`
	TotalVotes         int            `json:"total_votes"`
	AggregatesByStatus map[string]int `json:"aggregates_by_status"`

	// Limiter and cache counters since process start.
	Backend backend.Snapshot `json:"backend"`

	// Challenge verdict service circuit state.
	ChallengeBreaker string `json:"challenge_breaker"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store, the shared backend
// counters, and the abuse gate.
type Collector struct {
	store store.Store
	stats *backend.Stats
	gate  *abuse.Gate
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, stats *backend.Stats, gate *abuse.Gate) *Collector {
	return &Collector{store: st, stats: stats, gate: gate}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	now := time.Now().UTC()

	dbMetrics, err := c.store.Metrics(ctx, now)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: store metrics")
	}

	return &MetricsSnapshot{
		ActiveEvidence:     dbMetrics.ActiveEvidence,
		TotalVotes:         dbMetrics.TotalVotes,
		AggregatesByStatus: dbMetrics.AggregatesByStatus,
		Backend:            c.stats.Snapshot(),
		ChallengeBreaker:   c.gate.BreakerState(),
		CollectedAt:        now,
	}, nil
}
