// Package store persists evidence, votes, and acceptance aggregates.
// Two drivers implement the same interface: Postgres (pgx) for
// production and SQLite (modernc) for local development, selected once
// at startup by configuration.
package store

import (
	"context"
	"time"

	"github.com/coveragecheck/trust-api/internal/model"
)

// Queries is the set of operations available both on the base store and
// inside a transaction.
type Queries interface {
	// GetProvider returns the provider read model, or nil when absent.
	GetProvider(ctx context.Context, providerID string) (*model.Provider, error)

	// UpsertProvider creates or refreshes a directory entry.
	UpsertProvider(ctx context.Context, prov *model.Provider) error

	// GetEvidence returns a verification by id, or nil when absent.
	GetEvidence(ctx context.Context, evidenceID string) (*model.EvidenceRecord, error)

	// ListActiveEvidence returns all non-expired evidence for a pair,
	// newest first. Expiry is a logical filter: rows past expires_at are
	// excluded even before physical cleanup.
	ListActiveEvidence(ctx context.Context, providerID, planID string, now time.Time) ([]model.EvidenceRecord, error)

	// HasRecentSubmission reports whether a non-expired record for the
	// pair was created from the same origin address or, when supplied,
	// the same contact handle, on or after since.
	HasRecentSubmission(ctx context.Context, providerID, planID, originAddress string, contactHandle *string, since, now time.Time) (bool, error)

	// InsertEvidence persists a new verification.
	InsertEvidence(ctx context.Context, rec *model.EvidenceRecord) error

	// GetAggregate returns the aggregate for a pair, or nil when absent.
	GetAggregate(ctx context.Context, providerID, planID string) (*model.AcceptanceAggregate, error)

	// LockAggregate upserts the aggregate row for a pair and locks it for
	// the remainder of the transaction, serializing concurrent writers on
	// the same pair. Outside a transaction the lock is advisory only.
	LockAggregate(ctx context.Context, providerID, planID string, now time.Time) (*model.AcceptanceAggregate, error)

	// SaveAggregate writes engine output back to the aggregate row.
	SaveAggregate(ctx context.Context, agg *model.AcceptanceAggregate) error

	// UpsertVote records a vote, flipping direction on re-vote, and
	// returns the prior record (nil on first vote).
	UpsertVote(ctx context.Context, vote *model.VoteRecord) (*model.VoteRecord, error)

	// ApplyVoteDelta adjusts the cached tallies on an evidence record.
	ApplyVoteDelta(ctx context.Context, evidenceID string, upDelta, downDelta int) error

	// ListAggregatesAfter returns a keyset page of aggregates with
	// nonzero evidence count, ordered by (provider_id, plan_id), strictly
	// after the cursor. Empty cursor starts from the beginning.
	ListAggregatesAfter(ctx context.Context, cursorProvider, cursorPlan string, limit int) ([]model.AcceptanceAggregate, error)
}

// Metrics is an operational snapshot of persisted pipeline state.
type Metrics struct {
	ActiveEvidence     int            `json:"active_evidence"`
	TotalVotes         int            `json:"total_votes"`
	AggregatesByStatus map[string]int `json:"aggregates_by_status"`
}

// Store is the persistence interface for the trust pipeline.
type Store interface {
	Queries

	// Transact runs fn atomically. Queries passed to fn operate inside
	// the transaction.
	Transact(ctx context.Context, fn func(q Queries) error) error

	// Metrics reports operational counts for the admin surface.
	Metrics(ctx context.Context, now time.Time) (*Metrics, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
