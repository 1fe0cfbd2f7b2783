package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/coveragecheck/trust-api/internal/db"
	"github.com/coveragecheck/trust-api/internal/model"
)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// pgQuerier is the query surface shared by db.Pool and pgx.Tx, letting
// the same query methods run pooled or transactional.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	q pgQuerier
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pgQueries: pgQueries{q: pool}, pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL DEFAULT '',
	specialty TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS evidence_records (
	id             TEXT PRIMARY KEY,
	provider_id    TEXT NOT NULL REFERENCES providers(id),
	plan_id        TEXT NOT NULL,
	accepts        BOOLEAN NOT NULL,
	location_id    TEXT,
	note           TEXT,
	evidence_url   TEXT,
	source         TEXT NOT NULL DEFAULT 'unknown',
	contact_handle TEXT,
	origin_address TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at     TIMESTAMPTZ NOT NULL,
	upvotes        INTEGER NOT NULL DEFAULT 0,
	downvotes      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_evidence_pair_active
	ON evidence_records(provider_id, plan_id, expires_at);
CREATE INDEX IF NOT EXISTS idx_evidence_pair_origin
	ON evidence_records(provider_id, plan_id, origin_address, created_at);
CREATE INDEX IF NOT EXISTS idx_evidence_pair_contact
	ON evidence_records(provider_id, plan_id, contact_handle, created_at)
	WHERE contact_handle IS NOT NULL;

CREATE TABLE IF NOT EXISTS plan_acceptance (
	provider_id      TEXT NOT NULL,
	plan_id          TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'unknown',
	confidence       INTEGER NOT NULL DEFAULT 0,
	last_verified_at TIMESTAMPTZ,
	evidence_count   INTEGER NOT NULL DEFAULT 0,
	expires_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider_id, plan_id)
);

CREATE INDEX IF NOT EXISTS idx_plan_acceptance_nonzero
	ON plan_acceptance(provider_id, plan_id)
	WHERE evidence_count > 0;

CREATE TABLE IF NOT EXISTS evidence_votes (
	evidence_id    TEXT NOT NULL REFERENCES evidence_records(id) ON DELETE CASCADE,
	origin_address TEXT NOT NULL,
	direction      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (evidence_id, origin_address)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Transact runs fn inside a transaction. Queries passed to fn share the
// transaction's connection, so LockAggregate row locks hold until commit.
func (s *PostgresStore) Transact(ctx context.Context, fn func(q Queries) error) error {
	return db.Transact(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgQueries{q: tx})
	})
}

func (s *PostgresStore) Metrics(ctx context.Context, now time.Time) (*Metrics, error) {
	m := &Metrics{AggregatesByStatus: make(map[string]int)}

	row := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM evidence_records WHERE expires_at > $1`, now)
	if err := row.Scan(&m.ActiveEvidence); err != nil {
		return nil, eris.Wrap(err, "postgres: count active evidence")
	}

	row = s.pool.QueryRow(ctx, `SELECT count(*) FROM evidence_votes`)
	if err := row.Scan(&m.TotalVotes); err != nil {
		return nil, eris.Wrap(err, "postgres: count votes")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM plan_acceptance GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count aggregates")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan aggregate count")
		}
		m.AggregatesByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate aggregate counts")
	}

	return m, nil
}

func (p *pgQueries) GetProvider(ctx context.Context, providerID string) (*model.Provider, error) {
	var prov model.Provider
	err := p.q.QueryRow(ctx,
		`SELECT id, name, specialty FROM providers WHERE id = $1`, providerID).
		Scan(&prov.ID, &prov.Name, &prov.Specialty)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider %s", providerID)
	}
	return &prov, nil
}

func (p *pgQueries) UpsertProvider(ctx context.Context, prov *model.Provider) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO providers (id, name, specialty) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, specialty = EXCLUDED.specialty`,
		prov.ID, prov.Name, prov.Specialty)
	return eris.Wrap(err, "postgres: upsert provider")
}

const evidenceColumns = `id, provider_id, plan_id, accepts, location_id, note, evidence_url,
	source, contact_handle, origin_address, created_at, expires_at, upvotes, downvotes`

func scanEvidence(row pgx.Row, rec *model.EvidenceRecord) error {
	return row.Scan(
		&rec.ID, &rec.ProviderID, &rec.PlanID, &rec.Accepts,
		&rec.LocationID, &rec.Note, &rec.EvidenceURL,
		&rec.Source, &rec.ContactHandle, &rec.OriginAddress,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.Upvotes, &rec.Downvotes,
	)
}

func (p *pgQueries) GetEvidence(ctx context.Context, evidenceID string) (*model.EvidenceRecord, error) {
	var rec model.EvidenceRecord
	row := p.q.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_records WHERE id = $1`, evidenceID)
	err := scanEvidence(row, &rec)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get evidence %s", evidenceID)
	}
	return &rec, nil
}

func (p *pgQueries) ListActiveEvidence(ctx context.Context, providerID, planID string, now time.Time) ([]model.EvidenceRecord, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_records
		 WHERE provider_id = $1 AND plan_id = $2 AND expires_at > $3
		 ORDER BY created_at DESC`,
		providerID, planID, now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active evidence")
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		var rec model.EvidenceRecord
		if err := scanEvidence(rows, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate evidence")
	}
	return records, nil
}

func (p *pgQueries) HasRecentSubmission(ctx context.Context, providerID, planID, originAddress string, contactHandle *string, since, now time.Time) (bool, error) {
	var exists bool
	err := p.q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM evidence_records
			WHERE provider_id = $1 AND plan_id = $2
			  AND created_at >= $3 AND expires_at > $4
			  AND (origin_address = $5 OR ($6::text IS NOT NULL AND contact_handle = $6))
		 )`,
		providerID, planID, since, now, originAddress, contactHandle).
		Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check recent submission")
	}
	return exists, nil
}

func (p *pgQueries) InsertEvidence(ctx context.Context, rec *model.EvidenceRecord) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO evidence_records
			(id, provider_id, plan_id, accepts, location_id, note, evidence_url,
			 source, contact_handle, origin_address, created_at, expires_at, upvotes, downvotes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.ProviderID, rec.PlanID, rec.Accepts,
		rec.LocationID, rec.Note, rec.EvidenceURL,
		string(rec.Source), rec.ContactHandle, rec.OriginAddress,
		rec.CreatedAt, rec.ExpiresAt, rec.Upvotes, rec.Downvotes,
	)
	return eris.Wrap(err, "postgres: insert evidence")
}

const aggregateColumns = `provider_id, plan_id, status, confidence, last_verified_at,
	evidence_count, expires_at, updated_at`

func scanAggregate(row pgx.Row, agg *model.AcceptanceAggregate) error {
	return row.Scan(
		&agg.ProviderID, &agg.PlanID, &agg.Status, &agg.Confidence,
		&agg.LastVerifiedAt, &agg.EvidenceCount, &agg.ExpiresAt, &agg.UpdatedAt,
	)
}

func (p *pgQueries) GetAggregate(ctx context.Context, providerID, planID string) (*model.AcceptanceAggregate, error) {
	var agg model.AcceptanceAggregate
	row := p.q.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM plan_acceptance
		 WHERE provider_id = $1 AND plan_id = $2`,
		providerID, planID)
	err := scanAggregate(row, &agg)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get aggregate")
	}
	return &agg, nil
}

func (p *pgQueries) LockAggregate(ctx context.Context, providerID, planID string, now time.Time) (*model.AcceptanceAggregate, error) {
	_, err := p.q.Exec(ctx,
		`INSERT INTO plan_acceptance
			(provider_id, plan_id, status, confidence, evidence_count, expires_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, $4, $5)
		 ON CONFLICT (provider_id, plan_id) DO NOTHING`,
		providerID, planID, string(model.StatusUnknown), now.Add(model.EvidenceTTL), now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert aggregate")
	}

	var agg model.AcceptanceAggregate
	row := p.q.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM plan_acceptance
		 WHERE provider_id = $1 AND plan_id = $2
		 FOR UPDATE`,
		providerID, planID)
	if err := scanAggregate(row, &agg); err != nil {
		return nil, eris.Wrap(err, "postgres: lock aggregate")
	}
	return &agg, nil
}

func (p *pgQueries) SaveAggregate(ctx context.Context, agg *model.AcceptanceAggregate) error {
	_, err := p.q.Exec(ctx,
		`UPDATE plan_acceptance
		 SET status = $3, confidence = $4, last_verified_at = $5,
		     evidence_count = $6, expires_at = $7, updated_at = $8
		 WHERE provider_id = $1 AND plan_id = $2`,
		agg.ProviderID, agg.PlanID, string(agg.Status), agg.Confidence,
		agg.LastVerifiedAt, agg.EvidenceCount, agg.ExpiresAt, agg.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: save aggregate")
}

func (p *pgQueries) UpsertVote(ctx context.Context, vote *model.VoteRecord) (*model.VoteRecord, error) {
	var prev model.VoteRecord
	err := p.q.QueryRow(ctx,
		`SELECT evidence_id, origin_address, direction, created_at, updated_at
		 FROM evidence_votes
		 WHERE evidence_id = $1 AND origin_address = $2
		 FOR UPDATE`,
		vote.EvidenceID, vote.OriginAddress).
		Scan(&prev.EvidenceID, &prev.OriginAddress, &prev.Direction, &prev.CreatedAt, &prev.UpdatedAt)

	switch {
	case err == pgx.ErrNoRows:
		_, err = p.q.Exec(ctx,
			`INSERT INTO evidence_votes (evidence_id, origin_address, direction, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			vote.EvidenceID, vote.OriginAddress, string(vote.Direction), vote.CreatedAt, vote.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: insert vote")
		}
		return nil, nil
	case err != nil:
		return nil, eris.Wrap(err, "postgres: lock vote")
	}

	if prev.Direction != vote.Direction {
		_, err = p.q.Exec(ctx,
			`UPDATE evidence_votes SET direction = $3, updated_at = $4
			 WHERE evidence_id = $1 AND origin_address = $2`,
			vote.EvidenceID, vote.OriginAddress, string(vote.Direction), vote.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: update vote")
		}
	}
	return &prev, nil
}

func (p *pgQueries) ApplyVoteDelta(ctx context.Context, evidenceID string, upDelta, downDelta int) error {
	if upDelta == 0 && downDelta == 0 {
		return nil
	}
	_, err := p.q.Exec(ctx,
		`UPDATE evidence_records SET upvotes = upvotes + $2, downvotes = downvotes + $3
		 WHERE id = $1`,
		evidenceID, upDelta, downDelta)
	return eris.Wrap(err, "postgres: apply vote delta")
}

func (p *pgQueries) ListAggregatesAfter(ctx context.Context, cursorProvider, cursorPlan string, limit int) ([]model.AcceptanceAggregate, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+aggregateColumns+` FROM plan_acceptance
		 WHERE evidence_count > 0 AND (provider_id, plan_id) > ($1, $2)
		 ORDER BY provider_id, plan_id
		 LIMIT $3`,
		cursorProvider, cursorPlan, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list aggregates")
	}
	defer rows.Close()

	var aggs []model.AcceptanceAggregate
	for rows.Next() {
		var agg model.AcceptanceAggregate
		if err := scanAggregate(rows, &agg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan aggregate")
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate aggregates")
	}
	return aggs, nil
}
