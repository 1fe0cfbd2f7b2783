package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/coveragecheck/trust-api/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for
// local development; per-pair serialization relies on SQLite's
// single-writer transactions instead of row locks.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	q sqliteQuerier
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqliteQueries: sqliteQueries{q: sdb}, db: sdb}, nil
}

const sqliteMigration = `
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
	created_at     DATETIME NOT NULL,
	expires_at     DATETIME NOT NULL,
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
	last_verified_at DATETIME,
	evidence_count   INTEGER NOT NULL DEFAULT 0,
	expires_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	PRIMARY KEY (provider_id, plan_id)
);

CREATE TABLE IF NOT EXISTS evidence_votes (
	evidence_id    TEXT NOT NULL REFERENCES evidence_records(id) ON DELETE CASCADE,
	origin_address TEXT NOT NULL,
	direction      TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (evidence_id, origin_address)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Transact(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin transaction")
	}
	if err := fn(&sqliteQueries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit transaction")
}

func (s *SQLiteStore) Metrics(ctx context.Context, now time.Time) (*Metrics, error) {
	m := &Metrics{AggregatesByStatus: make(map[string]int)}

	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM evidence_records WHERE expires_at > ?`, now).
		Scan(&m.ActiveEvidence)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count active evidence")
	}

	err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM evidence_votes`).
		Scan(&m.TotalVotes)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count votes")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM plan_acceptance GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count aggregates")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan aggregate count")
		}
		m.AggregatesByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate aggregate counts")
	}

	return m, nil
}

func (s *sqliteQueries) GetProvider(ctx context.Context, providerID string) (*model.Provider, error) {
	var prov model.Provider
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, specialty FROM providers WHERE id = ?`, providerID).
		Scan(&prov.ID, &prov.Name, &prov.Specialty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %s", providerID)
	}
	return &prov, nil
}

func (s *sqliteQueries) UpsertProvider(ctx context.Context, prov *model.Provider) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO providers (id, name, specialty) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, specialty = excluded.specialty`,
		prov.ID, prov.Name, prov.Specialty)
	return eris.Wrap(err, "sqlite: upsert provider")
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanEvidenceSQL(row sqlScanner, rec *model.EvidenceRecord) error {
	return row.Scan(
		&rec.ID, &rec.ProviderID, &rec.PlanID, &rec.Accepts,
		&rec.LocationID, &rec.Note, &rec.EvidenceURL,
		&rec.Source, &rec.ContactHandle, &rec.OriginAddress,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.Upvotes, &rec.Downvotes,
	)
}

func (s *sqliteQueries) GetEvidence(ctx context.Context, evidenceID string) (*model.EvidenceRecord, error) {
	var rec model.EvidenceRecord
	row := s.q.QueryRowContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_records WHERE id = ?`, evidenceID)
	err := scanEvidenceSQL(row, &rec)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get evidence %s", evidenceID)
	}
	return &rec, nil
}

func (s *sqliteQueries) ListActiveEvidence(ctx context.Context, providerID, planID string, now time.Time) ([]model.EvidenceRecord, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_records
		 WHERE provider_id = ? AND plan_id = ? AND expires_at > ?
		 ORDER BY created_at DESC`,
		providerID, planID, now)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active evidence")
	}
	defer rows.Close()

	var records []model.EvidenceRecord
	for rows.Next() {
		var rec model.EvidenceRecord
		if err := scanEvidenceSQL(rows, &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate evidence")
	}
	return records, nil
}

func (s *sqliteQueries) HasRecentSubmission(ctx context.Context, providerID, planID, originAddress string, contactHandle *string, since, now time.Time) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM evidence_records
			WHERE provider_id = ? AND plan_id = ?
			  AND created_at >= ? AND expires_at > ?
			  AND (origin_address = ? OR (? IS NOT NULL AND contact_handle = ?))
		 )`,
		providerID, planID, since, now, originAddress, contactHandle, contactHandle).
		Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check recent submission")
	}
	return exists, nil
}

func (s *sqliteQueries) InsertEvidence(ctx context.Context, rec *model.EvidenceRecord) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO evidence_records
			(id, provider_id, plan_id, accepts, location_id, note, evidence_url,
			 source, contact_handle, origin_address, created_at, expires_at, upvotes, downvotes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProviderID, rec.PlanID, rec.Accepts,
		rec.LocationID, rec.Note, rec.EvidenceURL,
		string(rec.Source), rec.ContactHandle, rec.OriginAddress,
		rec.CreatedAt, rec.ExpiresAt, rec.Upvotes, rec.Downvotes,
	)
	return eris.Wrap(err, "sqlite: insert evidence")
}

func scanAggregateSQL(row sqlScanner, agg *model.AcceptanceAggregate) error {
	return row.Scan(
		&agg.ProviderID, &agg.PlanID, &agg.Status, &agg.Confidence,
		&agg.LastVerifiedAt, &agg.EvidenceCount, &agg.ExpiresAt, &agg.UpdatedAt,
	)
}

func (s *sqliteQueries) GetAggregate(ctx context.Context, providerID, planID string) (*model.AcceptanceAggregate, error) {
	var agg model.AcceptanceAggregate
	row := s.q.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+` FROM plan_acceptance
		 WHERE provider_id = ? AND plan_id = ?`,
		providerID, planID)
	err := scanAggregateSQL(row, &agg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get aggregate")
	}
	return &agg, nil
}

func (s *sqliteQueries) LockAggregate(ctx context.Context, providerID, planID string, now time.Time) (*model.AcceptanceAggregate, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO plan_acceptance
			(provider_id, plan_id, status, confidence, evidence_count, expires_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)`,
		providerID, planID, string(model.StatusUnknown), now.Add(model.EvidenceTTL), now)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert aggregate")
	}

	var agg model.AcceptanceAggregate
	row := s.q.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+` FROM plan_acceptance
		 WHERE provider_id = ? AND plan_id = ?`,
		providerID, planID)
	if err := scanAggregateSQL(row, &agg); err != nil {
		return nil, eris.Wrap(err, "sqlite: lock aggregate")
	}
	return &agg, nil
}

func (s *sqliteQueries) SaveAggregate(ctx context.Context, agg *model.AcceptanceAggregate) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE plan_acceptance
		 SET status = ?, confidence = ?, last_verified_at = ?,
		     evidence_count = ?, expires_at = ?, updated_at = ?
		 WHERE provider_id = ? AND plan_id = ?`,
		string(agg.Status), agg.Confidence, agg.LastVerifiedAt,
		agg.EvidenceCount, agg.ExpiresAt, agg.UpdatedAt,
		agg.ProviderID, agg.PlanID,
	)
	return eris.Wrap(err, "sqlite: save aggregate")
}

func (s *sqliteQueries) UpsertVote(ctx context.Context, vote *model.VoteRecord) (*model.VoteRecord, error) {
	var prev model.VoteRecord
	err := s.q.QueryRowContext(ctx,
		`SELECT evidence_id, origin_address, direction, created_at, updated_at
		 FROM evidence_votes
		 WHERE evidence_id = ? AND origin_address = ?`,
		vote.EvidenceID, vote.OriginAddress).
		Scan(&prev.EvidenceID, &prev.OriginAddress, &prev.Direction, &prev.CreatedAt, &prev.UpdatedAt)

	switch {
	case err == sql.ErrNoRows:
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO evidence_votes (evidence_id, origin_address, direction, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			vote.EvidenceID, vote.OriginAddress, string(vote.Direction), vote.CreatedAt, vote.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: insert vote")
		}
		return nil, nil
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: get vote")
	}

	if prev.Direction != vote.Direction {
		_, err = s.q.ExecContext(ctx,
			`UPDATE evidence_votes SET direction = ?, updated_at = ?
			 WHERE evidence_id = ? AND origin_address = ?`,
			string(vote.Direction), vote.UpdatedAt, vote.EvidenceID, vote.OriginAddress)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: update vote")
		}
	}
	return &prev, nil
}

func (s *sqliteQueries) ApplyVoteDelta(ctx context.Context, evidenceID string, upDelta, downDelta int) error {
	if upDelta == 0 && downDelta == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE evidence_records SET upvotes = upvotes + ?, downvotes = downvotes + ?
		 WHERE id = ?`,
		upDelta, downDelta, evidenceID)
	return eris.Wrap(err, "sqlite: apply vote delta")
}

func (s *sqliteQueries) ListAggregatesAfter(ctx context.Context, cursorProvider, cursorPlan string, limit int) ([]model.AcceptanceAggregate, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+aggregateColumns+` FROM plan_acceptance
		 WHERE evidence_count > 0 AND (provider_id, plan_id) > (?, ?)
		 ORDER BY provider_id, plan_id
		 LIMIT ?`,
		cursorProvider, cursorPlan, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list aggregates")
	}
	defer rows.Close()

	var aggs []model.AcceptanceAggregate
	for rows.Next() {
		var agg model.AcceptanceAggregate
		if err := scanAggregateSQL(rows, &agg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan aggregate")
		}
		aggs = append(aggs, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate aggregates")
	}
	return aggs, nil
}
