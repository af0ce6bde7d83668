package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the ledger in the case_runs table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const runColumns = `fingerprint, case_id, form_version, status, attempts,
	outcome, last_error, started_at, updated_at, expires_at`

func scanRun(row pgx.Row) (*Run, error) {
	r := &Run{}
	err := row.Scan(&r.Fingerprint, &r.CaseID, &r.FormVersion, &r.Status, &r.Attempts,
		&r.Outcome, &r.LastError, &r.StartedAt, &r.UpdatedAt, &r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PGStore) Get(ctx context.Context, fingerprint string) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM case_runs WHERE fingerprint = $1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PGStore) Claim(ctx context.Context, c Claim, expiresAt time.Time) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		INSERT INTO case_runs (fingerprint, case_id, form_version, status, attempts, expires_at)
		VALUES ($1, $2, $3, 'RUNNING', 1, $4)
		ON CONFLICT (fingerprint) DO UPDATE
		SET status = 'RUNNING', attempts = case_runs.attempts + 1,
		    last_error = '', updated_at = NOW(), expires_at = EXCLUDED.expires_at
		WHERE case_runs.status = 'RETRYABLE'
		RETURNING `+runColumns,
		c.Fingerprint, c.CaseID, c.FormVersion, expiresAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimed
	}
	return r, err
}

func (s *PGStore) Settle(ctx context.Context, fingerprint string, status Status, outcome json.RawMessage, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE case_runs
		SET status = $1, outcome = $2, last_error = $3, updated_at = NOW()
		WHERE fingerprint = $4
	`, status, outcome, lastErr, fingerprint)
	return err
}

func (s *PGStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE case_runs
		SET status = 'RETRYABLE', last_error = 'abandoned', updated_at = NOW()
		WHERE status = 'RUNNING' AND updated_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Expire(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM case_runs WHERE expires_at < NOW() AND status <> 'RUNNING'`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'RUNNING'),
			COUNT(*) FILTER (WHERE status = 'DONE'),
			COUNT(*) FILTER (WHERE status = 'RETRYABLE'),
			COUNT(*) FILTER (WHERE status = 'REJECTED')
		FROM case_runs
	`).Scan(&stats.Total, &stats.Running, &stats.Done, &stats.Retryable, &stats.Rejected)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
