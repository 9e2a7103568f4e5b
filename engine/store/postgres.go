package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tosin2013/openshift-coordination-engine/engine/observability"
)

// PostgresStore implements the Store interface on a PostgreSQL backend.
// Used when a durable audit trail is required across restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const actionsSchema = `
CREATE TABLE IF NOT EXISTS actions (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	source          TEXT NOT NULL,
	target          TEXT NOT NULL,
	priority        INT NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	winner_id       TEXT NOT NULL DEFAULT '',
	duplicate_count INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status);
CREATE INDEX IF NOT EXISTS idx_actions_target ON actions (target);

CREATE TABLE IF NOT EXISTS conflict_log (
	action_a      TEXT NOT NULL,
	action_b      TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	rule          TEXT NOT NULL,
	winner_id     TEXT NOT NULL DEFAULT '',
	ts            TIMESTAMPTZ NOT NULL,
	latency_ns    BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conflict_log_ts ON conflict_log (ts);
`

// NewPostgresStore initializes the connection pool and ensures the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, actionsSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) observe(start time.Time) {
	observability.StoreLatency.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
}

const actionColumns = `id, type, source, target, priority, confidence, status, reason, winner_id, duplicate_count, created_at, started_at, completed_at`

func scanAction(row pgx.Row) (*Action, error) {
	var a Action
	err := row.Scan(
		&a.ID, &a.Type, &a.Source, &a.Target, &a.Priority, &a.Confidence,
		&a.Status, &a.Reason, &a.WinnerID, &a.DuplicateCount,
		&a.CreatedAt, &a.StartedAt, &a.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) RegisterAction(ctx context.Context, a *Action) error {
	start := time.Now()
	defer s.observe(start)

	if err := a.Validate(); err != nil {
		return err
	}
	a.Target = NormalizeTarget(a.Target)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}

	query := `
		INSERT INTO actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.Type, a.Source, a.Target, a.Priority, a.Confidence,
		a.Status, a.Reason, a.WinnerID, a.DuplicateCount,
		a.CreatedAt, a.StartedAt, a.CompletedAt,
	)
	return err
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*Action, error) {
	start := time.Now()
	defer s.observe(start)

	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1`
	return scanAction(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) queryActions(ctx context.Context, query string, args ...any) ([]*Action, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListActions(ctx context.Context, f Filter) ([]*Action, error) {
	start := time.Now()
	defer s.observe(start)

	// Filter in SQL on the indexed columns; empty filter fields match all.
	query := `
		SELECT ` + actionColumns + ` FROM actions
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR source = $2)
		  AND ($3 = '' OR target = $3)
		ORDER BY created_at
	`
	return s.queryActions(ctx, query, string(f.Status), string(f.Source), NormalizeTarget(f.Target))
}

func (s *PostgresStore) UpdateActionStatus(ctx context.Context, id string, status ActionStatus, reason string, winnerID string) error {
	start := time.Now()
	defer s.observe(start)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	a, err := scanAction(tx.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if !CanTransition(a.Status, status) {
		return ErrInvalidTransition
	}

	now := time.Now()
	var startedAt, completedAt *time.Time
	startedAt = a.StartedAt
	completedAt = a.CompletedAt
	switch {
	case status == StatusRunning:
		startedAt = &now
	case status.IsTerminal():
		completedAt = &now
	}
	if reason == "" {
		reason = a.Reason
	}
	if winnerID == "" {
		winnerID = a.WinnerID
	}

	_, err = tx.Exec(ctx, `
		UPDATE actions
		SET status = $2, reason = $3, winner_id = $4, started_at = $5, completed_at = $6
		WHERE id = $1
	`, id, status, reason, winnerID, startedAt, completedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Action, error) {
	start := time.Now()
	defer s.observe(start)

	query := `
		SELECT ` + actionColumns + ` FROM actions
		WHERE status IN ($1, $2)
		ORDER BY created_at
	`
	return s.queryActions(ctx, query, StatusPending, StatusRunning)
}

func (s *PostgresStore) FindActiveDuplicate(ctx context.Context, t ActionType, target string, src ActionSource) (*Action, error) {
	start := time.Now()
	defer s.observe(start)

	query := `
		SELECT ` + actionColumns + ` FROM actions
		WHERE status IN ($1, $2) AND type = $3 AND target = $4 AND source = $5
		LIMIT 1
	`
	a, err := scanAction(s.pool.QueryRow(ctx, query,
		StatusPending, StatusRunning, t, NormalizeTarget(target), src))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *PostgresStore) IncrementDuplicateCount(ctx context.Context, id string) (int, error) {
	start := time.Now()
	defer s.observe(start)

	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE actions SET duplicate_count = duplicate_count + 1
		WHERE id = $1
		RETURNING duplicate_count
	`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *PostgresStore) CountActionsByStatus(ctx context.Context, status ActionStatus) (int, error) {
	start := time.Now()
	defer s.observe(start)

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM actions WHERE status = $1`, status).Scan(&count)
	return count, err
}

func (s *PostgresStore) AppendConflict(ctx context.Context, rec *ConflictRecord) error {
	start := time.Now()
	defer s.observe(start)

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conflict_log (action_a, action_b, conflict_type, rule, winner_id, ts, latency_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ActionA, rec.ActionB, rec.ConflictType, rec.Rule, rec.WinnerID, rec.Timestamp, int64(rec.Latency))
	return err
}

func (s *PostgresStore) ConflictsSince(ctx context.Context, since time.Time) ([]*ConflictRecord, error) {
	start := time.Now()
	defer s.observe(start)

	rows, err := s.pool.Query(ctx, `
		SELECT action_a, action_b, conflict_type, rule, winner_id, ts, latency_ns
		FROM conflict_log WHERE ts >= $1 ORDER BY ts
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*ConflictRecord, 0)
	for rows.Next() {
		var rec ConflictRecord
		var latency int64
		if err := rows.Scan(&rec.ActionA, &rec.ActionB, &rec.ConflictType,
			&rec.Rule, &rec.WinnerID, &rec.Timestamp, &latency); err != nil {
			return nil, err
		}
		rec.Latency = time.Duration(latency)
		result = append(result, &rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountConflictsSince(ctx context.Context, since time.Time) (int, error) {
	start := time.Now()
	defer s.observe(start)

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conflict_log WHERE ts >= $1`, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer s.observe(start)

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM actions
		WHERE status IN ($1, $2, $3, $4) AND completed_at IS NOT NULL AND completed_at < $5
	`, StatusCompleted, StatusFailed, StatusRejected, StatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
