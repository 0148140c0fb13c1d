// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlsched/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// HistoryStoreConfig controls the Postgres connection pool used for history rows.
type HistoryStoreConfig struct {
	DSN             string
	ActivityTable   string
	JobEventTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Close()
}

// HistoryStore writes activity and job history into Postgres.
type HistoryStore struct {
	pool          pool
	activityTable string
	jobEventTable string
}

var activityColumns = []string{
	"job_id",
	"connection_name",
	"activity",
	"entity_identifier",
	"started_at",
	"duration_ms",
	"data_size",
	"result_code",
	"result_description",
}

// NewHistoryStore creates a Postgres-backed HistoryStore using the provided config.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewHistoryStoreWithPool(p, cfg.ActivityTable, cfg.JobEventTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool, activityTable, jobEventTable string) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if activityTable == "" {
		activityTable = "activity_history"
	}
	if jobEventTable == "" {
		jobEventTable = "job_events"
	}
	for _, table := range []string{activityTable, jobEventTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &HistoryStore{pool: p, activityTable: activityTable, jobEventTable: jobEventTable}, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertActivities bulk-loads activity rows with COPY.
func (s *HistoryStore) InsertActivities(ctx context.Context, rows []store.ActivityRow) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		values = append(values, []any{
			nullable(r.JobID),
			r.Connection,
			r.Activity,
			r.Identifier,
			r.StartedAt,
			r.Duration.Milliseconds(),
			r.Bytes,
			r.ResultCode,
			r.Description,
		})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.activityTable}, activityColumns, pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("copy activity history: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy activity history: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// InsertJobEvent appends a job status change.
func (s *HistoryStore) InsertJobEvent(ctx context.Context, row store.JobEventRow) error {
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, status, prior_status, event_time)
VALUES ($1,$2,$3,$4)`, s.jobEventTable)
	if _, err := s.pool.Exec(ctx, query, row.JobID, row.Status, row.Prior, row.At); err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListActivities returns the newest activity rows for connection.
func (s *HistoryStore) ListActivities(ctx context.Context, connection string, limit, offset int) ([]store.ActivityRow, error) {
	query := fmt.Sprintf(`
SELECT coalesce(job_id, ''), connection_name, activity, entity_identifier, started_at,
	duration_ms, data_size, result_code, result_description
FROM %s
WHERE connection_name = $1
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.activityTable)
	rows, err := s.pool.Query(ctx, query, connection, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list activity history: %w", err)
	}
	defer rows.Close()

	var out []store.ActivityRow
	for rows.Next() {
		var (
			r  store.ActivityRow
			ms int64
		)
		if err := rows.Scan(
			&r.JobID,
			&r.Connection,
			&r.Activity,
			&r.Identifier,
			&r.StartedAt,
			&ms,
			&r.Bytes,
			&r.ResultCode,
			&r.Description,
		); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
