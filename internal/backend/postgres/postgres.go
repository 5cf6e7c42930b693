// Package postgres is the relational adapter: one statements table keyed by
// (target, id), bulk ingestion over the COPY protocol, and native filtering
// with keyset pagination on (stored_ns, id).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/axiomata/recital/internal/backend"
	"github.com/axiomata/recital/internal/model"
)

// Config holds the adapter settings.
type Config struct {
	DSN string
	// CopyTimeout bounds one COPY round trip so a hung server cannot block a
	// flush indefinitely. Zero means 30s.
	CopyTimeout time.Duration
}

// Backend implements backend.Backend on PostgreSQL via pgxpool.
type Backend struct {
	pool      *pgxpool.Pool
	copyTO    time.Duration
	logger    *slog.Logger
	closeOnce sync.Once
}

const schema = `
CREATE TABLE IF NOT EXISTS statements (
	target       text    NOT NULL,
	id           text    NOT NULL,
	stored_ns    bigint  NOT NULL,
	raw          jsonb   NOT NULL,
	actor        text    NOT NULL DEFAULT '',
	verb         text    NOT NULL DEFAULT '',
	activity     text    NOT NULL DEFAULT '',
	authority    text    NOT NULL DEFAULT '',
	timestamp_ns bigint  NOT NULL,
	voiding      boolean NOT NULL DEFAULT false,
	void_target  text    NOT NULL DEFAULT '',
	PRIMARY KEY (target, id)
);
CREATE INDEX IF NOT EXISTS statements_order_idx ON statements (target, stored_ns, id);
CREATE INDEX IF NOT EXISTS statements_void_idx ON statements (target, void_target) WHERE voiding;
`

var columns = []string{
	"target", "id", "stored_ns", "raw", "actor", "verb", "activity",
	"authority", "timestamp_ns", "voiding", "void_target",
}

// New creates the pool, pings it, and ensures the schema exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: DSN is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, backend.ConnectionErr("postgres: ping", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, backend.RejectedErr("postgres: ensure schema", err)
	}
	to := cfg.CopyTimeout
	if to == 0 {
		to = 30 * time.Second
	}
	return &Backend{pool: pool, copyTO: to, logger: logger}, nil
}

// Capabilities: everything pushes down.
func (b *Backend) Capabilities() backend.CapabilitySet {
	return backend.CapabilitySet(backend.CapBulkWrite | backend.CapNativeFilter | backend.CapNativeRangeFilter)
}

// Write tries one COPY for the whole batch, then falls back to per-row
// inserts when the engine refuses it, so a single bad row cannot sink its
// siblings and every item gets its own verdict.
func (b *Backend) Write(ctx context.Context, target string, stmts []model.Statement) []backend.WriteResult {
	results := make([]backend.WriteResult, len(stmts))
	rows := make([][]any, len(stmts))
	for i, s := range stmts {
		results[i].ID = s.ID
		rows[i] = rowValues(target, s)
	}

	copyCtx, cancel := context.WithTimeout(ctx, b.copyTO)
	_, err := b.pool.CopyFrom(copyCtx, pgx.Identifier{"statements"}, columns, pgx.CopyFromRows(rows))
	cancel()
	if err == nil {
		return results
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		for i := range results {
			results[i].Err = backend.ConnectionErr("postgres: copy", err)
		}
		return results
	}

	b.logger.Warn("postgres: copy refused, retrying per row", "error", pgErr.Message, "code", pgErr.Code)
	for i, row := range rows {
		_, err := b.pool.Exec(ctx,
			`INSERT INTO statements (`+strings.Join(columns, ", ")+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			row...,
		)
		if err != nil {
			results[i].Err = classify("postgres: insert", err)
		}
	}
	return results
}

// Read selects with native filters and keyset continuation. Postgres row
// tuple comparison gives the (stored_ns, id) keyset in one predicate.
func (b *Backend) Read(ctx context.Context, target string, q model.StatementQuery) (*backend.ReadResult, error) {
	where := []string{"target = $1"}
	args := []any{target}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch {
	case len(q.IDs) > 0:
		where = append(where, "id = ANY("+arg(q.IDs)+")")
	case len(q.VoidTargets) > 0:
		where = append(where, "voiding", "void_target = ANY("+arg(q.VoidTargets)+")")
	default:
		if !q.IncludeVoided {
			where = append(where, "NOT voiding")
		}
		if q.Actor != "" {
			where = append(where, "actor = "+arg(q.Actor))
		}
		if q.Verb != "" {
			where = append(where, "verb = "+arg(q.Verb))
		}
		if q.Activity != "" {
			where = append(where, "activity = "+arg(q.Activity))
		}
		if q.Authority != "" {
			where = append(where, "authority = "+arg(q.Authority))
		}
		if q.Since != nil {
			where = append(where, "timestamp_ns >= "+arg(q.Since.UnixNano()))
		}
		if q.Until != nil {
			where = append(where, "timestamp_ns < "+arg(q.Until.UnixNano()))
		}
	}

	dir, cmp := "DESC", "<"
	if q.Ascending {
		dir, cmp = "ASC", ">"
	}
	if q.Cursor != nil {
		where = append(where, fmt.Sprintf("(stored_ns, id) %s (%s, %s)",
			cmp, arg(q.Cursor.Stored.UnixNano()), arg(q.Cursor.ID)))
	}

	sql := `SELECT id, stored_ns, raw, actor, verb, activity, authority, timestamp_ns, voiding, void_target
		FROM statements WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY stored_ns %s, id %s", dir, dir)
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}

	stmts, err := b.query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	res := &backend.ReadResult{Statements: stmts}
	if q.Limit > 0 && len(stmts) == q.Limit {
		last := stmts[len(stmts)-1]
		res.Next = &model.Cursor{Stored: last.Stored, ID: last.ID}
	}
	return res, nil
}

// ReadByIDs fetches exact ids regardless of voiding state.
func (b *Backend) ReadByIDs(ctx context.Context, target string, ids []string) ([]model.Statement, error) {
	return b.query(ctx,
		`SELECT id, stored_ns, raw, actor, verb, activity, authority, timestamp_ns, voiding, void_target
		 FROM statements WHERE target = $1 AND id = ANY($2)`,
		[]any{target, ids},
	)
}

func (b *Backend) query(ctx context.Context, sql string, args []any) ([]model.Statement, error) {
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("postgres: query", err)
	}
	defer rows.Close()

	var stmts []model.Statement
	for rows.Next() {
		var (
			s              model.Statement
			storedNS, tsNS int64
			raw            []byte
		)
		if err := rows.Scan(&s.ID, &storedNS, &raw, &s.Meta.Actor, &s.Meta.Verb,
			&s.Meta.Activity, &s.Meta.Authority, &tsNS, &s.Meta.Voiding, &s.Meta.VoidTarget); err != nil {
			return nil, backend.RejectedErr("postgres: scan", err)
		}
		s.Stored = time.Unix(0, storedNS).UTC()
		s.Meta.Timestamp = time.Unix(0, tsNS).UTC()
		s.Raw = raw
		stmts = append(stmts, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("postgres: rows", err)
	}
	return stmts, nil
}

// List enumerates the distinct targets present in the table.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT DISTINCT target FROM statements ORDER BY target`)
	if err != nil {
		return nil, classify("postgres: list", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, backend.RejectedErr("postgres: scan", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Close releases the pool. Idempotent.
func (b *Backend) Close(_ context.Context) error {
	b.closeOnce.Do(b.pool.Close)
	return nil
}

func rowValues(target string, s model.Statement) []any {
	return []any{
		target, s.ID, s.Stored.UnixNano(), []byte(s.Raw),
		s.Meta.Actor, s.Meta.Verb, s.Meta.Activity, s.Meta.Authority,
		s.Meta.Timestamp.UnixNano(), s.Meta.Voiding, s.Meta.VoidTarget,
	}
}

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return backend.RejectedErr(op, err)
	}
	return backend.ConnectionErr(op, err)
}
