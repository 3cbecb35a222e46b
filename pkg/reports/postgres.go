package reports

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/shellie/pkg/safety"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresArchive stores cleared reports in Postgres.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// OpenPostgresArchive connects to dsn and applies pending migrations.
func OpenPostgresArchive(ctx context.Context, dsn string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres is not reachable: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresArchive{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Archive inserts reports; ones already archived are skipped.
func (a *PostgresArchive) Archive(ctx context.Context, reports []Report) error {
	if len(reports) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range reports {
		matches := r.Matches
		if matches == nil {
			matches = []string{}
		}
		batch.Queue(
			`INSERT INTO safety_reports (id, reported_at, child_message, severity, matches, student)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			r.ID, r.Timestamp, r.ChildMessage, string(r.Severity), matches, r.Student,
		)
	}
	br := a.pool.SendBatch(ctx, batch)
	for range reports {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("archive report: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("archive reports: %w", err)
	}
	return nil
}

// Recent returns up to limit archived reports, newest first.
func (a *PostgresArchive) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.pool.Query(ctx,
		`SELECT id::text, reported_at, child_message, severity, matches, student
		 FROM safety_reports ORDER BY reported_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r        Report
			severity string
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ChildMessage, &severity, &r.Matches, &r.Student); err != nil {
			return nil, fmt.Errorf("scan archived report: %w", err)
		}
		r.Severity = safety.Severity(severity)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read archived reports: %w", err)
	}
	return out, nil
}

func (a *PostgresArchive) Close() {
	a.pool.Close()
}

var _ Archive = (*PostgresArchive)(nil)
