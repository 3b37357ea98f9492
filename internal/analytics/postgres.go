package analytics

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var columns = []string{
	"job_id", "task_id", "seq", "level", "message",
	"account_id", "report_name", "error_details", "metadata",
	"emitted_at", "created_at",
}

// PostgresWriter stores events in a Postgres table using COPY.
type PostgresWriter struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresWriter connects a pool to dsn.
func NewPostgresWriter(ctx context.Context, dsn, table string) (*PostgresWriter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open analytics pool: %w", err)
	}
	if table == "" {
		table = "job_logs"
	}
	return &PostgresWriter{pool: pool, table: table}, nil
}

// Migrate applies the embedded goose migrations.
func (w *PostgresWriter) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(w.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func (w *PostgresWriter) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := w.pool.CopyFrom(ctx, pgx.Identifier{w.table}, columns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			var meta any
			if len(e.Metadata) > 0 {
				meta = e.Metadata
			}
			return []any{
				e.JobID, e.TaskID, e.Seq, e.Level, e.Message,
				nullable(e.AccountID), nullable(e.ReportName), nullable(e.ErrorDetails), meta,
				e.EmittedAt, e.RecordedAt,
			}, nil
		}))
	if err != nil {
		return fmt.Errorf("copy %d events: %w", len(events), err)
	}
	return nil
}

// Ping checks connectivity for the health endpoint.
func (w *PostgresWriter) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

func (w *PostgresWriter) Close() {
	w.pool.Close()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
