package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/dispatcher/internal/core/domain"
	"github.com/vietddude/dispatcher/internal/journal"
	"github.com/vietddude/dispatcher/internal/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Journal implements journal.Journal using PostgreSQL.
type Journal struct {
	db *sqlx.DB
}

var _ journal.Journal = (*Journal)(nil)

// Open connects, applies migrations and returns the journal.
func Open(ctx context.Context, cfg journal.Config) (*Journal, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate db: %w", err)
	}
	return nil
}

type recordRow struct {
	JobID          string    `db:"job_id"`
	Queue          string    `db:"queue"`
	FunctionRef    string    `db:"function_ref"`
	InvocationType string    `db:"invocation_type"`
	Delivery       int       `db:"delivery"`
	State          string    `db:"state"`
	ErrorKind      string    `db:"error_kind"`
	ErrorMsg       string    `db:"error_msg"`
	DurationNS     int64     `db:"duration_ns"`
	RecordedAt     time.Time `db:"recorded_at"`
}

func toRow(rec domain.DispatchRecord) recordRow {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	return recordRow{
		JobID:          rec.JobID,
		Queue:          rec.Queue,
		FunctionRef:    rec.FunctionRef,
		InvocationType: string(rec.InvocationType),
		Delivery:       rec.Delivery,
		State:          string(rec.State),
		ErrorKind:      rec.ErrorKind,
		ErrorMsg:       rec.Error,
		DurationNS:     int64(rec.Duration),
		RecordedAt:     at,
	}
}

func (r recordRow) record() domain.DispatchRecord {
	return domain.DispatchRecord{
		JobID:          r.JobID,
		Queue:          r.Queue,
		FunctionRef:    r.FunctionRef,
		InvocationType: domain.InvocationType(r.InvocationType),
		Delivery:       r.Delivery,
		State:          domain.JobState(r.State),
		ErrorKind:      r.ErrorKind,
		Error:          r.ErrorMsg,
		Duration:       time.Duration(r.DurationNS),
		At:             r.RecordedAt,
	}
}

// Record stores a dispatch record.
func (j *Journal) Record(ctx context.Context, rec domain.DispatchRecord) error {
	query := `
		INSERT INTO dispatch_records
			(job_id, queue, function_ref, invocation_type, delivery, state, error_kind, error_msg, duration_ns, recorded_at)
		VALUES
			(:job_id, :queue, :function_ref, :invocation_type, :delivery, :state, :error_kind, :error_msg, :duration_ns, :recorded_at)
	`
	if _, err := j.db.NamedExecContext(ctx, query, toRow(rec)); err != nil {
		return fmt.Errorf("failed to insert dispatch record: %w", err)
	}
	return nil
}

// Recent returns the newest records, optionally filtered by queue.
func (j *Journal) Recent(ctx context.Context, queue string, limit int) ([]domain.DispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT job_id, queue, function_ref, invocation_type, delivery, state, error_kind, error_msg, duration_ns, recorded_at
		FROM dispatch_records
		WHERE ($1 = '' OR queue = $1)
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`

	var rows []recordRow
	if err := j.db.SelectContext(ctx, &rows, query, queue, limit); err != nil {
		return nil, fmt.Errorf("failed to query dispatch records: %w", err)
	}

	out := make([]domain.DispatchRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// DeleteOlderThan removes records stored before the cutoff.
func (j *Journal) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM dispatch_records WHERE recorded_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune dispatch records: %w", err)
	}
	return res.RowsAffected()
}

// StartMetricsCollector starts a background goroutine to collect pool metrics.
func (j *Journal) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := j.db.Stats()
				// MaxOpenConnections is 0 when unlimited
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.JournalDBPoolUsage.Set(usage)
				}
			}
		}
	}()
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}
