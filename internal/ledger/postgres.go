package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgresStore implements the execution ledger using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// PostgresConfig holds configuration for the PostgreSQL ledger store.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// NewPostgresStore creates a new PostgreSQL ledger store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{
		db:     db,
		logger: logger.With("component", "ledger-store"),
	}, nil
}

// Save persists a record. Saving an existing id overwrites it.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO veridata.executions
			(id, schema_name, schema_version, channel, file_name,
			 start_time, end_time, status, total_records, errors, warnings,
			 work_dir, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id)
		DO UPDATE SET
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			total_records = EXCLUDED.total_records,
			errors = EXCLUDED.errors,
			warnings = EXCLUDED.warnings,
			report = EXCLUDED.report
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SchemaName,
		rec.SchemaVersion,
		rec.Channel,
		rec.FileName,
		rec.StartTime,
		rec.EndTime,
		rec.Status,
		rec.TotalRecords,
		rec.Errors,
		rec.Warnings,
		rec.WorkDir,
		rec.ReportJSON,
	)
	if err != nil {
		return fmt.Errorf("save execution record: %w", err)
	}

	s.logger.Debug("execution record saved",
		"id", rec.ID,
		"status", rec.Status,
	)

	return nil
}

// Get retrieves a record by execution id. Returns nil when absent.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, schema_name, schema_version, channel, file_name,
		       start_time, end_time, status, total_records, errors, warnings,
		       work_dir, report
		FROM veridata.executions
		WHERE id = $1
	`

	var rec Record
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.SchemaName,
		&rec.SchemaVersion,
		&rec.Channel,
		&rec.FileName,
		&rec.StartTime,
		&rec.EndTime,
		&rec.Status,
		&rec.TotalRecords,
		&rec.Errors,
		&rec.Warnings,
		&rec.WorkDir,
		&rec.ReportJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load execution record: %w", err)
	}

	return &rec, nil
}

// List returns records matching the filter, newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `
		SELECT id, schema_name, schema_version, channel, file_name,
		       start_time, end_time, status, total_records, errors, warnings,
		       work_dir, report
		FROM veridata.executions
		WHERE ($1 = '' OR schema_name = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY start_time DESC
		LIMIT $3
	`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query, f.SchemaName, f.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.SchemaName,
			&rec.SchemaVersion,
			&rec.Channel,
			&rec.FileName,
			&rec.StartTime,
			&rec.EndTime,
			&rec.Status,
			&rec.TotalRecords,
			&rec.Errors,
			&rec.Warnings,
			&rec.WorkDir,
			&rec.ReportJSON,
		); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution records: %w", err)
	}

	return out, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
