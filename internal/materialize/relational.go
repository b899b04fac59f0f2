package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/veridata-io/veridata/internal/rules"
)

// insertChunkSize caps rows per INSERT statement to stay well under the
// PostgreSQL placeholder limit.
const insertChunkSize = 500

// RelationalDestination writes plain rows through a transactional
// connection. The batch becomes visible atomically at Commit; readers
// observe either the pre-attempt state or the full committed batch.
type RelationalDestination struct {
	cfg    Config
	logger *slog.Logger

	db *sql.DB
	tx *sql.Tx
}

// NewRelationalDestination creates a relational destination adapter.
func NewRelationalDestination(cfg Config, logger *slog.Logger) (*RelationalDestination, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("relational destination requires a dsn")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("relational destination requires a table")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelationalDestination{
		cfg:    cfg,
		logger: logger.With("component", "relational-destination", "table", cfg.Table),
	}, nil
}

// Name identifies the destination table.
func (d *RelationalDestination) Name() string {
	return d.cfg.Table
}

// Connect opens the database and begins the batch transaction.
// Connection failures are transient and retryable.
func (d *RelationalDestination) Connect(ctx context.Context) error {
	db, err := sql.Open("pgx", d.cfg.DSN)
	if err != nil {
		return NewFatalError(fmt.Errorf("open database: %w", err))
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return NewRetryableError(fmt.Errorf("ping database: %w", err))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return NewRetryableError(fmt.Errorf("begin transaction: %w", err))
	}

	d.db = db
	d.tx = tx
	return nil
}

// WriteBatch stages the batch under the configured strategy inside the
// open transaction. Statement failures indicate a schema mismatch and
// are fatal.
func (d *RelationalDestination) WriteBatch(ctx context.Context, batch Batch) error {
	if d.tx == nil {
		return NewFatalError(fmt.Errorf("write batch before connect"))
	}

	switch batch.Strategy {
	case StrategyAppend:
		return d.insert(ctx, batch)
	case StrategyUpsert:
		return d.upsert(ctx, batch)
	case StrategyDeleteInsert:
		if err := d.deleteKeys(ctx, batch); err != nil {
			return err
		}
		return d.insert(ctx, batch)
	case StrategyTruncateInsert, StrategyFull:
		// Truncation is transactional: readers keep seeing the old rows
		// until Commit swaps in the new batch.
		if _, err := d.tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", quoteIdent(d.cfg.Table))); err != nil {
			return NewFatalError(fmt.Errorf("truncate %s: %w", d.cfg.Table, err))
		}
		return d.insert(ctx, batch)
	default:
		return NewFatalError(fmt.Errorf("unknown strategy %q", batch.Strategy))
	}
}

// Commit makes the staged batch visible and releases the connection.
func (d *RelationalDestination) Commit(ctx context.Context) error {
	if d.tx == nil {
		return NewFatalError(fmt.Errorf("commit before connect"))
	}
	if err := d.tx.Commit(); err != nil {
		return NewRetryableError(fmt.Errorf("commit transaction: %w", err))
	}
	d.tx = nil
	return d.close()
}

// Rollback discards the staged batch and releases the connection.
func (d *RelationalDestination) Rollback(_ context.Context) error {
	if d.tx != nil {
		if err := d.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			d.close()
			return fmt.Errorf("rollback transaction: %w", err)
		}
		d.tx = nil
	}
	return d.close()
}

func (d *RelationalDestination) close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// insert writes the batch rows in chunks.
func (d *RelationalDestination) insert(ctx context.Context, batch Batch) error {
	for start := 0; start < len(batch.Rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}

		query, args := buildInsert(d.cfg.Table, batch.Fields, batch.Rows[start:end], "")
		if _, err := d.tx.ExecContext(ctx, query, args...); err != nil {
			return NewFatalError(fmt.Errorf("insert into %s: %w", d.cfg.Table, err))
		}
	}
	return nil
}

// upsert merges the batch keyed by the primary-key field list.
func (d *RelationalDestination) upsert(ctx context.Context, batch Batch) error {
	conflict := buildConflictClause(batch.Fields, batch.PrimaryKeys)

	for start := 0; start < len(batch.Rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}

		query, args := buildInsert(d.cfg.Table, batch.Fields, batch.Rows[start:end], conflict)
		if _, err := d.tx.ExecContext(ctx, query, args...); err != nil {
			return NewFatalError(fmt.Errorf("upsert into %s: %w", d.cfg.Table, err))
		}
	}
	return nil
}

// deleteKeys removes destination rows matching the batch primary keys.
func (d *RelationalDestination) deleteKeys(ctx context.Context, batch Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	keyCols := make([]string, len(batch.PrimaryKeys))
	for i, k := range batch.PrimaryKeys {
		keyCols[i] = quoteIdent(k)
	}

	for start := 0; start < len(batch.Rows); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(batch.Rows) {
			end = len(batch.Rows)
		}
		rows := batch.Rows[start:end]

		var tuples []string
		var args []any
		n := 1
		for _, row := range rows {
			ph := make([]string, len(batch.PrimaryKeys))
			for i, k := range batch.PrimaryKeys {
				ph[i] = fmt.Sprintf("$%d", n)
				args = append(args, row[k])
				n++
			}
			tuples = append(tuples, "("+strings.Join(ph, ", ")+")")
		}

		query := fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (%s)",
			quoteIdent(d.cfg.Table),
			strings.Join(keyCols, ", "),
			strings.Join(tuples, ", "),
		)
		if _, err := d.tx.ExecContext(ctx, query, args...); err != nil {
			return NewFatalError(fmt.Errorf("delete keys from %s: %w", d.cfg.Table, err))
		}
	}
	return nil
}

// buildInsert builds a multi-row INSERT with positional placeholders.
func buildInsert(table string, fields []string, rows []rules.Row, conflict string) (string, []any) {
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = quoteIdent(f)
	}

	var values []string
	var args []any
	n := 1
	for _, row := range rows {
		ph := make([]string, len(fields))
		for i, f := range fields {
			ph[i] = fmt.Sprintf("$%d", n)
			args = append(args, row[f])
			n++
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(table),
		strings.Join(cols, ", "),
		strings.Join(values, ", "),
	)
	if conflict != "" {
		query += " " + conflict
	}
	return query, args
}

// buildConflictClause builds the ON CONFLICT clause updating every
// non-key column in place.
func buildConflictClause(fields, primaryKeys []string) string {
	keySet := make(map[string]bool, len(primaryKeys))
	keyCols := make([]string, len(primaryKeys))
	for i, k := range primaryKeys {
		keySet[k] = true
		keyCols[i] = quoteIdent(k)
	}

	var updates []string
	for _, f := range fields {
		if keySet[f] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(f), quoteIdent(f)))
	}

	if len(updates) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(keyCols, ", "))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keyCols, ", "),
		strings.Join(updates, ", "),
	)
}

// quoteIdent quotes a SQL identifier, supporting schema-qualified names.
func quoteIdent(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

var _ Destination = (*RelationalDestination)(nil)
