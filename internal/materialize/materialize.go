// Package materialize replicates validated catalog rows into external
// destinations under a chosen update strategy.
package materialize

import (
	"context"
	"fmt"
	"time"

	"github.com/veridata-io/veridata/internal/rules"
)

// Kind selects the destination family.
type Kind string

const (
	// KindRelational writes plain rows through a transactional
	// connection.
	KindRelational Kind = "relational"
	// KindObjectStore writes columnar batch files plus transaction log
	// appends under an object-store table location.
	KindObjectStore Kind = "objectstore"
)

// Strategy is the consistency policy governing how a batch is applied.
type Strategy string

const (
	// StrategyUpsert merges rows keyed by the primary-key field list.
	StrategyUpsert Strategy = "upsert"
	// StrategyDeleteInsert deletes destination rows matching the batch
	// keys, then inserts the batch.
	StrategyDeleteInsert Strategy = "delete_insert"
	// StrategyAppend inserts rows unconditionally.
	StrategyAppend Strategy = "append"
	// StrategyTruncateInsert clears the destination table or partition
	// before inserting the batch.
	StrategyTruncateInsert Strategy = "truncate_insert"
	// StrategyFull replaces the destination and tags it with a fresh
	// batch identifier so readers observe either the old or the new
	// snapshot, never a mix.
	StrategyFull Strategy = "full"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyUpsert, StrategyDeleteInsert, StrategyAppend, StrategyTruncateInsert, StrategyFull:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q (expected upsert, delete_insert, append, truncate_insert or full)", s)
}

// Config is the per-catalog destination descriptor. It is created by an
// external admin surface and read-only to the engine.
type Config struct {
	// Kind selects the destination family.
	Kind Kind `json:"kind"`

	// DSN is the connection string for relational destinations.
	DSN string `json:"dsn,omitempty"`

	// Location is the object-store table location
	// (endpoint/bucket/prefix) for object-store destinations.
	Location ObjectStoreLocation `json:"location,omitempty"`

	// Table is the target table name or path segment.
	Table string `json:"table"`

	// Strategy is the update strategy.
	Strategy Strategy `json:"strategy"`

	// PrimaryKeys is the primary-key field list, required by the upsert
	// and delete_insert strategies.
	PrimaryKeys []string `json:"primary_keys,omitempty"`

	// PartitionFields shape the physical layout; object-store family
	// only.
	PartitionFields []string `json:"partition_fields,omitempty"`

	// Enabled gates materialization for this catalog.
	Enabled bool `json:"enabled"`
}

// ObjectStoreLocation addresses an object-store table.
type ObjectStoreLocation struct {
	// Endpoint is the S3/MinIO endpoint.
	Endpoint string `json:"endpoint"`

	// AccessKey and SecretKey authenticate the client.
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`

	// UseSSL enables SSL for the connection.
	UseSSL bool `json:"use_ssl"`

	// Bucket is the target bucket.
	Bucket string `json:"bucket"`

	// Prefix is the key prefix under which tables live.
	Prefix string `json:"prefix"`
}

// Result summarizes one catalog's materialization.
type Result struct {
	// CatalogID is the materialized catalog.
	CatalogID string `json:"catalog_id"`

	// Destination names the destination table or path.
	Destination string `json:"destination"`

	// Strategy is the applied strategy.
	Strategy Strategy `json:"strategy"`

	// RowsWritten is the number of rows in the committed batch.
	RowsWritten int `json:"rows_written"`

	// BatchID tags the committed batch.
	BatchID string `json:"batch_id"`

	// Duration is the wall-clock time of the attempt.
	Duration time.Duration `json:"duration"`

	// State is the terminal state (committed or failed).
	State State `json:"state"`
}

// MaterializationError reports a destination write failure. It is
// reported per catalog; other catalogs proceed independently.
type MaterializationError struct {
	// CatalogID is the catalog whose materialization failed.
	CatalogID string

	// Destination names the destination table or path.
	Destination string

	// Err is the underlying failure.
	Err error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialize %s into %s: %v", e.CatalogID, e.Destination, e.Err)
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// Destination is the capability set adapters implement. A failed write
// never corrupts previously committed state: adapters either complete a
// full WriteBatch/Commit cycle or Rollback leaves the destination
// exactly as it was.
type Destination interface {
	// Name identifies the destination table or path for logging,
	// metrics and per-destination serialization.
	Name() string

	// Connect establishes the connection and opens a transaction scope.
	Connect(ctx context.Context) error

	// WriteBatch stages the batch under the configured strategy. The
	// batch is not visible to readers until Commit.
	WriteBatch(ctx context.Context, batch Batch) error

	// Commit makes the staged batch visible atomically.
	Commit(ctx context.Context) error

	// Rollback discards the staged batch. Safe to call after a failed
	// Connect, WriteBatch or Commit.
	Rollback(ctx context.Context) error
}

// Batch is one materialization unit.
type Batch struct {
	// ID tags the batch; fresh per attempt.
	ID string

	// CatalogID is the originating catalog.
	CatalogID string

	// Fields is the ordered field name list.
	Fields []string

	// Rows are the validated rows.
	Rows []rules.Row

	// Strategy is the update strategy.
	Strategy Strategy

	// PrimaryKeys is the primary-key field list.
	PrimaryKeys []string

	// PartitionFields shape object-store paths.
	PartitionFields []string
}

// KeyOf renders the primary-key tuple of a row for key-based strategies.
func (b Batch) KeyOf(row rules.Row) string {
	key := ""
	for i, f := range b.PrimaryKeys {
		if i > 0 {
			key += "\x1f"
		}
		key += fmt.Sprint(row[f])
	}
	return key
}
