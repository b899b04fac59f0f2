package materialize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/veridata-io/veridata/internal/rules"
)

// DataFile describes one committed columnar file.
type DataFile struct {
	// FilePath is the object key of the file.
	FilePath string `json:"file_path"`

	// FileFormat is the file format, always parquet.
	FileFormat string `json:"file_format"`

	// RecordCount is the number of records in the file.
	RecordCount int64 `json:"record_count"`

	// FileSizeInBytes is the file size.
	FileSizeInBytes int64 `json:"file_size_in_bytes"`

	// PartitionData holds the partition field values of the file.
	PartitionData map[string]any `json:"partition_data,omitempty"`
}

// Snapshot is one committed table state.
type Snapshot struct {
	// ID is the batch identifier of the committing batch.
	ID string `json:"id"`

	// ParentID is the snapshot this one builds on, empty for the first.
	ParentID string `json:"parent_id,omitempty"`

	// TimestampMs is the commit time.
	TimestampMs int64 `json:"timestamp_ms"`

	// Operation is append or replace.
	Operation string `json:"operation"`

	// DataFiles is the complete file list of the table at this snapshot.
	DataFiles []DataFile `json:"data_files"`
}

// TransactionLog is the table-format metadata kept under the table
// location. The current-snapshot pointer makes commits atomic: readers
// resolve the log first and observe exactly one snapshot.
type TransactionLog struct {
	// Table is the table name.
	Table string `json:"table"`

	// CurrentSnapshotID points at the visible snapshot.
	CurrentSnapshotID string `json:"current_snapshot_id"`

	// Snapshots is the append-only snapshot history.
	Snapshots []Snapshot `json:"snapshots"`
}

// Current returns the visible snapshot, nil for an empty table.
func (l *TransactionLog) Current() *Snapshot {
	for i := range l.Snapshots {
		if l.Snapshots[i].ID == l.CurrentSnapshotID {
			return &l.Snapshots[i]
		}
	}
	return nil
}

// ObjectStoreDestination writes columnar batch files plus transaction
// log appends under an object-store table location. Data files are
// uploaded first and referenced only by the log written at Commit, so a
// failed attempt leaves the visible table state untouched.
type ObjectStoreDestination struct {
	cfg    Config
	logger *slog.Logger
	client S3Client
	pw     *ParquetWriter

	log      *TransactionLog
	staged   []DataFile
	uploaded []string
	pending  *Snapshot
}

// NewObjectStoreDestination creates an object-store destination adapter.
func NewObjectStoreDestination(cfg Config, logger *slog.Logger) (*ObjectStoreDestination, error) {
	if cfg.Location.Endpoint == "" || cfg.Location.Bucket == "" {
		return nil, fmt.Errorf("objectstore destination requires an endpoint and bucket")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("objectstore destination requires a table")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := NewMinIOClient(cfg.Location, logger)
	if err != nil {
		return nil, err
	}

	return &ObjectStoreDestination{
		cfg:    cfg,
		logger: logger.With("component", "objectstore-destination", "table", cfg.Table),
		client: client,
		pw:     NewParquetWriter(),
	}, nil
}

// NewObjectStoreDestinationWithClient creates the adapter over an
// injected client. Used by tests.
func NewObjectStoreDestinationWithClient(cfg Config, client S3Client, logger *slog.Logger) *ObjectStoreDestination {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectStoreDestination{
		cfg:    cfg,
		logger: logger.With("component", "objectstore-destination", "table", cfg.Table),
		client: client,
		pw:     NewParquetWriter(),
	}
}

// Name identifies the destination table path.
func (d *ObjectStoreDestination) Name() string {
	return fmt.Sprintf("%s/%s", d.cfg.Location.Bucket, d.tablePrefix())
}

func (d *ObjectStoreDestination) tablePrefix() string {
	if d.cfg.Location.Prefix == "" {
		return d.cfg.Table
	}
	return strings.TrimSuffix(d.cfg.Location.Prefix, "/") + "/" + d.cfg.Table
}

func (d *ObjectStoreDestination) logKey() string {
	return d.tablePrefix() + "/metadata/log.json"
}

// Connect ensures the bucket and loads the current transaction log.
func (d *ObjectStoreDestination) Connect(ctx context.Context) error {
	if err := d.client.EnsureBucket(ctx, d.cfg.Location.Bucket); err != nil {
		return NewRetryableError(err)
	}

	exists, err := d.client.Exists(ctx, d.cfg.Location.Bucket, d.logKey())
	if err != nil {
		return NewRetryableError(err)
	}

	if !exists {
		d.log = &TransactionLog{Table: d.cfg.Table}
		return nil
	}

	data, err := d.client.Download(ctx, d.cfg.Location.Bucket, d.logKey())
	if err != nil {
		return NewRetryableError(err)
	}

	var log TransactionLog
	if err := json.Unmarshal(data, &log); err != nil {
		return NewFatalError(fmt.Errorf("parse transaction log: %w", err))
	}
	d.log = &log
	return nil
}

// WriteBatch writes one parquet file per partition group and stages a
// new snapshot. Key-based strategies need a relational destination.
func (d *ObjectStoreDestination) WriteBatch(ctx context.Context, batch Batch) error {
	if d.log == nil {
		return NewFatalError(fmt.Errorf("write batch before connect"))
	}

	switch batch.Strategy {
	case StrategyAppend, StrategyTruncateInsert, StrategyFull:
	default:
		return NewFatalError(fmt.Errorf("strategy %s is not supported by objectstore destinations", batch.Strategy))
	}

	for _, group := range partitionGroups(batch) {
		result, err := d.pw.WriteRows(Batch{
			ID:        batch.ID,
			CatalogID: batch.CatalogID,
			Fields:    batch.Fields,
			Rows:      group.rows,
			Strategy:  batch.Strategy,
		})
		if err != nil {
			return NewFatalError(err)
		}

		key := d.dataKey(group, result.FileName)
		if err := d.client.Upload(ctx, d.cfg.Location.Bucket, key,
			bytes.NewReader(result.Data), result.FileSizeInBytes, "application/octet-stream"); err != nil {
			return NewRetryableError(err)
		}
		d.uploaded = append(d.uploaded, key)

		d.staged = append(d.staged, DataFile{
			FilePath:        key,
			FileFormat:      "parquet",
			RecordCount:     result.RecordCount,
			FileSizeInBytes: result.FileSizeInBytes,
			PartitionData:   group.values,
		})
	}

	d.pending = d.buildSnapshot(batch)
	return nil
}

// buildSnapshot computes the complete file list of the next snapshot.
func (d *ObjectStoreDestination) buildSnapshot(batch Batch) *Snapshot {
	snap := &Snapshot{
		ID:          batch.ID,
		TimestampMs: time.Now().UnixMilli(),
	}

	current := d.log.Current()
	if current != nil {
		snap.ParentID = current.ID
	}

	switch batch.Strategy {
	case StrategyAppend:
		snap.Operation = "append"
		if current != nil {
			snap.DataFiles = append(snap.DataFiles, current.DataFiles...)
		}
		snap.DataFiles = append(snap.DataFiles, d.staged...)

	case StrategyTruncateInsert:
		snap.Operation = "replace"
		// With declared partition fields only the partitions present in
		// the batch are cleared; untouched partitions carry over.
		if len(batch.PartitionFields) > 0 && current != nil {
			replaced := make(map[string]bool)
			for _, f := range d.staged {
				replaced[partitionKey(f.PartitionData, batch.PartitionFields)] = true
			}
			for _, f := range current.DataFiles {
				if !replaced[partitionKey(f.PartitionData, batch.PartitionFields)] {
					snap.DataFiles = append(snap.DataFiles, f)
				}
			}
		}
		snap.DataFiles = append(snap.DataFiles, d.staged...)

	case StrategyFull:
		snap.Operation = "replace"
		snap.DataFiles = append(snap.DataFiles, d.staged...)
	}

	return snap
}

// Commit appends the staged snapshot and swaps the current pointer. The
// single log upload is the atomic commit point.
func (d *ObjectStoreDestination) Commit(ctx context.Context) error {
	if d.pending == nil {
		return NewFatalError(fmt.Errorf("commit before write batch"))
	}

	newLog := &TransactionLog{
		Table:             d.log.Table,
		CurrentSnapshotID: d.pending.ID,
		Snapshots:         append(append([]Snapshot{}, d.log.Snapshots...), *d.pending),
	}

	data, err := json.MarshalIndent(newLog, "", "  ")
	if err != nil {
		return NewFatalError(fmt.Errorf("serialize transaction log: %w", err))
	}

	if err := d.client.Upload(ctx, d.cfg.Location.Bucket, d.logKey(),
		bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return NewRetryableError(err)
	}

	d.log = newLog
	d.pending = nil
	d.staged = nil
	d.uploaded = nil
	return nil
}

// Rollback deletes uploaded but uncommitted data files. The visible
// table state was never touched.
func (d *ObjectStoreDestination) Rollback(ctx context.Context) error {
	var firstErr error
	for _, key := range d.uploaded {
		if err := d.client.Delete(ctx, d.cfg.Location.Bucket, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.uploaded = nil
	d.staged = nil
	d.pending = nil
	return firstErr
}

// dataKey builds the object key of a data file; declared partition
// fields shape the physical layout.
func (d *ObjectStoreDestination) dataKey(group partitionGroup, fileName string) string {
	parts := []string{d.tablePrefix(), "data"}
	parts = append(parts, group.segments...)
	parts = append(parts, fileName)
	return strings.Join(parts, "/")
}

// partitionGroup is one batch slice sharing a partition tuple.
type partitionGroup struct {
	segments []string
	values   map[string]any
	rows     []rules.Row
}

// partitionGroups splits the batch rows by partition tuple. Without
// partition fields the whole batch is one group.
func partitionGroups(batch Batch) []partitionGroup {
	if len(batch.Rows) == 0 {
		return nil
	}
	if len(batch.PartitionFields) == 0 {
		return []partitionGroup{{rows: batch.Rows}}
	}

	byKey := make(map[string]*partitionGroup)
	for _, row := range batch.Rows {
		var segments []string
		values := make(map[string]any, len(batch.PartitionFields))
		for _, f := range batch.PartitionFields {
			values[f] = row[f]
			segments = append(segments, fmt.Sprintf("%s=%v", f, row[f]))
		}
		key := strings.Join(segments, "/")

		g, ok := byKey[key]
		if !ok {
			g = &partitionGroup{segments: segments, values: values}
			byKey[key] = g
		}
		g.rows = append(g.rows, row)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups := make([]partitionGroup, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, *byKey[k])
	}
	return groups
}

// partitionKey renders a partition tuple for comparison.
func partitionKey(values map[string]any, fields []string) string {
	var parts []string
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f, values[f]))
	}
	return strings.Join(parts, "/")
}

var _ Destination = (*ObjectStoreDestination)(nil)
