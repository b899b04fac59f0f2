package materialize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/veridata-io/veridata/internal/rules"
)

// fakeS3 is an in-memory S3Client.
type fakeS3 struct {
	objects map[string][]byte
	buckets map[string]bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		buckets: make(map[string]bool),
	}
}

func (c *fakeS3) key(bucket, key string) string { return bucket + "/" + key }

func (c *fakeS3) Upload(_ context.Context, bucket, key string, data io.Reader, _ int64, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return err
	}
	c.objects[c.key(bucket, key)] = buf.Bytes()
	return nil
}

func (c *fakeS3) Download(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := c.objects[c.key(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", key)
	}
	return data, nil
}

func (c *fakeS3) Delete(_ context.Context, bucket, key string) error {
	delete(c.objects, c.key(bucket, key))
	return nil
}

func (c *fakeS3) Exists(_ context.Context, bucket, key string) (bool, error) {
	_, ok := c.objects[c.key(bucket, key)]
	return ok, nil
}

func (c *fakeS3) EnsureBucket(_ context.Context, bucket string) error {
	c.buckets[bucket] = true
	return nil
}

func objectStoreConfig() Config {
	return Config{
		Kind: KindObjectStore,
		Location: ObjectStoreLocation{
			Endpoint: "localhost:9000",
			Bucket:   "warehouse",
			Prefix:   "analytics",
		},
		Table:    "ventas",
		Strategy: StrategyAppend,
		Enabled:  true,
	}
}

func commit(t *testing.T, dest *ObjectStoreDestination, batch Batch) {
	t.Helper()
	ctx := context.Background()
	if err := dest.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := dest.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := dest.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func readLog(t *testing.T, s3 *fakeS3) *TransactionLog {
	t.Helper()
	data, ok := s3.objects["warehouse/analytics/ventas/metadata/log.json"]
	if !ok {
		t.Fatal("transaction log not written")
	}
	var log TransactionLog
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatalf("parse transaction log: %v", err)
	}
	return &log
}

func TestObjectStore_AppendThenFull(t *testing.T) {
	s3 := newFakeS3()
	cfg := objectStoreConfig()

	dest := NewObjectStoreDestinationWithClient(cfg, s3, nil)
	commit(t, dest, Batch{ID: "batch-1", CatalogID: "ventas", Strategy: StrategyAppend, Rows: testRows(2)})

	log := readLog(t, s3)
	if log.CurrentSnapshotID != "batch-1" {
		t.Errorf("current snapshot = %q, want batch-1", log.CurrentSnapshotID)
	}
	first := log.Current()
	if first == nil || len(first.DataFiles) != 1 {
		t.Fatalf("snapshot = %+v, want 1 data file", first)
	}

	// Second append keeps the first batch's files.
	dest = NewObjectStoreDestinationWithClient(cfg, s3, nil)
	commit(t, dest, Batch{ID: "batch-2", CatalogID: "ventas", Strategy: StrategyAppend, Rows: testRows(2)})

	log = readLog(t, s3)
	if got := len(log.Current().DataFiles); got != 2 {
		t.Errorf("data files after append = %d, want 2", got)
	}
	if log.Current().ParentID != "batch-1" {
		t.Errorf("parent = %q, want batch-1", log.Current().ParentID)
	}

	// Full replace drops prior files from the visible snapshot; readers
	// observe either the old snapshot or the new one, never a mix.
	dest = NewObjectStoreDestinationWithClient(cfg, s3, nil)
	commit(t, dest, Batch{ID: "batch-3", CatalogID: "ventas", Strategy: StrategyFull, Rows: testRows(3)})

	log = readLog(t, s3)
	current := log.Current()
	if len(current.DataFiles) != 1 {
		t.Errorf("data files after full = %d, want 1", len(current.DataFiles))
	}
	if current.Operation != "replace" {
		t.Errorf("operation = %q, want replace", current.Operation)
	}
	if len(log.Snapshots) != 3 {
		t.Errorf("snapshot history = %d, want 3 (history is append-only)", len(log.Snapshots))
	}
}

func TestObjectStore_PartitionLayout(t *testing.T) {
	s3 := newFakeS3()
	cfg := objectStoreConfig()

	rows := []rules.Row{
		{"id": int64(1), "region": "north"},
		{"id": int64(2), "region": "south"},
		{"id": int64(3), "region": "north"},
	}

	dest := NewObjectStoreDestinationWithClient(cfg, s3, nil)
	commit(t, dest, Batch{
		ID:              "batch-1",
		CatalogID:       "ventas",
		Strategy:        StrategyAppend,
		Rows:            rows,
		PartitionFields: []string{"region"},
	})

	log := readLog(t, s3)
	files := log.Current().DataFiles
	if len(files) != 2 {
		t.Fatalf("data files = %d, want 2 (one per partition)", len(files))
	}

	var north, south bool
	for _, f := range files {
		if strings.Contains(f.FilePath, "/data/region=north/") {
			north = true
			if f.RecordCount != 2 {
				t.Errorf("north record count = %d, want 2", f.RecordCount)
			}
		}
		if strings.Contains(f.FilePath, "/data/region=south/") {
			south = true
		}
	}
	if !north || !south {
		t.Errorf("partition paths missing: files = %+v", files)
	}
}

func TestObjectStore_RollbackRemovesUploads(t *testing.T) {
	s3 := newFakeS3()
	cfg := objectStoreConfig()
	ctx := context.Background()

	dest := NewObjectStoreDestinationWithClient(cfg, s3, nil)
	if err := dest.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := dest.WriteBatch(ctx, Batch{ID: "batch-1", CatalogID: "ventas", Strategy: StrategyAppend, Rows: testRows(2)}); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := dest.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// No data files and no log remain; the table is exactly as before.
	if len(s3.objects) != 0 {
		t.Errorf("objects after rollback = %v, want none", s3.objects)
	}
}

func TestObjectStore_RejectsKeyedStrategies(t *testing.T) {
	s3 := newFakeS3()
	dest := NewObjectStoreDestinationWithClient(objectStoreConfig(), s3, nil)
	ctx := context.Background()

	if err := dest.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	err := dest.WriteBatch(ctx, Batch{ID: "b", Strategy: StrategyUpsert, PrimaryKeys: []string{"id"}, Rows: testRows(1)})
	if err == nil {
		t.Fatal("expected error for upsert against objectstore")
	}
	var r Retryable
	if !errors.As(err, &r) || r.IsRetryable() {
		t.Errorf("keyed strategy rejection must be fatal, got %v", err)
	}
}

// Writing a batch with no rows must not fail: no data files are
// uploaded and the committed snapshot simply carries no new files.
func TestObjectStore_EmptyBatch(t *testing.T) {
	s3 := newFakeS3()
	dest := NewObjectStoreDestinationWithClient(objectStoreConfig(), s3, nil)
	ctx := context.Background()

	if err := dest.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := dest.WriteBatch(ctx, Batch{ID: "batch-1", CatalogID: "ventas", Strategy: StrategyAppend}); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(s3.objects) != 0 {
		t.Errorf("objects before commit = %v, want none", s3.objects)
	}

	if err := dest.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	log := readLog(t, s3)
	if got := len(log.Current().DataFiles); got != 0 {
		t.Errorf("data files = %d, want 0", got)
	}
}
