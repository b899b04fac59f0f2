package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/veridata-io/veridata/internal/rules"
)

// fakeDestination is an in-memory destination applying strategy
// semantics against a committed row set.
type fakeDestination struct {
	name      string
	committed []rules.Row
	staged    []rules.Row

	connectErrs int
	connects    int
	writeErr    error
	rollbacks   int
}

func (d *fakeDestination) Name() string { return d.name }

func (d *fakeDestination) Connect(_ context.Context) error {
	d.connects++
	if d.connects <= d.connectErrs {
		return NewRetryableError(errors.New("connection refused"))
	}
	return nil
}

func (d *fakeDestination) WriteBatch(_ context.Context, batch Batch) error {
	if d.writeErr != nil {
		return d.writeErr
	}

	switch batch.Strategy {
	case StrategyAppend:
		d.staged = append(append([]rules.Row{}, d.committed...), batch.Rows...)
	case StrategyUpsert:
		byKey := make(map[string]int)
		d.staged = append([]rules.Row{}, d.committed...)
		for i, row := range d.staged {
			byKey[batch.KeyOf(row)] = i
		}
		for _, row := range batch.Rows {
			if i, ok := byKey[batch.KeyOf(row)]; ok {
				d.staged[i] = row
			} else {
				byKey[batch.KeyOf(row)] = len(d.staged)
				d.staged = append(d.staged, row)
			}
		}
	case StrategyDeleteInsert:
		incoming := make(map[string]bool)
		for _, row := range batch.Rows {
			incoming[batch.KeyOf(row)] = true
		}
		d.staged = nil
		for _, row := range d.committed {
			if !incoming[batch.KeyOf(row)] {
				d.staged = append(d.staged, row)
			}
		}
		d.staged = append(d.staged, batch.Rows...)
	case StrategyTruncateInsert, StrategyFull:
		d.staged = append([]rules.Row{}, batch.Rows...)
	default:
		return NewFatalError(fmt.Errorf("unknown strategy %q", batch.Strategy))
	}
	return nil
}

func (d *fakeDestination) Commit(_ context.Context) error {
	d.committed = d.staged
	d.staged = nil
	return nil
}

func (d *fakeDestination) Rollback(_ context.Context) error {
	d.rollbacks++
	d.staged = nil
	return nil
}

func testEngine(dest *fakeDestination) *Engine {
	policy := RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
	}
	opener := func(_ context.Context, _ Config, _ *slog.Logger) (Destination, error) {
		return dest, nil
	}
	return NewEngine(policy, opener, slog.Default())
}

func testRows(n int) []rules.Row {
	rows := make([]rules.Row, n)
	for i := range rows {
		rows[i] = rules.Row{"id": int64(i + 1), "name": fmt.Sprintf("row-%d", i+1)}
	}
	return rows
}

func testConfig(strategy Strategy) Config {
	return Config{
		Kind:        KindRelational,
		DSN:         "test",
		Table:       "analytics.ventas",
		Strategy:    strategy,
		PrimaryKeys: []string{"id"},
		Enabled:     true,
	}
}

// Applying the same upsert batch twice yields the same final row count
// as applying it once.
func TestMaterialize_UpsertIdempotent(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas"}
	engine := testEngine(dest)
	rows := testRows(3)
	cfg := testConfig(StrategyUpsert)

	for i := 0; i < 2; i++ {
		result, err := engine.Materialize(context.Background(), "ventas", []string{"id", "name"}, rows, cfg)
		if err != nil {
			t.Fatalf("materialize attempt %d: %v", i+1, err)
		}
		if result.State != StateCommitted {
			t.Fatalf("state = %s, want committed", result.State)
		}
	}

	if len(dest.committed) != 3 {
		t.Errorf("committed rows = %d, want 3 (upsert must be idempotent)", len(dest.committed))
	}
}

// truncate_insert against 100 pre-existing rows with a batch of 3
// leaves exactly 3 rows.
func TestMaterialize_TruncateInsert(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas", committed: testRows(100)}
	engine := testEngine(dest)

	result, err := engine.Materialize(context.Background(), "ventas", []string{"id", "name"}, testRows(3), testConfig(StrategyTruncateInsert))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if len(dest.committed) != 3 {
		t.Errorf("committed rows = %d, want 3", len(dest.committed))
	}
	if result.RowsWritten != 3 {
		t.Errorf("rows written = %d, want 3", result.RowsWritten)
	}
}

func TestMaterialize_Append(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas", committed: testRows(2)}
	engine := testEngine(dest)

	cfg := testConfig(StrategyAppend)
	if _, err := engine.Materialize(context.Background(), "ventas", []string{"id", "name"}, testRows(2), cfg); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	// Append enforces no uniqueness: duplicates accumulate.
	if len(dest.committed) != 4 {
		t.Errorf("committed rows = %d, want 4", len(dest.committed))
	}
}

func TestMaterialize_DeleteInsert(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas", committed: testRows(5)}
	engine := testEngine(dest)

	if _, err := engine.Materialize(context.Background(), "ventas", []string{"id", "name"}, testRows(2), testConfig(StrategyDeleteInsert)); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	if len(dest.committed) != 5 {
		t.Errorf("committed rows = %d, want 5 (2 replaced, 3 untouched)", len(dest.committed))
	}
}

func TestMaterialize_RetriesTransientConnect(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas", connectErrs: 2}
	engine := testEngine(dest)

	result, err := engine.Materialize(context.Background(), "ventas", []string{"id", "name"}, testRows(1), testConfig(StrategyAppend))
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if result.State != StateCommitted {
		t.Errorf("state = %s, want committed", result.State)
	}
	if dest.connects != 3 {
		t.Errorf("connect attempts = %d, want 3", dest.connects)
	}
}

func TestMaterialize_FatalWriteRollsBack(t *testing.T) {
	dest := &fakeDestination{
		name:      "analytics.ventas",
		committed: testRows(5),
		writeErr:  NewFatalError(errors.New("column \"name\" does not exist")),
	}
	engine := testEngine(dest)

	result, err := engine.Materialize(context.Background(), "ventas", []string{"id", "name"}, testRows(3), testConfig(StrategyTruncateInsert))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var matErr *MaterializationError
	if !errors.As(err, &matErr) {
		t.Errorf("expected MaterializationError, got %T", err)
	}
	if result.State != StateFailed {
		t.Errorf("state = %s, want failed", result.State)
	}
	if dest.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", dest.rollbacks)
	}
	// Committed state is never corrupted by a failed attempt.
	if len(dest.committed) != 5 {
		t.Errorf("committed rows = %d, want 5 untouched", len(dest.committed))
	}
}

func TestMaterialize_UpsertRequiresPrimaryKeys(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas"}
	engine := testEngine(dest)

	cfg := testConfig(StrategyUpsert)
	cfg.PrimaryKeys = nil

	if _, err := engine.Materialize(context.Background(), "ventas", []string{"id"}, testRows(1), cfg); err == nil {
		t.Error("expected error for upsert without primary keys")
	}
}

func TestMaterialize_Disabled(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas"}
	engine := testEngine(dest)

	cfg := testConfig(StrategyAppend)
	cfg.Enabled = false

	result, err := engine.Materialize(context.Background(), "ventas", []string{"id"}, testRows(1), cfg)
	if err != nil || result != nil {
		t.Errorf("disabled config should be a no-op, got result=%v err=%v", result, err)
	}
	if dest.connects != 0 {
		t.Errorf("connects = %d, want 0", dest.connects)
	}
}

// A zero retry policy falls back to the defaults instead of producing
// an engine that never attempts anything.
func TestNewEngine_DefaultPolicy(t *testing.T) {
	e := NewEngine(RetryPolicy{}, nil, nil)
	want := DefaultRetryPolicy()
	if e.policy.MaxAttempts != want.MaxAttempts || e.policy.InitialInterval != want.InitialInterval {
		t.Errorf("policy = %+v, want defaults %+v", e.policy, want)
	}
}

// A catalog with no validated rows skips materialization entirely
// instead of handing an empty batch to the destination.
func TestMaterialize_EmptyBatchIsNoOp(t *testing.T) {
	dest := &fakeDestination{name: "analytics.ventas"}
	engine := testEngine(dest)

	result, err := engine.Materialize(context.Background(), "ventas", []string{"id"}, nil, testConfig(StrategyAppend))
	if err != nil || result != nil {
		t.Errorf("empty batch should be a no-op, got result=%v err=%v", result, err)
	}
	if dest.connects != 0 {
		t.Errorf("connects = %d, want 0", dest.connects)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"upsert", "delete_insert", "append", "truncate_insert", "full"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q) error: %v", s, err)
		}
	}
	if _, err := ParseStrategy("merge"); err == nil {
		t.Error("ParseStrategy(\"merge\") should fail")
	}
}
