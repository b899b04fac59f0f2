package materialize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridata-io/veridata/internal/metrics"
	"github.com/veridata-io/veridata/internal/rules"
)

// Opener creates a destination adapter for a config. Injectable for
// tests.
type Opener func(ctx context.Context, cfg Config, logger *slog.Logger) (Destination, error)

// DefaultOpener builds the built-in adapters by destination kind.
func DefaultOpener(ctx context.Context, cfg Config, logger *slog.Logger) (Destination, error) {
	switch cfg.Kind {
	case KindRelational:
		return NewRelationalDestination(cfg, logger)
	case KindObjectStore:
		return NewObjectStoreDestination(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown destination kind %q", cfg.Kind)
	}
}

// Engine drives materialization per catalog. It holds no destination
// state of its own; configs are passed per call.
type Engine struct {
	policy RetryPolicy
	opener Opener
	logger *slog.Logger

	// locks serializes writers per destination name: at most one
	// concurrent writer per destination table/path.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a materialization engine. A zero policy selects
// DefaultRetryPolicy.
func NewEngine(policy RetryPolicy, opener Opener, logger *slog.Logger) *Engine {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if opener == nil {
		opener = DefaultOpener
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy: policy,
		opener: opener,
		logger: logger.With("component", "materialize-engine"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Materialize replicates one catalog's validated rows into the
// configured destination. Catalogs may be materialized concurrently;
// writes to the same destination are serialized.
func (e *Engine) Materialize(ctx context.Context, catalogID string, fields []string, validated []rules.Row, cfg Config) (*Result, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	strategy, err := ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, &MaterializationError{CatalogID: catalogID, Destination: cfg.Table, Err: err}
	}
	if (strategy == StrategyUpsert || strategy == StrategyDeleteInsert) && len(cfg.PrimaryKeys) == 0 {
		return nil, &MaterializationError{
			CatalogID:   catalogID,
			Destination: cfg.Table,
			Err:         fmt.Errorf("strategy %s requires a primary-key field list", strategy),
		}
	}

	// Nothing validated, nothing to write: skip without touching the
	// destination. A catalog whose rows all failed validation must not
	// fail materialization on top of it.
	if len(validated) == 0 {
		e.logger.Info("no validated rows, skipping materialization",
			"catalog", catalogID,
			"destination", cfg.Table,
			"strategy", strategy,
		)
		return nil, nil
	}

	batch := Batch{
		ID:              uuid.New().String(),
		CatalogID:       catalogID,
		Fields:          fields,
		Rows:            validated,
		Strategy:        strategy,
		PrimaryKeys:     cfg.PrimaryKeys,
		PartitionFields: cfg.PartitionFields,
	}

	unlock := e.lockDestination(destinationKey(cfg))
	defer unlock()

	start := time.Now()
	sm := NewStateMachine()
	result := &Result{
		CatalogID:   catalogID,
		Destination: cfg.Table,
		Strategy:    strategy,
		BatchID:     batch.ID,
	}

	dest, err := e.opener(ctx, cfg, e.logger)
	if err != nil {
		sm.Transition(StateFailed)
		result.State = sm.State()
		result.Duration = time.Since(start)
		e.recordOutcome(result)
		return result, &MaterializationError{CatalogID: catalogID, Destination: cfg.Table, Err: err}
	}
	result.Destination = dest.Name()

	retryer := NewRetryer(e.policy, e.logger)
	retryer.SetDestination(dest.Name())

	err = e.run(ctx, sm, dest, retryer, batch)
	result.Duration = time.Since(start)
	if err != nil {
		sm.Transition(StateFailed)
		result.State = sm.State()
		e.recordOutcome(result)

		// Best effort: leave the destination exactly as before the
		// attempt.
		if rbErr := dest.Rollback(ctx); rbErr != nil {
			e.logger.Warn("rollback failed",
				"catalog", catalogID,
				"destination", dest.Name(),
				"error", rbErr,
			)
		}
		return result, &MaterializationError{CatalogID: catalogID, Destination: dest.Name(), Err: err}
	}

	result.State = sm.State()
	result.RowsWritten = len(validated)
	e.recordOutcome(result)
	metrics.MaterializeRowsTotal.WithLabelValues(dest.Name(), string(strategy)).Add(float64(len(validated)))

	e.logger.Info("batch committed",
		"catalog", catalogID,
		"destination", dest.Name(),
		"strategy", strategy,
		"rows", len(validated),
		"batch_id", batch.ID,
	)

	return result, nil
}

// run drives the state machine through one attempt cycle.
func (e *Engine) run(ctx context.Context, sm *StateMachine, dest Destination, retryer *Retryer, batch Batch) error {
	if err := sm.Transition(StateConnecting); err != nil {
		return err
	}
	if err := retryer.Execute(ctx, dest.Connect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := sm.Transition(StateWriting); err != nil {
		return err
	}
	if err := retryer.Execute(ctx, func(ctx context.Context) error {
		return dest.WriteBatch(ctx, batch)
	}); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	if err := retryer.Execute(ctx, dest.Commit); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return sm.Transition(StateCommitted)
}

func (e *Engine) recordOutcome(result *Result) {
	metrics.MaterializeBatchesTotal.WithLabelValues(
		result.Destination,
		string(result.Strategy),
		result.State.String(),
	).Inc()
}

// lockDestination acquires the per-destination writer lock.
func (e *Engine) lockDestination(key string) func() {
	e.mu.Lock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// destinationKey identifies a destination table/path for serialization.
func destinationKey(cfg Config) string {
	if cfg.Kind == KindObjectStore {
		return fmt.Sprintf("%s/%s/%s/%s", cfg.Location.Endpoint, cfg.Location.Bucket, cfg.Location.Prefix, cfg.Table)
	}
	return fmt.Sprintf("%s/%s", cfg.DSN, cfg.Table)
}
