// Package ledger provides the persistent execution ledger: one record
// per execution, queryable by schema and status.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is one execution ledger entry. ID matches the execution id and
// the working directory name.
type Record struct {
	// ID is the execution identifier.
	ID string `json:"id"`

	// SchemaName and SchemaVersion identify the schema applied.
	SchemaName    string `json:"schema_name"`
	SchemaVersion string `json:"schema_version"`

	// Channel is the originating submission channel.
	Channel string `json:"channel"`

	// FileName is the submitted file.
	FileName string `json:"file_name"`

	// StartTime and EndTime bound the execution.
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// Status is the overall judged status.
	Status string `json:"status"`

	// TotalRecords, Errors and Warnings mirror the report summary.
	TotalRecords int `json:"total_records"`
	Errors       int `json:"errors"`
	Warnings     int `json:"warnings"`

	// WorkDir is the execution working directory holding the inputs and
	// the report projections.
	WorkDir string `json:"work_dir"`

	// ReportJSON is the canonical report serialization.
	ReportJSON []byte `json:"-"`
}

// Filter narrows List queries. Zero values match everything.
type Filter struct {
	// SchemaName matches records for one schema.
	SchemaName string

	// Status matches records with one overall status.
	Status string

	// Limit caps the number of returned records, newest first.
	Limit int
}

// Store persists execution records.
type Store interface {
	// Save persists a record. Saving an existing id overwrites it.
	Save(ctx context.Context, rec Record) error

	// Get retrieves a record by execution id. Returns nil when absent.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Close releases any resources held by the store.
	Close() error
}

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save persists a record in memory.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// Get retrieves a record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// List returns matching records, newest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if f.SchemaName != "" && rec.SchemaName != f.SchemaName {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
