// Package execution owns the lifecycle of one end-to-end processing run
// of a single submitted file: working directory, event log, and the
// orchestration of the normalize, evaluate, report and materialize
// stages.
package execution

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridata-io/veridata/internal/report"
	"github.com/veridata-io/veridata/internal/schema"
)

// Execution is one processing run. The working directory is named
// exactly by the execution id; the same id is persisted in the ledger.
// The two must never diverge.
type Execution struct {
	// ID is the generated execution identifier.
	ID string

	// WorkDir is the execution working directory.
	WorkDir string

	// Channel is the originating submission channel.
	Channel string

	// SchemaName and SchemaVersion identify the applied schema.
	SchemaName    string
	SchemaVersion string

	// InputPath is the copy of the original input inside the workdir.
	InputPath string

	// FileName is the submitted file's base name.
	FileName string

	// StartedAt is the execution start time.
	StartedAt time.Time

	logger *slog.Logger

	mu     sync.Mutex
	events []report.Event
}

// New creates an execution: generates the id, creates the working
// directory named by it, and copies the original input in for audit.
func New(workDirRoot, channel string, doc *schema.Document, inputPath string, logger *slog.Logger) (*Execution, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New().String()
	workDir := filepath.Join(workDirRoot, id)
	if err := os.MkdirAll(filepath.Join(workDir, "input"), 0o755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	fileName := filepath.Base(inputPath)
	inputCopy := filepath.Join(workDir, "input", fileName)
	if err := copyFile(inputPath, inputCopy); err != nil {
		return nil, fmt.Errorf("copy input into working directory: %w", err)
	}

	e := &Execution{
		ID:            id,
		WorkDir:       workDir,
		Channel:       channel,
		SchemaName:    doc.Metadata.Name,
		SchemaVersion: doc.Metadata.Version,
		InputPath:     inputCopy,
		FileName:      fileName,
		StartedAt:     time.Now(),
		logger:        logger.With("component", "execution", "execution_id", id),
	}
	e.Event("start", "execution started for %s", fileName)
	return e, nil
}

// Event appends one entry to the chronological event log.
func (e *Execution) Event(stage, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	e.mu.Lock()
	e.events = append(e.events, report.Event{
		Time:    time.Now(),
		Stage:   stage,
		Message: msg,
	})
	e.mu.Unlock()

	e.logger.Info(msg, "stage", stage)
}

// Events returns a copy of the event log.
func (e *Execution) Events() []report.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]report.Event, len(e.events))
	copy(out, e.events)
	return out
}

// Info builds the report metadata for this execution.
func (e *Execution) Info(end time.Time) report.ExecutionInfo {
	return report.ExecutionInfo{
		ID:            e.ID,
		StartTime:     e.StartedAt,
		EndTime:       end,
		Channel:       e.Channel,
		SchemaName:    e.SchemaName,
		SchemaVersion: e.SchemaVersion,
		FileName:      e.FileName,
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
