package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veridata-io/veridata/internal/ledger"
	"github.com/veridata-io/veridata/internal/materialize"
	"github.com/veridata-io/veridata/internal/metrics"
	"github.com/veridata-io/veridata/internal/normalize"
	"github.com/veridata-io/veridata/internal/report"
	"github.com/veridata-io/veridata/internal/rules"
	"github.com/veridata-io/veridata/internal/schema"
)

// Options tune one run.
type Options struct {
	// PartialRatio is the error-rows threshold separating Partial from
	// Failed; zero selects the default.
	PartialRatio float64

	// Concurrency caps concurrent catalog normalization; zero means
	// unbounded.
	Concurrency int

	// Materialization maps catalog id to its destination config.
	Materialization map[string]materialize.Config

	// StrategyOverride, when set, replaces every destination's declared
	// strategy for this run.
	StrategyOverride materialize.Strategy

	// DryRun skips materialization and ledger persistence.
	DryRun bool
}

// RunResult is the outcome of one run.
type RunResult struct {
	// Execution is the run's lifecycle object.
	Execution *Execution

	// Report is the sealed execution report.
	Report *report.ExecutionReport

	// ReportPath is the path of the written JSON projection.
	ReportPath string

	// Materializations holds one result per attempted catalog.
	Materializations []materialize.Result
}

// Runner orchestrates executions. Executions for different files are
// independent; a Runner may run them fully in parallel.
type Runner struct {
	workDirRoot string
	channel     string
	normalizer  *normalize.Normalizer
	engine      *materialize.Engine
	store       ledger.Store
	logger      *slog.Logger
}

// NewRunner creates a runner. store may be nil when no ledger is
// configured.
func NewRunner(workDirRoot, channel string, engine *materialize.Engine, store ledger.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		workDirRoot: workDirRoot,
		channel:     channel,
		normalizer:  normalize.NewNormalizer(logger),
		engine:      engine,
		store:       store,
		logger:      logger.With("component", "runner"),
	}
}

// Run processes one submitted file end to end: extract, normalize and
// row-evaluate catalogs concurrently, resolve catalog-level rules after
// the barrier, seal and write the report, persist the ledger record,
// then materialize validated rows. Rule violations and format problems
// become findings; only infrastructure faults return an error.
func (r *Runner) Run(ctx context.Context, doc *schema.Document, inputPath string, opts Options) (*RunResult, error) {
	exec, err := New(r.workDirRoot, r.channel, doc, inputPath, r.logger)
	if err != nil {
		return nil, err
	}

	pkg := selectPackage(doc, inputPath)
	exec.Event("extract", "using package %q (container %s)", pkg.Name, pkg.Container)

	extraction, formatErrors := r.extract(exec, pkg)

	views := r.normalizeCatalogs(ctx, exec, doc, extraction, &formatErrors, opts.Concurrency)

	exec.Event("evaluate", "evaluating %d catalog(s)", len(views))
	result := rules.NewEvaluator(opts.PartialRatio, r.logger).Evaluate(ctx, views, doc)
	exec.Event("evaluate", "%d error(s), %d warning(s)", result.ErrorCount(), result.WarningCount())

	end := time.Now()
	rep := report.Seal(exec.Info(end), result, extraction.Missing, formatErrors, exec.Events())
	if err := rep.Write(exec.WorkDir); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	metrics.EngineExecutionsTotal.WithLabelValues(rep.Summary.Status).Inc()
	metrics.EngineExecutionDuration.Observe(end.Sub(exec.StartedAt).Seconds())

	run := &RunResult{
		Execution:  exec,
		Report:     rep,
		ReportPath: filepath.Join(exec.WorkDir, "report.json"),
	}

	if !opts.DryRun {
		if err := r.persist(ctx, exec, rep); err != nil {
			return run, err
		}
		run.Materializations = r.materialize(ctx, exec, doc, result, opts)
	}

	return run, nil
}

// extract unpacks the input; an unreadable container is a format error
// on the whole submission, not a crash.
func (r *Runner) extract(exec *Execution, pkg *schema.Package) (*normalize.Extraction, []string) {
	extraction, err := normalize.ExtractPackage(exec.InputPath, filepath.Join(exec.WorkDir, "extracted"), pkg)
	if err != nil {
		exec.Event("extract", "extraction failed: %v", err)
		return &normalize.Extraction{Missing: pkg.Catalogs}, []string{err.Error()}
	}

	for _, missing := range extraction.Missing {
		exec.Event("extract", "no member file for catalog %s", missing)
	}
	return extraction, nil
}

// normalizeCatalogs turns each member file into a table view. Catalogs
// are independent at this stage and run concurrently; a format error
// aborts only its own catalog.
func (r *Runner) normalizeCatalogs(ctx context.Context, exec *Execution, doc *schema.Document, extraction *normalize.Extraction, formatErrors *[]string, concurrency int) map[string]*normalize.TableView {
	views := make(map[string]*normalize.TableView)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for catalogID, memberPath := range extraction.Members {
		catalogID, memberPath := catalogID, memberPath
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			cat := doc.Catalogs[catalogID]
			view, err := r.normalizer.NormalizeFile(memberPath, cat)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var formatErr *normalize.FormatError
				if errors.As(err, &formatErr) {
					*formatErrors = append(*formatErrors, formatErr.Error())
				} else {
					*formatErrors = append(*formatErrors, fmt.Sprintf("%s: %v", catalogID, err))
				}
				exec.Event("normalize", "catalog %s failed: %v", catalogID, err)
				return nil
			}

			views[catalogID] = view
			exec.Event("normalize", "catalog %s: %d row(s) from %s", catalogID, len(view.Rows), view.FileName)
			return nil
		})
	}

	// Workers never return errors except on cancellation.
	if err := g.Wait(); err != nil {
		exec.Event("normalize", "cancelled: %v", err)
	}
	return views
}

// persist saves the ledger record. The record id equals the working
// directory name.
func (r *Runner) persist(ctx context.Context, exec *Execution, rep *report.ExecutionReport) error {
	if r.store == nil {
		return nil
	}

	data, err := rep.JSON()
	if err != nil {
		return fmt.Errorf("serialize report for ledger: %w", err)
	}

	rec := ledger.Record{
		ID:            exec.ID,
		SchemaName:    exec.SchemaName,
		SchemaVersion: exec.SchemaVersion,
		Channel:       exec.Channel,
		FileName:      exec.FileName,
		StartTime:     rep.ExecutionInfo.StartTime,
		EndTime:       rep.ExecutionInfo.EndTime,
		Status:        rep.Summary.Status,
		TotalRecords:  rep.Summary.TotalRecords,
		Errors:        rep.Summary.Errors,
		Warnings:      rep.Summary.Warnings,
		WorkDir:       exec.WorkDir,
		ReportJSON:    data,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save ledger record: %w", err)
	}

	exec.Event("ledger", "execution recorded")
	return nil
}

// materialize replicates validated rows per configured catalog.
// Catalogs run concurrently; one catalog's failure never blocks the
// others.
func (r *Runner) materialize(ctx context.Context, exec *Execution, doc *schema.Document, result *rules.Result, opts Options) []materialize.Result {
	if r.engine == nil || len(opts.Materialization) == 0 {
		return nil
	}

	var mu sync.Mutex
	var results []materialize.Result

	g, ctx := errgroup.WithContext(ctx)
	for catalogID, cfg := range opts.Materialization {
		catalogID, cfg := catalogID, cfg
		if !cfg.Enabled {
			continue
		}
		if opts.StrategyOverride != "" {
			cfg.Strategy = opts.StrategyOverride
		}

		g.Go(func() error {
			cat, ok := doc.Catalogs[catalogID]
			if !ok {
				exec.Event("materialize", "no catalog %s in schema, skipping", catalogID)
				return nil
			}

			res, err := r.engine.Materialize(ctx, catalogID, cat.FieldNames(), result.ValidatedRows[catalogID], cfg)
			if err != nil {
				exec.Event("materialize", "catalog %s failed: %v", catalogID, err)
			} else if res != nil {
				exec.Event("materialize", "catalog %s: %d row(s) %s into %s", catalogID, res.RowsWritten, res.State, res.Destination)
			}

			if res != nil {
				mu.Lock()
				results = append(results, *res)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// selectPackage picks the package matching the input's container, or
// the first one.
func selectPackage(doc *schema.Document, inputPath string) *schema.Package {
	want := schema.ContainerNone
	switch strings.ToLower(filepath.Ext(inputPath)) {
	case ".zip":
		want = schema.ContainerZip
	case ".gz", ".gzip":
		want = schema.ContainerGzip
	}

	for i := range doc.Packages {
		if doc.Packages[i].Container == want {
			return &doc.Packages[i]
		}
	}
	return &doc.Packages[0]
}
