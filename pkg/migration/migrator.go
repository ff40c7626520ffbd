package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigilhq/vigil-migrate/pkg/backup"
	"github.com/vigilhq/vigil-migrate/pkg/destination"
	"github.com/vigilhq/vigil-migrate/pkg/progress"
	"github.com/vigilhq/vigil-migrate/pkg/report"
	"github.com/vigilhq/vigil-migrate/pkg/source"
)

// Options selects the behavior of one migration run.
type Options struct {
	// DryRun stops after validation; the destination is never touched,
	// not even for schema setup.
	DryRun bool `json:"dry_run"`
	// SkipValidation imports the transformed dataset without checking it.
	SkipValidation bool `json:"skip_validation"`
	// AutoVerify re-reads the destination after import and compares it
	// against the transformed dataset.
	AutoVerify bool `json:"auto_verify"`
	// CreateBackup promotes a failed verification to a fatal outcome:
	// the run snapshots the destination and rolls the import back.
	CreateBackup bool `json:"create_backup"`
	// SampleSize bounds the verifier's per-table field comparison.
	SampleSize int `json:"sample_size"`
}

// DefaultOptions returns the options of a standard production run.
func DefaultOptions() Options {
	return Options{
		AutoVerify:   true,
		CreateBackup: true,
		SampleSize:   defaultSampleSize,
	}
}

// TransformSummary is the report-friendly digest of a transform result.
type TransformSummary struct {
	Counts      map[string]int64 `json:"counts"`
	Mapped      int              `json:"mapped"`
	AdminUserID string           `json:"admin_user_id"`
	Warnings    []Warning        `json:"warnings,omitempty"`
}

// ValidationResult summarizes the validation phase.
type ValidationResult struct {
	Passed     bool        `json:"passed"`
	Skipped    bool        `json:"skipped"`
	Violations []Violation `json:"violations,omitempty"`
}

// RunResult aggregates every phase's structured outcome. Each component
// result keeps its own shape so nothing is lost between the phase that
// produced it and the operator reading the report.
type RunResult struct {
	RunID        string                 `json:"run_id"`
	Success      bool                   `json:"success"`
	Options      Options                `json:"options"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
	SourceCounts map[string]int64       `json:"source_counts,omitempty"`
	Transform    *TransformSummary      `json:"transform,omitempty"`
	Validation   *ValidationResult      `json:"validation,omitempty"`
	Import       *ImportResult          `json:"import,omitempty"`
	Verification *VerificationReport    `json:"verification,omitempty"`
	Rollback     *backup.RollbackResult `json:"rollback,omitempty"`
	Errors       []string               `json:"errors,omitempty"`
	Report       *progress.RunReport    `json:"report,omitempty"`
}

// Migrator drives one migration run through its phases. A Migrator is
// single-use: a second Run on the same instance is rejected.
type Migrator struct {
	src     *source.Store
	dst     *destination.Store
	backups *backup.Manager
	sink    report.Sink
	opts    Options
	logger  *slog.Logger
	runID   string
	tracker *progress.Tracker
	hb      time.Duration
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithBackupManager wires the manager used for the automatic rollback
// after a failed verification.
func WithBackupManager(mgr *backup.Manager) MigratorOption {
	return func(m *Migrator) { m.backups = mgr }
}

// WithReportSink sets where the final run document is written.
func WithReportSink(sink report.Sink) MigratorOption {
	return func(m *Migrator) { m.sink = sink }
}

// WithLogger sets the run logger.
func WithLogger(logger *slog.Logger) MigratorOption {
	return func(m *Migrator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHeartbeat publishes heartbeat events at the given interval while
// the run is live, for subscribers that want stall detection.
func WithHeartbeat(interval time.Duration) MigratorOption {
	return func(m *Migrator) { m.hb = interval }
}

// NewMigrator builds a run over the given stores. Everything beyond the
// two stores is injected through options.
func NewMigrator(src *source.Store, dst *destination.Store, opts Options, mopts ...MigratorOption) *Migrator {
	if opts.SampleSize <= 0 {
		opts.SampleSize = defaultSampleSize
	}
	m := &Migrator{
		src:    src,
		dst:    dst,
		opts:   opts,
		logger: slog.Default(),
		runID:  "run-" + uuid.New().String(),
	}
	for _, opt := range mopts {
		opt(m)
	}
	m.logger = m.logger.With("runID", m.runID)
	m.tracker = progress.NewTracker(m.runID, progress.WithLogger(m.logger))
	return m
}

// RunID returns the generated identifier of this run.
func (m *Migrator) RunID() string { return m.runID }

// Tracker exposes the run's progress tracker for subscribers.
func (m *Migrator) Tracker() *progress.Tracker { return m.tracker }

// Run executes the migration. The returned result is non-nil whenever
// the run started, including on failure; the error is non-nil exactly
// when res.Success is false.
func (m *Migrator) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{
		RunID:     m.runID,
		Options:   m.opts,
		StartedAt: time.Now().UTC(),
	}

	if err := m.tracker.Transition(progress.PhaseInitializing); err != nil {
		return nil, fmt.Errorf("migration run %s cannot start: %w", m.runID, err)
	}
	if m.hb > 0 {
		m.tracker.StartHeartbeat(m.hb)
	}
	m.logger.Info("migration run starting",
		"dryRun", m.opts.DryRun,
		"skipValidation", m.opts.SkipValidation,
		"autoVerify", m.opts.AutoVerify,
		"createBackup", m.opts.CreateBackup,
		"sampleSize", m.opts.SampleSize)

	if m.opts.CreateBackup && m.backups == nil {
		return m.fail(ctx, res, fmt.Errorf("create_backup is set but no backup manager is wired"))
	}
	if err := m.src.Ping(ctx); err != nil {
		return m.fail(ctx, res, fmt.Errorf("source unreachable: %w", err))
	}
	m.tracker.Update(0.5, "source reachable")
	if !m.opts.DryRun {
		if err := m.dst.Ping(ctx); err != nil {
			return m.fail(ctx, res, fmt.Errorf("destination unreachable: %w", err))
		}
	}
	m.tracker.Update(1, "stores reachable")

	if err := m.tracker.Transition(progress.PhaseExporting); err != nil {
		return m.fail(ctx, res, err)
	}
	data, err := NewExporter(m.src, m.logger).Export(ctx, m.progress())
	if err != nil {
		return m.fail(ctx, res, err)
	}
	res.SourceCounts = data.Counts()
	m.tracker.SetRowCount(data.Total())

	if err := m.tracker.Transition(progress.PhaseTransforming); err != nil {
		return m.fail(ctx, res, err)
	}
	tr, err := NewTransformer(m.logger).Transform(data, m.progress())
	if err != nil {
		return m.fail(ctx, res, err)
	}
	res.Transform = &TransformSummary{
		Counts:      tr.Dataset.Counts(),
		Mapped:      tr.IDMap.Len(),
		AdminUserID: tr.AdminUserID,
		Warnings:    tr.Warnings,
	}
	m.tracker.AddWarnings(len(tr.Warnings))

	if err := m.tracker.Transition(progress.PhaseValidating); err != nil {
		return m.fail(ctx, res, err)
	}
	if m.opts.SkipValidation {
		res.Validation = &ValidationResult{Skipped: true}
		m.logger.Warn("validation skipped by request")
		m.tracker.Update(1, "validation skipped")
	} else {
		err := NewValidator(m.logger).Validate(tr.Dataset, m.progress())
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			res.Validation = &ValidationResult{Violations: vErr.Violations}
			return m.fail(ctx, res, err)
		}
		if err != nil {
			return m.fail(ctx, res, err)
		}
		res.Validation = &ValidationResult{Passed: true}
	}

	if m.opts.DryRun {
		m.logger.Info("dry run complete, destination untouched")
		return m.finish(ctx, res, progress.PhaseCompleted, nil)
	}

	if err := m.tracker.Transition(progress.PhaseImporting); err != nil {
		return m.fail(ctx, res, err)
	}
	// Schema work waits until the run is committed to writing, so dry
	// runs and aborted validations leave the destination exactly as it
	// was.
	if err := m.dst.EnsureSchema(ctx); err != nil {
		return m.fail(ctx, res, err)
	}
	imp, err := NewImporter(m.dst, m.logger).Import(ctx, tr.Dataset, m.progress())
	res.Import = imp
	if err != nil {
		m.tracker.Recommend("the import stopped after partially writing; roll back the destination before retrying")
		return m.fail(ctx, res, err)
	}

	if !m.opts.AutoVerify {
		m.logger.Info("verification disabled, finishing after import")
		return m.finish(ctx, res, progress.PhaseCompleted, nil)
	}

	if err := m.tracker.Transition(progress.PhaseVerifying); err != nil {
		return m.fail(ctx, res, err)
	}
	rep, err := NewVerifier(m.dst, m.opts.SampleSize, m.logger).Verify(ctx, tr, m.progress())
	if err != nil {
		// The verifier could not read the destination; the import is not
		// known bad, so nothing is rolled back automatically.
		m.tracker.Recommend("verification could not read the destination; verify the workspace manually before use")
		return m.fail(ctx, res, err)
	}
	res.Verification = rep
	if rep.Passed {
		return m.finish(ctx, res, progress.PhaseCompleted, nil)
	}

	vfErr := &VerificationFailedError{Report: rep}
	if !m.opts.CreateBackup {
		// Without create_backup a discrepancy is reported, not acted on.
		m.logger.Warn("verification failed, leaving import in place", "error", vfErr)
		m.tracker.Recommend("verification found discrepancies; inspect the verification report and roll back manually if the workspace is unusable")
		return m.finish(ctx, res, progress.PhaseCompleted, nil)
	}

	return m.rollbackAfterVerification(ctx, res, vfErr)
}

// rollbackAfterVerification drives the Failed -> RollingBack excursion:
// snapshot the suspect workspace, purge migrated rows, and finish with
// the combined verification and rollback outcomes.
func (m *Migrator) rollbackAfterVerification(ctx context.Context, res *RunResult, vfErr error) (*RunResult, error) {
	m.tracker.Error(vfErr)
	m.transition(progress.PhaseFailed)
	m.transition(progress.PhaseRollingBack)
	m.logger.Warn("verification failed, rolling back the import", "error", vfErr)

	rb, rbErr := m.backups.Rollback(ctx, backup.RollbackOptions{Confirm: true, CreateBackup: true})
	res.Rollback = rb
	if rbErr != nil {
		m.tracker.Error(rbErr)
		return m.finish(ctx, res, progress.PhaseFailed, vfErr)
	}
	if rb.BackupID != "" {
		m.tracker.Recommend(fmt.Sprintf("the rejected import was preserved as backup %s for inspection", rb.BackupID))
	}
	return m.finish(ctx, res, progress.PhaseCompleted, vfErr)
}

// fail records err, moves to Failed and finalizes the run.
func (m *Migrator) fail(ctx context.Context, res *RunResult, err error) (*RunResult, error) {
	m.tracker.Error(err)
	return m.finish(ctx, res, progress.PhaseFailed, err)
}

// finish moves to the terminal phase, assembles the report, writes it to
// the sink and returns the result.
func (m *Migrator) finish(ctx context.Context, res *RunResult, terminal progress.Phase, err error) (*RunResult, error) {
	m.transition(terminal)
	res.FinishedAt = time.Now().UTC()

	rep := m.tracker.Report()
	res.Report = &rep
	res.Errors = rep.Errors
	res.Success = rep.Success

	m.writeReport(ctx, res)
	m.logger.Info("migration run finished",
		"phase", rep.FinalPhase, "success", res.Success, "errors", len(res.Errors))
	return res, err
}

// transition moves the tracker and logs instead of failing the run when
// the move is rejected; by the time this is called the run's fate is
// already decided.
func (m *Migrator) transition(to progress.Phase) {
	if err := m.tracker.Transition(to); err != nil {
		m.logger.Error("phase transition rejected", "to", to, "error", err)
	}
}

// writeReport stores the run document. Report storage failing never
// changes the run outcome; it is logged and the result still returned.
func (m *Migrator) writeReport(ctx context.Context, res *RunResult) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Write(ctx, m.runID, res); err != nil {
		m.logger.Error("run report not stored", "error", err)
	}
}

// progress bridges component progress callbacks onto the tracker.
func (m *Migrator) progress() ProgressFunc {
	return func(fraction float64, operation string) {
		m.tracker.Update(fraction, operation)
	}
}
