package migration

import (
	"context"
	"log/slog"

	"github.com/vigilhq/vigil-migrate/pkg/source"
)

// ProgressFunc receives sub-step completion from a pipeline component.
// fraction is the component-local completion in [0,1]; operation is a
// short human-readable label. Components tolerate a nil func.
type ProgressFunc func(fraction float64, operation string)

func (f ProgressFunc) report(fraction float64, operation string) {
	if f != nil {
		f(fraction, operation)
	}
}

// SourceData holds the full contents of the legacy database, read once at
// the start of a run. Later phases work from this snapshot, never from
// the live source.
type SourceData struct {
	Accounts       []source.Account
	Roster         []source.RosterEntry
	WorkItems      []source.WorkItem
	Findings       []source.Finding
	AuditTrail     []source.AuditEntry
	Deployments    []source.Deployment
	StateSnapshots []source.StateSnapshot
	ChangeSpecs    []source.ChangeSpec
}

// Counts returns per-table row counts keyed by legacy table name.
func (d *SourceData) Counts() map[string]int64 {
	return map[string]int64{
		"accounts":        int64(len(d.Accounts)),
		"roster":          int64(len(d.Roster)),
		"work_items":      int64(len(d.WorkItems)),
		"findings":        int64(len(d.Findings)),
		"audit_trail":     int64(len(d.AuditTrail)),
		"deploy_history":  int64(len(d.Deployments)),
		"state_snapshots": int64(len(d.StateSnapshots)),
		"change_specs":    int64(len(d.ChangeSpecs)),
	}
}

// Total returns the number of rows across all tables.
func (d *SourceData) Total() int64 {
	var total int64
	for _, n := range d.Counts() {
		total += n
	}
	return total
}

// Exporter reads the legacy database into memory.
type Exporter struct {
	src    *source.Store
	logger *slog.Logger
}

// NewExporter creates an exporter over the legacy store.
func NewExporter(src *source.Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{src: src, logger: logger}
}

// Export reads every legacy table. Any read failure aborts the export
// with an ExportError naming the table; nothing has touched the
// destination at that point.
func (e *Exporter) Export(ctx context.Context, progress ProgressFunc) (*SourceData, error) {
	data := &SourceData{}
	steps := []struct {
		table string
		read  func() error
	}{
		{"accounts", func() (err error) { data.Accounts, err = e.src.Accounts(ctx); return }},
		{"roster", func() (err error) { data.Roster, err = e.src.Roster(ctx); return }},
		{"work_items", func() (err error) { data.WorkItems, err = e.src.WorkItems(ctx); return }},
		{"findings", func() (err error) { data.Findings, err = e.src.Findings(ctx); return }},
		{"audit_trail", func() (err error) { data.AuditTrail, err = e.src.AuditTrail(ctx); return }},
		{"deploy_history", func() (err error) { data.Deployments, err = e.src.Deployments(ctx); return }},
		{"state_snapshots", func() (err error) { data.StateSnapshots, err = e.src.StateSnapshots(ctx); return }},
		{"change_specs", func() (err error) { data.ChangeSpecs, err = e.src.ChangeSpecs(ctx); return }},
	}

	for i, step := range steps {
		if err := step.read(); err != nil {
			return nil, &ExportError{Table: step.table, Err: err}
		}
		progress.report(float64(i+1)/float64(len(steps)), "exported "+step.table)
	}

	e.logger.Info("export complete", "tables", len(steps), "rows", data.Total())
	return data, nil
}
