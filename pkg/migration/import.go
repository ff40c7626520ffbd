package migration

import (
	"context"
	"log/slog"

	"github.com/vigilhq/vigil-migrate/pkg/destination"
)

// ImportResult records how far an import got. Inserted holds per-table
// row counts for every committed table; FailedTable names the table
// whose batch write failed, empty on full success.
type ImportResult struct {
	Inserted    map[string]int64 `json:"inserted"`
	FailedTable string           `json:"failed_table,omitempty"`
}

// Total returns the number of rows committed across all tables.
func (r *ImportResult) Total() int64 {
	var total int64
	for _, n := range r.Inserted {
		total += n
	}
	return total
}

// Importer writes the transformed dataset to the destination in fixed
// dependency order, owners before dependents. Each table is one batch
// write. A failure stops the import immediately and leaves the tables
// written so far committed: compensation is the rollback manager's job,
// not the importer's.
type Importer struct {
	dst    *destination.Store
	logger *slog.Logger
}

// NewImporter creates an Importer over the destination store.
func NewImporter(dst *destination.Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{dst: dst, logger: logger}
}

// Import writes every table of the dataset. On failure it returns the
// partial result together with an ImportError naming the failing table.
func (i *Importer) Import(ctx context.Context, ds *Dataset, progress ProgressFunc) (*ImportResult, error) {
	res := &ImportResult{Inserted: make(map[string]int64, len(destination.TableOrder))}

	// Order matters: it mirrors destination.TableOrder so every
	// reference points at an already written table.
	steps := []struct {
		table string
		rows  int64
		write func() error
	}{
		{"users", int64(len(ds.Users)), func() error { return i.dst.InsertUsers(ctx, ds.Users) }},
		{"team_members", int64(len(ds.TeamMembers)), func() error { return i.dst.InsertTeamMembers(ctx, ds.TeamMembers) }},
		{"tasks", int64(len(ds.Tasks)), func() error { return i.dst.InsertTasks(ctx, ds.Tasks) }},
		{"vulnerabilities", int64(len(ds.Vulnerabilities)), func() error { return i.dst.InsertVulnerabilities(ctx, ds.Vulnerabilities) }},
		{"audit_logs", int64(len(ds.AuditLogs)), func() error { return i.dst.InsertAuditLogs(ctx, ds.AuditLogs) }},
		{"deployments", int64(len(ds.Deployments)), func() error { return i.dst.InsertDeployments(ctx, ds.Deployments) }},
		{"system_snapshots", int64(len(ds.SystemSnapshots)), func() error { return i.dst.InsertSystemSnapshots(ctx, ds.SystemSnapshots) }},
		{"change_requests", int64(len(ds.ChangeRequests)), func() error { return i.dst.InsertChangeRequests(ctx, ds.ChangeRequests) }},
	}

	for n, step := range steps {
		if err := step.write(); err != nil {
			res.FailedTable = step.table
			i.logger.Error("import failed", "table", step.table, "error", err)
			return res, &ImportError{Table: step.table, Result: res, Err: err}
		}
		res.Inserted[step.table] = step.rows
		progress.report(float64(n+1)/float64(len(steps)), "imported "+step.table)
	}

	i.logger.Info("import complete", "rows", res.Total())
	return res, nil
}
