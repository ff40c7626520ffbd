// Package backup snapshots the destination workspace to a blob store and
// rolls migrated rows back out again. A snapshot is one self-contained
// JSON document, so a backup taken against PostgreSQL restores cleanly
// into MySQL or SQLite.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/vigilhq/vigil-migrate/pkg/blob"
	"github.com/vigilhq/vigil-migrate/pkg/destination"
)

// snapshotSchemaVersion guards Restore against snapshots written by an
// incompatible layout of this document.
const snapshotSchemaVersion = 1

// keyPrefix is where snapshots live inside the blob store.
const keyPrefix = "backups/"

// ErrNotConfirmed is returned by Rollback when the caller did not set
// RollbackOptions.Confirm. Deleting a workspace is never implicit.
var ErrNotConfirmed = errors.New("rollback requires explicit confirmation")

// Snapshot is a full export of the destination workspace.
type Snapshot struct {
	SchemaVersion int              `json:"schema_version"`
	ID            string           `json:"id"`
	CreatedAt     time.Time        `json:"created_at"`
	Counts        map[string]int64 `json:"counts"`

	Users           []destination.User           `json:"users"`
	TeamMembers     []destination.TeamMember     `json:"team_members"`
	Tasks           []destination.Task           `json:"tasks"`
	Vulnerabilities []destination.Vulnerability  `json:"vulnerabilities"`
	AuditLogs       []destination.AuditLog       `json:"audit_logs"`
	Deployments     []destination.Deployment     `json:"deployments"`
	SystemSnapshots []destination.SystemSnapshot `json:"system_snapshots"`
	ChangeRequests  []destination.ChangeRequest  `json:"change_requests"`
}

// Total returns the number of rows in the snapshot.
func (s *Snapshot) Total() int64 {
	var total int64
	for _, n := range s.Counts {
		total += n
	}
	return total
}

// Info is the listing view of a stored snapshot, without row data.
type Info struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	Counts    map[string]int64 `json:"counts"`
	Total     int64            `json:"total"`
}

// RollbackOptions controls Rollback.
type RollbackOptions struct {
	// Confirm must be set; Rollback refuses to run without it.
	Confirm bool `json:"confirm"`
	// CreateBackup snapshots the workspace before deleting anything.
	CreateBackup bool `json:"create_backup"`
}

// RollbackResult reports what a rollback deleted and what survived.
type RollbackResult struct {
	BackupID  string           `json:"backup_id,omitempty"`
	Deleted   map[string]int64 `json:"deleted"`
	Remaining map[string]int64 `json:"remaining"`
	Complete  bool             `json:"complete"`
}

// RestoreResult reports the rows a restore inserted per table.
type RestoreResult struct {
	BackupID string           `json:"backup_id"`
	Inserted map[string]int64 `json:"inserted"`
}

// Total returns the number of rows the restore inserted.
func (r *RestoreResult) Total() int64 {
	var total int64
	for _, n := range r.Inserted {
		total += n
	}
	return total
}

// RollbackError reports which rollback step failed.
type RollbackError struct {
	Step string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed during %s: %v", e.Step, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// RestoreError reports the table at which a restore stopped.
type RestoreError struct {
	BackupID string
	Table    string
	Err      error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore of backup %s failed at %s: %v", e.BackupID, e.Table, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Manager creates, lists, restores and rolls back workspace snapshots.
type Manager struct {
	dst    *destination.Store
	blobs  blob.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager wires a manager over the destination store and a blob store.
func NewManager(dst *destination.Store, blobs blob.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dst:    dst,
		blobs:  blobs,
		logger: logger,
		now:    time.Now,
	}
}

// CreateBackup reads every destination table into a snapshot document
// and stores it under backups/<id>.json.
func (m *Manager) CreateBackup(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		SchemaVersion: snapshotSchemaVersion,
		ID:            "bk-" + uuid.New().String(),
		CreatedAt:     m.now().UTC(),
	}

	steps := []struct {
		table string
		read  func() error
	}{
		{"users", func() (err error) { snap.Users, err = m.dst.Users(ctx); return }},
		{"team_members", func() (err error) { snap.TeamMembers, err = m.dst.TeamMembers(ctx); return }},
		{"tasks", func() (err error) { snap.Tasks, err = m.dst.Tasks(ctx); return }},
		{"vulnerabilities", func() (err error) { snap.Vulnerabilities, err = m.dst.Vulnerabilities(ctx); return }},
		{"audit_logs", func() (err error) { snap.AuditLogs, err = m.dst.AuditLogs(ctx); return }},
		{"deployments", func() (err error) { snap.Deployments, err = m.dst.Deployments(ctx); return }},
		{"system_snapshots", func() (err error) { snap.SystemSnapshots, err = m.dst.SystemSnapshots(ctx); return }},
		{"change_requests", func() (err error) { snap.ChangeRequests, err = m.dst.ChangeRequests(ctx); return }},
	}
	for _, st := range steps {
		if err := st.read(); err != nil {
			return nil, fmt.Errorf("back up %s: %w", st.table, err)
		}
	}

	snap.Counts = map[string]int64{
		"users":            int64(len(snap.Users)),
		"team_members":     int64(len(snap.TeamMembers)),
		"tasks":            int64(len(snap.Tasks)),
		"vulnerabilities":  int64(len(snap.Vulnerabilities)),
		"audit_logs":       int64(len(snap.AuditLogs)),
		"deployments":      int64(len(snap.Deployments)),
		"system_snapshots": int64(len(snap.SystemSnapshots)),
		"change_requests":  int64(len(snap.ChangeRequests)),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode backup %s: %w", snap.ID, err)
	}
	if err := m.blobs.Put(ctx, m.key(snap.ID), data); err != nil {
		return nil, fmt.Errorf("store backup %s: %w", snap.ID, err)
	}

	m.logger.Info("backup created", "backupID", snap.ID, "rows", snap.Total())
	return snap, nil
}

// LoadBackup fetches and decodes one snapshot. A missing id surfaces as
// blob.ErrKeyNotFound via errors.Is.
func (m *Manager) LoadBackup(ctx context.Context, id string) (*Snapshot, error) {
	data, err := m.blobs.Get(ctx, m.key(id))
	if err != nil {
		return nil, fmt.Errorf("load backup %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", id, err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("backup %s has snapshot schema version %d, this build reads version %d",
			id, snap.SchemaVersion, snapshotSchemaVersion)
	}
	return &snap, nil
}

// ListBackups returns the stored snapshots, newest first. Unreadable or
// malformed blobs are skipped with a warning rather than failing the
// whole listing.
func (m *Manager) ListBackups(ctx context.Context) ([]Info, error) {
	keys, err := m.blobs.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	infos := make([]Info, 0, len(keys))
	for _, key := range keys {
		data, err := m.blobs.Get(ctx, key)
		if err != nil {
			m.logger.Warn("skipping unreadable backup", "key", key, "error", err)
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			m.logger.Warn("skipping malformed backup", "key", key, "error", err)
			continue
		}
		infos = append(infos, Info{
			ID:        snap.ID,
			CreatedAt: snap.CreatedAt,
			Counts:    snap.Counts,
			Total:     snap.Total(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

// Rollback deletes migrated rows from every destination table in reverse
// dependency order. Users flagged is_system always survive: they carry
// ownership of rows outside the migration's reach. The result reports
// per-table deletions and whatever is still left, so a partial rollback
// is visible to the operator.
func (m *Manager) Rollback(ctx context.Context, opts RollbackOptions) (*RollbackResult, error) {
	if !opts.Confirm {
		return nil, ErrNotConfirmed
	}

	res := &RollbackResult{}
	if opts.CreateBackup {
		snap, err := m.CreateBackup(ctx)
		if err != nil {
			return res, &RollbackError{Step: "backup", Err: err}
		}
		res.BackupID = snap.ID
	}

	m.logger.Info("rolling back destination workspace", "backupID", res.BackupID)
	deleted, err := m.dst.Purge(ctx, true)
	res.Deleted = deleted
	if err != nil {
		// Partial deletes stay in res.Deleted so the caller can see how
		// far the purge got.
		return res, &RollbackError{Step: "purge", Err: err}
	}

	counts, err := m.dst.Counts(ctx)
	if err != nil {
		return res, &RollbackError{Step: "recount", Err: err}
	}
	systemUsers, err := m.dst.CountSystemUsers(ctx)
	if err != nil {
		return res, &RollbackError{Step: "recount", Err: err}
	}

	res.Remaining = make(map[string]int64, len(counts))
	var leftover int64
	for table, n := range counts {
		if table == "users" {
			n -= systemUsers
		}
		res.Remaining[table] = n
		leftover += n
	}
	res.Complete = leftover == 0
	if res.Complete {
		m.logger.Info("rollback complete", "backupID", res.BackupID)
	} else {
		m.logger.Warn("rollback left rows behind", "leftover", leftover)
	}
	return res, nil
}

// Restore replays a snapshot into the destination in dependency order.
// Users already present keep their current row; everything else is
// inserted as stored. Restoring into a non-empty workspace with
// conflicting ids fails on the database's primary key constraint.
func (m *Manager) Restore(ctx context.Context, id string) (*RestoreResult, error) {
	snap, err := m.LoadBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.dst.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("restore backup %s: %w", id, err)
	}

	existing, err := m.dst.IDs(ctx, "users")
	if err != nil {
		return nil, fmt.Errorf("restore backup %s: read existing users: %w", id, err)
	}
	present := mapset.NewThreadUnsafeSet(existing...)
	users := make([]destination.User, 0, len(snap.Users))
	for _, u := range snap.Users {
		if present.Contains(u.ID) {
			continue
		}
		users = append(users, u)
	}
	if skipped := len(snap.Users) - len(users); skipped > 0 {
		m.logger.Info("keeping users already present", "backupID", id, "count", skipped)
	}

	res := &RestoreResult{
		BackupID: id,
		Inserted: make(map[string]int64, len(destination.TableOrder)),
	}
	steps := []struct {
		table string
		rows  int
		write func() error
	}{
		{"users", len(users), func() error { return m.dst.InsertUsers(ctx, users) }},
		{"team_members", len(snap.TeamMembers), func() error { return m.dst.InsertTeamMembers(ctx, snap.TeamMembers) }},
		{"tasks", len(snap.Tasks), func() error { return m.dst.InsertTasks(ctx, snap.Tasks) }},
		{"vulnerabilities", len(snap.Vulnerabilities), func() error { return m.dst.InsertVulnerabilities(ctx, snap.Vulnerabilities) }},
		{"audit_logs", len(snap.AuditLogs), func() error { return m.dst.InsertAuditLogs(ctx, snap.AuditLogs) }},
		{"deployments", len(snap.Deployments), func() error { return m.dst.InsertDeployments(ctx, snap.Deployments) }},
		{"system_snapshots", len(snap.SystemSnapshots), func() error { return m.dst.InsertSystemSnapshots(ctx, snap.SystemSnapshots) }},
		{"change_requests", len(snap.ChangeRequests), func() error { return m.dst.InsertChangeRequests(ctx, snap.ChangeRequests) }},
	}
	for _, st := range steps {
		if err := st.write(); err != nil {
			return res, &RestoreError{BackupID: id, Table: st.table, Err: err}
		}
		res.Inserted[st.table] = int64(st.rows)
	}

	m.logger.Info("backup restored", "backupID", id, "rows", res.Total())
	return res, nil
}

func (m *Manager) key(id string) string { return keyPrefix + id + ".json" }
