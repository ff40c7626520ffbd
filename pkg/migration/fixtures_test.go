package migration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vigilhq/vigil-migrate/pkg/destination"
	"github.com/vigilhq/vigil-migrate/pkg/source"
)

var (
	fixtureT0 = time.Date(2024, 11, 5, 9, 30, 0, 0, time.UTC)
	fixtureT1 = time.Date(2024, 11, 6, 14, 0, 0, 0, time.UTC)
)

func ptr[T any](v T) *T { return &v }

// openTestDB returns an isolated in-memory sqlite handle.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

// newSourceStore builds an empty legacy store plus the raw handle for
// seeding.
func newSourceStore(t *testing.T) (*source.Store, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, db.AutoMigrate(
		&source.Account{}, &source.RosterEntry{}, &source.WorkItem{},
		&source.Finding{}, &source.AuditEntry{}, &source.Deployment{},
		&source.StateSnapshot{}, &source.ChangeSpec{},
	))
	return source.New(db), db
}

// newDestinationStore builds a destination store with the schema in
// place plus the raw handle for test-side meddling.
func newDestinationStore(t *testing.T) (*destination.Store, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	store := destination.New(db)
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store, db
}

// seedSource loads the canonical legacy fixture: three accounts, a
// three-entry roster (one linked to an account, one standalone, one
// dangling), work items with dependencies, findings, audit entries,
// deployments, one snapshot and one change spec. Seventeen rows, five
// of which carry something for the transformer to warn about.
func seedSource(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create([]source.Account{
		{ID: 1, Email: "amara@vigil.dev", FullName: "Amara Okafor", Role: "admin", Active: true, CreatedAt: fixtureT0},
		{ID: 2, Email: "bruno@vigil.dev", FullName: "Bruno Silva", Role: "dev", Active: true, CreatedAt: fixtureT0},
		{ID: 3, Email: "chen@vigil.dev", FullName: "Chen Wei", Role: "auditor", Active: false, CreatedAt: fixtureT0},
	}).Error)
	require.NoError(t, db.Create([]source.RosterEntry{
		{ID: 1, AccountID: ptr(int64(1)), DisplayName: "Amara Okafor", Email: "amara@vigil.dev", Squad: "detection", TeamRole: "lead", JoinedAt: fixtureT0},
		{ID: 2, DisplayName: "Dana Flores", Email: "dana@vigil.dev", Squad: "response", TeamRole: "member", JoinedAt: fixtureT0},
		{ID: 3, AccountID: ptr(int64(99)), DisplayName: "Evan Hart", Email: "evan@vigil.dev", Squad: "response", TeamRole: "member", JoinedAt: fixtureT0},
	}).Error)
	require.NoError(t, db.Create([]source.WorkItem{
		{ID: 10, Title: "Rotate exposed API keys", Detail: "Keys leaked in CI logs.", Status: "todo", Priority: "p1",
			AssigneeID: ptr(int64(2)), ReporterID: ptr(int64(1)), DueAt: ptr(fixtureT1), CreatedAt: fixtureT0},
		{ID: 11, Title: "Patch edge gateway", Detail: "Apply the vendor fix.", Status: "doing", Priority: "urgent",
			ReporterID: ptr(int64(1)), DependsOn: source.Int64List{10}, CreatedAt: fixtureT0},
		{ID: 12, Title: "Audit storage buckets", Status: "done", Priority: "p3",
			AssigneeID: ptr(int64(7777)), DependsOn: source.Int64List{10, 999}, CreatedAt: fixtureT0},
	}).Error)
	require.NoError(t, db.Create([]source.Finding{
		{ID: 20, Title: "Outdated TLS on bastion", Detail: "TLS 1.0 still enabled.", Severity: "crit", Status: "new",
			CVE: "CVE-2024-21762", Component: "bastion", CVSS: 9.1,
			ReportedBy: ptr(int64(1)), AssignedTo: ptr(int64(1)), DiscoveredAt: fixtureT0},
		{ID: 21, Title: "Weak webhook secret", Severity: "med", Status: "triage",
			Component: "webhooks", CVSS: 5.0, DiscoveredAt: fixtureT0},
	}).Error)
	require.NoError(t, db.Create([]source.AuditEntry{
		{ID: 30, ActorID: ptr(int64(1)), Action: "login", TargetKind: "session", TargetLabel: "web", RecordedAt: fixtureT0},
		{ID: 31, ActorID: ptr(int64(123456)), Action: "delete", TargetKind: "work_item", TargetLabel: "WI-9",
			Detail: "bulk cleanup", RecordedAt: fixtureT0},
	}).Error)
	require.NoError(t, db.Create([]source.Deployment{
		{ID: 40, Service: "gateway", Version: "2.4.1", Environment: "prod", Status: "ok",
			DeployedBy: ptr(int64(2)), WorkItemIDs: source.Int64List{10, 11}, StartedAt: fixtureT0, FinishedAt: ptr(fixtureT1)},
		{ID: 41, Service: "scanner", Version: "1.0.9", Environment: "stg", Status: "running", StartedAt: fixtureT1},
	}).Error)
	require.NoError(t, db.Create([]source.StateSnapshot{
		{ID: 50, Label: "pre-gateway-2.4.1", Environment: "prod", DeploymentID: ptr(int64(40)), TakenBy: ptr(int64(1)),
			Checksum: "deadbeefcafe0123", SizeBytes: 1 << 20, TakenAt: fixtureT0},
	}).Error)
	require.NoError(t, db.Create([]source.ChangeSpec{
		{ID: 60, Title: "Enable WAF strict mode", Summary: "Tighten rules ahead of the audit.", Status: "review",
			Confidentiality: "secret", RequestedBy: ptr(int64(1)), AssigneeID: ptr(int64(2)),
			AuthorizedIDs: source.Int64List{1, 2}, WorkItemIDs: source.Int64List{11},
			ScheduledFor: ptr(fixtureT1), CreatedAt: fixtureT0},
	}).Error)
}

// exportFixture runs the exporter over the seeded fixture.
func exportFixture(t *testing.T, src *source.Store) *SourceData {
	t.Helper()
	data, err := NewExporter(src, nil).Export(context.Background(), nil)
	require.NoError(t, err)
	return data
}

// transformFixture exports and transforms the seeded fixture.
func transformFixture(t *testing.T, src *source.Store) *TransformResult {
	t.Helper()
	tr, err := NewTransformer(nil).Transform(exportFixture(t, src), nil)
	require.NoError(t, err)
	return tr
}
