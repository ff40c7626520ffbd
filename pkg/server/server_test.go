package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vigilhq/vigil-migrate/pkg/backup"
	"github.com/vigilhq/vigil-migrate/pkg/blob"
	"github.com/vigilhq/vigil-migrate/pkg/destination"
	"github.com/vigilhq/vigil-migrate/pkg/migration"
	"github.com/vigilhq/vigil-migrate/pkg/report"
	"github.com/vigilhq/vigil-migrate/pkg/source"
)

var seedTime = time.Date(2024, 11, 5, 9, 30, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

type serverEnv struct {
	src     *source.Store
	dst     *destination.Store
	ddb     *gorm.DB
	blobs   *blob.FSStore
	backups *backup.Manager
	srv     *Server
	handler http.Handler
}

// newServerEnv wires a server over a small seeded workspace: two
// accounts, one roster entry and one work item, all clean, so a full
// run imports five rows (admin included) without warnings.
func newServerEnv(t *testing.T, opts ...Option) *serverEnv {
	t.Helper()

	sdb := openTestDB(t)
	require.NoError(t, sdb.AutoMigrate(
		&source.Account{}, &source.RosterEntry{}, &source.WorkItem{},
		&source.Finding{}, &source.AuditEntry{}, &source.Deployment{},
		&source.StateSnapshot{}, &source.ChangeSpec{},
	))
	require.NoError(t, sdb.Create(&source.Account{
		ID: 1, Email: "amara@vigil.dev", FullName: "Amara Okafor",
		Role: "admin", Active: true, CreatedAt: seedTime,
	}).Error)
	require.NoError(t, sdb.Create(&source.Account{
		ID: 2, Email: "bruno@vigil.dev", FullName: "Bruno Costa",
		Role: "dev", Active: true, CreatedAt: seedTime,
	}).Error)
	require.NoError(t, sdb.Create(&source.RosterEntry{
		ID: 1, AccountID: ptr(int64(1)), DisplayName: "Amara Okafor",
		Email: "amara@vigil.dev", Squad: "detection", TeamRole: "lead",
		JoinedAt: seedTime,
	}).Error)
	require.NoError(t, sdb.Create(&source.WorkItem{
		ID: 10, Title: "Rotate exposed API keys", Status: "todo",
		Priority: "p2", AssigneeID: ptr(int64(1)), ReporterID: ptr(int64(1)),
		CreatedAt: seedTime,
	}).Error)

	ddb := openTestDB(t)
	dst := destination.New(ddb)
	require.NoError(t, dst.EnsureSchema(context.Background()))

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	mgr := backup.NewManager(dst, blobs, quietLogger())
	sink := report.NewBlobSink(blobs)

	src := source.New(sdb)
	allOpts := append([]Option{WithLogger(quietLogger())}, opts...)
	srv := New(src, dst, mgr, sink, allOpts...)
	return &serverEnv{
		src:     src,
		dst:     dst,
		ddb:     ddb,
		blobs:   blobs,
		backups: mgr,
		srv:     srv,
		handler: srv.Routes(),
	}
}

func (env *serverEnv) request(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		req.Header.Set(RoleHeader, role)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), "body: %s", rec.Body.String())
}

// waitForRun polls the status endpoint until the run records a result.
func (env *serverEnv) waitForRun(t *testing.T, runID string) runStatus {
	t.Helper()
	var status runStatus
	require.Eventually(t, func() bool {
		rec := env.request(t, http.MethodGet, "/api/v1/migrations/"+runID, "", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		status = runStatus{}
		decodeJSON(t, rec, &status)
		return status.Done
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestHealthEndpoints(t *testing.T) {
	env := newServerEnv(t)

	for _, path := range []string{"/healthz", "/livez"} {
		rec := env.request(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		decodeJSON(t, rec, &body)
		assert.Equal(t, "alive", body["status"])
		assert.NotEmpty(t, body["uptime"])
	}

	rec := env.request(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ready struct {
		Status     string                       `json:"status"`
		Components map[string]map[string]string `json:"components"`
	}
	decodeJSON(t, rec, &ready)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "up", ready.Components["source"]["status"])
	assert.Equal(t, "up", ready.Components["destination"]["status"])
	assert.Equal(t, "configured", ready.Components["backups"]["status"])
}

func TestReadyzReportsDownStore(t *testing.T) {
	env := newServerEnv(t)

	sqlDB, err := env.ddb.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	rec := env.request(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var ready struct {
		Status     string                       `json:"status"`
		Components map[string]map[string]string `json:"components"`
	}
	decodeJSON(t, rec, &ready)
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "down", ready.Components["destination"]["status"])
	assert.Equal(t, "up", ready.Components["source"]["status"])
}

func TestStartMigrationRunsToCompletion(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/migrations", string(RoleOperator), map[string]any{})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	runID := accepted["run_id"]
	require.NotEmpty(t, runID)
	assert.Contains(t, runID, "run-")

	status := env.waitForRun(t, runID)
	assert.Empty(t, status.Error)
	require.NotNil(t, status.Result)
	assert.True(t, status.Result.Success)
	assert.Equal(t, "completed", string(status.Phase))
	require.NotNil(t, status.Result.Import)
	assert.Equal(t, int64(5), status.Result.Import.Total())
	require.NotNil(t, status.Result.Verification)
	assert.True(t, status.Result.Verification.Passed)

	counts, err := env.dst.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["users"])
	assert.Equal(t, int64(1), counts["tasks"])

	// The sink stored the run document alongside backups.
	doc, err := env.blobs.Get(context.Background(), "reports/"+runID+".json")
	require.NoError(t, err)
	var stored migration.RunResult
	require.NoError(t, json.Unmarshal(doc, &stored))
	assert.Equal(t, runID, stored.RunID)

	list := env.request(t, http.MethodGet, "/api/v1/migrations", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var listing struct {
		Migrations []runStatus `json:"migrations"`
		Count      int         `json:"count"`
	}
	decodeJSON(t, list, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, runID, listing.Migrations[0].RunID)
	assert.True(t, listing.Migrations[0].Done)
	assert.Nil(t, listing.Migrations[0].Result, "list omits full results")
}

func TestStartMigrationDryRunOverride(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/migrations", string(RoleOperator),
		map[string]any{"dry_run": true})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	status := env.waitForRun(t, accepted["run_id"])

	require.NotNil(t, status.Result)
	assert.True(t, status.Result.Success)
	assert.True(t, status.Result.Options.DryRun)
	require.NotNil(t, status.Result.Validation)
	assert.True(t, status.Result.Validation.Passed)
	assert.Nil(t, status.Result.Import)

	counts, err := env.dst.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts["users"], "dry run must not write")
}

func TestStartMigrationRejectsViewer(t *testing.T) {
	env := newServerEnv(t)

	for _, role := range []string{"", "viewer", "auditor"} {
		rec := env.request(t, http.MethodPost, "/api/v1/migrations", role, nil)
		require.Equal(t, http.StatusForbidden, rec.Code, "role %q", role)
		assert.Contains(t, rec.Body.String(), "insufficient permissions")
	}

	// Read endpoints stay open to viewers.
	rec := env.request(t, http.MethodGet, "/api/v1/migrations", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartMigrationBadBody(t *testing.T) {
	env := newServerEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/migrations", bytes.NewReader([]byte("{")))
	req.Header.Set(RoleHeader, string(RoleOperator))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request body")
}

func TestWorkspaceMutationsConflict(t *testing.T) {
	env := newServerEnv(t)

	require.True(t, env.srv.beginExclusive())
	defer env.srv.endExclusive()

	start := env.request(t, http.MethodPost, "/api/v1/migrations", string(RoleOperator), nil)
	assert.Equal(t, http.StatusConflict, start.Code)

	rollback := env.request(t, http.MethodPost, "/api/v1/rollback", string(RoleOperator),
		map[string]any{"confirm": true})
	assert.Equal(t, http.StatusConflict, rollback.Code)

	restore := env.request(t, http.MethodPost, "/api/v1/backups/bk-x/restore", string(RoleOperator), nil)
	assert.Equal(t, http.StatusConflict, restore.Code)
}

func TestGetMigrationNotFound(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodGet, "/api/v1/migrations/run-missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "migration run not found")
}

func TestEventsStreamDeliversRun(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/migrations", string(RoleOperator), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	decodeJSON(t, rec, &accepted)
	runID := accepted["run_id"]

	// The stream handler returns once the run's tracker closes, so a
	// plain recorder collects the whole run.
	stream := env.request(t, http.MethodGet, "/api/v1/migrations/"+runID+"/events", "", nil)
	require.Equal(t, http.StatusOK, stream.Code)
	assert.Equal(t, "text/event-stream", stream.Header().Get("Content-Type"))

	body := stream.Body.String()
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, `"phase":"completed"`)

	// A late subscriber still gets a terminal snapshot.
	env.waitForRun(t, runID)
	late := env.request(t, http.MethodGet, "/api/v1/migrations/"+runID+"/events", "", nil)
	require.Equal(t, http.StatusOK, late.Code)
	assert.Contains(t, late.Body.String(), `"phase":"completed"`)
}

func TestEventsStreamUnknownRun(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodGet, "/api/v1/migrations/run-missing/events", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBackupsEmpty(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodGet, "/api/v1/backups", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Backups []backup.Info `json:"backups"`
		Count   int           `json:"count"`
	}
	decodeJSON(t, rec, &listing)
	assert.Zero(t, listing.Count)
	assert.Empty(t, listing.Backups)
}

func TestRollbackRequiresConfirmation(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/rollback", string(RoleOperator),
		map[string]any{"confirm": false})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "confirmation")
}

func TestRollbackAndRestoreRoundTrip(t *testing.T) {
	env := newServerEnv(t)

	// Seed the destination directly: one system identity that must
	// survive, one migrated user, one task.
	require.NoError(t, env.ddb.Create(&destination.User{
		ID: "u-sys", Email: "migration-admin@vigil.local", DisplayName: "Migration Administrator",
		Role: destination.RoleAdmin, Active: true, IsSystem: true, CreatedAt: seedTime,
	}).Error)
	require.NoError(t, env.ddb.Create(&destination.User{
		ID: "u-1", Email: "amara@vigil.dev", DisplayName: "Amara Okafor",
		Role: destination.RoleManager, Active: true, CreatedAt: seedTime,
	}).Error)
	require.NoError(t, env.ddb.Create(&destination.Task{
		ID: "t-1", Title: "Rotate exposed API keys", Status: destination.TaskStatusOpen,
		Priority: destination.PriorityMedium, CreatedBy: "u-sys", CreatedAt: seedTime,
	}).Error)

	rec := env.request(t, http.MethodPost, "/api/v1/rollback", string(RoleOperator),
		map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, rec.Code)

	var rb backup.RollbackResult
	decodeJSON(t, rec, &rb)
	require.NotEmpty(t, rb.BackupID)
	assert.True(t, rb.Complete)
	assert.Equal(t, int64(1), rb.Deleted["users"])
	assert.Equal(t, int64(1), rb.Deleted["tasks"])

	counts, err := env.dst.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["users"], "system user survives")
	assert.Zero(t, counts["tasks"])

	list := env.request(t, http.MethodGet, "/api/v1/backups", "", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var listing struct {
		Backups []backup.Info `json:"backups"`
		Count   int           `json:"count"`
	}
	decodeJSON(t, list, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, rb.BackupID, listing.Backups[0].ID)
	assert.Equal(t, int64(3), listing.Backups[0].Total)

	restore := env.request(t, http.MethodPost, "/api/v1/backups/"+rb.BackupID+"/restore",
		string(RoleOperator), nil)
	require.Equal(t, http.StatusOK, restore.Code)

	var rr backup.RestoreResult
	decodeJSON(t, restore, &rr)
	assert.Equal(t, rb.BackupID, rr.BackupID)
	assert.Equal(t, int64(1), rr.Inserted["users"], "present system user is kept, not reinserted")
	assert.Equal(t, int64(1), rr.Inserted["tasks"])

	counts, err = env.dst.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["users"])
	assert.Equal(t, int64(1), counts["tasks"])
}

func TestRestoreUnknownBackup(t *testing.T) {
	env := newServerEnv(t)

	rec := env.request(t, http.MethodPost, "/api/v1/backups/bk-missing/restore",
		string(RoleOperator), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "backup not found")
}

func TestBackupEndpointsWithoutManager(t *testing.T) {
	env := newServerEnv(t)
	srv := New(env.src, env.dst, nil, nil, WithLogger(quietLogger()))
	handler := srv.Routes()

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/backups"},
		{http.MethodPost, "/api/v1/rollback"},
		{http.MethodPost, "/api/v1/backups/bk-x/restore"},
	}
	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		req.Header.Set(RoleHeader, string(RoleOperator))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s %s", p.method, p.path)
		assert.Contains(t, rec.Body.String(), "backup storage not configured")
	}
}
