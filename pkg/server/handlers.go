package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vigilhq/vigil-migrate/pkg/backup"
	"github.com/vigilhq/vigil-migrate/pkg/blob"
	"github.com/vigilhq/vigil-migrate/pkg/migration"
	"github.com/vigilhq/vigil-migrate/pkg/progress"
)

// startRequest overrides the server's default run options. Absent
// fields inherit the default, so a bare POST starts a standard run.
type startRequest struct {
	DryRun         *bool `json:"dry_run"`
	SkipValidation *bool `json:"skip_validation"`
	AutoVerify     *bool `json:"auto_verify"`
	CreateBackup   *bool `json:"create_backup"`
	SampleSize     *int  `json:"sample_size"`
}

func (req *startRequest) apply(opts migration.Options) migration.Options {
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}
	if req.SkipValidation != nil {
		opts.SkipValidation = *req.SkipValidation
	}
	if req.AutoVerify != nil {
		opts.AutoVerify = *req.AutoVerify
	}
	if req.CreateBackup != nil {
		opts.CreateBackup = *req.CreateBackup
	}
	if req.SampleSize != nil {
		opts.SampleSize = *req.SampleSize
	}
	return opts
}

// runStatus is the wire form of a run: the live snapshot while it is
// in flight, plus the full result once it has finished.
type runStatus struct {
	RunID     string               `json:"run_id"`
	Phase     progress.Phase       `json:"phase"`
	Fraction  float64              `json:"fraction"`
	Operation string               `json:"operation,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	Done      bool                 `json:"done"`
	Error     string               `json:"error,omitempty"`
	Result    *migration.RunResult `json:"result,omitempty"`
}

func (s *Server) status(st *runState, includeResult bool) runStatus {
	snap := st.migrator.Tracker().Snapshot()
	out := runStatus{
		RunID:     st.id,
		Phase:     snap.Phase,
		Fraction:  snap.Fraction,
		Operation: snap.Operation,
		StartedAt: st.startedAt,
	}
	res, err, done := st.outcome()
	if !done {
		return out
	}
	out.Done = true
	if err != nil {
		out.Error = err.Error()
	}
	if includeResult {
		out.Result = res
	}
	return out
}

// startMigrationHandler launches a run in the background and responds
// 202 with its identifier. The workspace admits one mutating operation
// at a time, so a second start while one is in flight responds 409.
func (s *Server) startMigrationHandler(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	opts := req.apply(s.defaults)

	if !s.beginExclusive() {
		writeError(w, http.StatusConflict, "another migration, rollback or restore is in progress", nil)
		return
	}

	mopts := []migration.MigratorOption{
		migration.WithLogger(s.logger),
		migration.WithHeartbeat(s.heartbeat),
	}
	if s.backups != nil {
		mopts = append(mopts, migration.WithBackupManager(s.backups))
	}
	if s.reports != nil {
		mopts = append(mopts, migration.WithReportSink(s.reports))
	}
	mig := migration.NewMigrator(s.src, s.dst, opts, mopts...)

	st := &runState{
		id:        mig.RunID(),
		migrator:  mig,
		startedAt: time.Now().UTC(),
	}
	s.addRun(st)

	// The run outlives the request; it is cancelled only by process
	// shutdown, never by the client hanging up.
	go func() {
		defer s.endExclusive()
		res, err := mig.Run(context.Background())
		st.finish(res, err)
		mig.Tracker().Close()
	}()

	s.logger.Info("migration run accepted", "runID", st.id,
		"dryRun", opts.DryRun, "skipValidation", opts.SkipValidation,
		"autoVerify", opts.AutoVerify, "createBackup", opts.CreateBackup)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": st.id,
		"phase":  string(mig.Tracker().Phase()),
	})
}

func (s *Server) getMigrationHandler(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	st := s.run(runID)
	if st == nil {
		writeError(w, http.StatusNotFound, "migration run not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.status(st, true))
}

func (s *Server) listMigrationsHandler(w http.ResponseWriter, r *http.Request) {
	states := s.allRuns()
	items := make([]runStatus, 0, len(states))
	for _, st := range states {
		items = append(items, s.status(st, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"migrations": items,
		"count":      len(items),
	})
}

func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup storage not configured", nil)
		return
	}
	infos, err := s.backups.ListBackups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list backups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backups": infos,
		"count":   len(infos),
	})
}

// rollbackRequest mirrors backup.RollbackOptions; create_backup
// defaults to true so a rollback is recoverable unless the caller
// explicitly opts out.
type rollbackRequest struct {
	Confirm      bool  `json:"confirm"`
	CreateBackup *bool `json:"create_backup"`
}

func (s *Server) rollbackHandler(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup storage not configured", nil)
		return
	}

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	createBackup := true
	if req.CreateBackup != nil {
		createBackup = *req.CreateBackup
	}

	if !s.beginExclusive() {
		writeError(w, http.StatusConflict, "another migration, rollback or restore is in progress", nil)
		return
	}
	defer s.endExclusive()

	res, err := s.backups.Rollback(r.Context(), backup.RollbackOptions{
		Confirm:      req.Confirm,
		CreateBackup: createBackup,
	})
	if err != nil {
		if errors.Is(err, backup.ErrNotConfirmed) {
			writeError(w, http.StatusBadRequest, "rollback requires explicit confirmation", nil)
			return
		}
		s.logger.Error("rollback failed", "error", err)
		// A rollback can fail midway; return what it managed to delete
		// alongside the error.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   http.StatusText(http.StatusInternalServerError),
			"message": "rollback failed: " + err.Error(),
			"result":  res,
		})
		return
	}

	s.logger.Info("rollback complete", "backupID", res.BackupID, "deleted", res.Deleted)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) restoreHandler(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backup storage not configured", nil)
		return
	}
	backupID := chi.URLParam(r, "backupID")

	if !s.beginExclusive() {
		writeError(w, http.StatusConflict, "another migration, rollback or restore is in progress", nil)
		return
	}
	defer s.endExclusive()

	res, err := s.backups.Restore(r.Context(), backupID)
	if err != nil {
		if errors.Is(err, blob.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "backup not found", nil)
			return
		}
		s.logger.Error("restore failed", "backupID", backupID, "error", err)
		writeError(w, http.StatusInternalServerError, "restore failed", err)
		return
	}

	s.logger.Info("restore complete", "backupID", backupID, "inserted", res.Inserted)
	writeJSON(w, http.StatusOK, res)
}
