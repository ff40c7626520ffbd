// Package server exposes the migration engine over HTTP: starting and
// watching runs, listing backups, and rolling back or restoring the
// destination workspace. Mutating endpoints require the operator role.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vigilhq/vigil-migrate/pkg/backup"
	"github.com/vigilhq/vigil-migrate/pkg/destination"
	"github.com/vigilhq/vigil-migrate/pkg/migration"
	"github.com/vigilhq/vigil-migrate/pkg/report"
	"github.com/vigilhq/vigil-migrate/pkg/source"
)

const (
	defaultHeartbeat = 15 * time.Second

	// eventBuffer sizes per-subscriber event channels. A slow SSE client
	// that falls this far behind loses intermediate events, never the
	// terminal one: the lead snapshot on connect covers the gap.
	eventBuffer = 256
)

// Server is the HTTP control plane over one source/destination pair.
// It owns the run registry and serializes workspace mutations: at most
// one migration, rollback or restore is in flight at a time.
type Server struct {
	src     *source.Store
	dst     *destination.Store
	backups *backup.Manager
	reports report.Sink

	logger        *slog.Logger
	roleExtractor RoleExtractor
	defaults      migration.Options
	heartbeat     time.Duration
	startedAt     time.Time

	mu    sync.RWMutex
	runs  map[string]*runState
	order []string
	busy  bool
}

// runState tracks one migration run from start to its recorded result.
type runState struct {
	id        string
	migrator  *migration.Migrator
	startedAt time.Time

	mu     sync.RWMutex
	result *migration.RunResult
	err    error
	done   bool
}

func (st *runState) finish(res *migration.RunResult, err error) {
	st.mu.Lock()
	st.result = res
	st.err = err
	st.done = true
	st.mu.Unlock()
}

func (st *runState) outcome() (*migration.RunResult, error, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.result, st.err, st.done
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRoleExtractor replaces the default X-User-Role header extractor,
// e.g. with NewJWTRoleExtractor or AllowAll.
func WithRoleExtractor(extractor RoleExtractor) Option {
	return func(s *Server) {
		if extractor != nil {
			s.roleExtractor = extractor
		}
	}
}

// WithDefaultOptions sets the run options used when a start request
// leaves fields unset.
func WithDefaultOptions(opts migration.Options) Option {
	return func(s *Server) { s.defaults = opts }
}

// WithHeartbeatInterval sets how often live runs publish heartbeat
// events to subscribers. Zero disables heartbeats.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(s *Server) { s.heartbeat = interval }
}

// New builds a server over the given stores. The backup manager and
// report sink may be nil; the endpoints that need them respond 503.
func New(src *source.Store, dst *destination.Store, backups *backup.Manager, reports report.Sink, opts ...Option) *Server {
	s := &Server{
		src:           src,
		dst:           dst,
		backups:       backups,
		reports:       reports,
		logger:        slog.Default(),
		roleExtractor: DefaultRoleExtractor,
		defaults:      migration.DefaultOptions(),
		heartbeat:     defaultHeartbeat,
		startedAt:     time.Now(),
		runs:          make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RoleHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/migrations", RequireRole(RoleOperator, s.roleExtractor)(http.HandlerFunc(s.startMigrationHandler)).ServeHTTP)
		r.Get("/migrations", s.listMigrationsHandler)
		r.Get("/migrations/{runID}", s.getMigrationHandler)
		r.Get("/migrations/{runID}/events", s.streamEventsHandler)
		r.Get("/backups", s.listBackupsHandler)
		r.Post("/rollback", RequireRole(RoleOperator, s.roleExtractor)(http.HandlerFunc(s.rollbackHandler)).ServeHTTP)
		r.Post("/backups/{backupID}/restore", RequireRole(RoleOperator, s.roleExtractor)(http.HandlerFunc(s.restoreHandler)).ServeHTTP)
	})

	return r
}

// beginExclusive claims the workspace for a mutating operation. It
// returns false when a migration, rollback or restore already holds it.
func (s *Server) beginExclusive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *Server) endExclusive() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *Server) addRun(st *runState) {
	s.mu.Lock()
	s.runs[st.id] = st
	s.order = append(s.order, st.id)
	s.mu.Unlock()
}

func (s *Server) run(id string) *runState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[id]
}

func (s *Server) allRuns() []*runState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make([]*runState, 0, len(s.order))
	for _, id := range s.order {
		states = append(states, s.runs[id])
	}
	return states
}

// healthHandler reports process liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt).Round(time.Second).String()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": uptime,
	})
}

// readyHandler checks that both stores answer before the server accepts
// work. Backup storage is reported but does not gate readiness.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	allReady := true

	sourceStatus := map[string]string{"status": "up"}
	if err := s.src.Ping(ctx); err != nil {
		sourceStatus["status"] = "down"
		sourceStatus["error"] = err.Error()
		allReady = false
	}

	destStatus := map[string]string{"status": "up"}
	if err := s.dst.Ping(ctx); err != nil {
		destStatus["status"] = "down"
		destStatus["error"] = err.Error()
		allReady = false
	}

	backupStatus := map[string]string{"status": "configured"}
	if s.backups == nil {
		backupStatus["status"] = "not_configured"
	}

	status := "ready"
	code := http.StatusOK
	if !allReady {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"source":      sourceStatus,
			"destination": destStatus,
			"backups":     backupStatus,
		},
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	errMsg := message
	if err != nil {
		errMsg = fmt.Sprintf("%s: %v", message, err)
	}
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": errMsg,
	})
}
