package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/benaskins/seedvault/internal/migrate"
	"github.com/benaskins/seedvault/internal/ring"
	"github.com/benaskins/seedvault/internal/selector"
	"github.com/benaskins/seedvault/internal/storage"
)

// Server serves the seedvault REST API over a Unix socket.
type Server struct {
	selector *selector.Selector
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
	logs     *ring.Lines

	mu      sync.Mutex
	pending map[string]*pendingRun // accepted, not yet finished in the background
}

type pendingRun struct {
	progress migrate.Progress
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates an API server backed by the given selector. ctx bounds
// the lifetime of migrations started through the API.
func NewServer(ctx context.Context, sel *selector.Selector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		selector: sel,
		logger:   logger.With("component", "api"),
		ctx:      ctx,
		pending:  make(map[string]*pendingRun),
	}
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// CaptureLogs serves the lines held by l at /v1/logs. Call it before
// listening.
func (s *Server) CaptureLogs(l *ring.Lines) { s.logs = l }

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/backends", s.listBackends)
	mux.HandleFunc("GET /v1/backends/{id}", s.getBackend)
	mux.HandleFunc("POST /v1/backends/{id}/check", s.checkBackend)
	mux.HandleFunc("GET /v1/statistics", s.statistics)
	mux.HandleFunc("GET /v1/active", s.active)
	mux.HandleFunc("POST /v1/reselect", s.reselect)
	mux.HandleFunc("GET /v1/migrations", s.listMigrations)
	mux.HandleFunc("POST /v1/migrations", s.startMigration)
	mux.HandleFunc("GET /v1/migrations/{id}", s.getMigration)
	mux.HandleFunc("DELETE /v1/migrations/{id}", s.cancelMigration)
	mux.HandleFunc("GET /v1/logs", s.recentLogs)
	mux.HandleFunc("GET /v1/secrets", s.listSecrets)
	mux.HandleFunc("GET /v1/secrets/{key}", s.getSecret)
	mux.HandleFunc("PUT /v1/secrets/{key}", s.putSecret)
	mux.HandleFunc("DELETE /v1/secrets/{key}", s.deleteSecret)
	return mux
}

// ListenUnix starts the server on a Unix socket, replacing a stale socket
// file left by a previous run.
func (s *Server) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "active": s.selector.Active()})
}

func (s *Server) listBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.selector.Status())
}

func (s *Server) getBackend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, st := range s.selector.Status() {
		if st.ID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown backend: "+id)
}

func (s *Server) checkBackend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, ok := s.selector.Monitor().CheckHealth(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend: "+id)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.selector.Monitor().Statistics())
}

func (s *Server) active(w http.ResponseWriter, r *http.Request) {
	best, _ := s.selector.Select()
	writeJSON(w, http.StatusOK, map[string]string{"active": s.selector.Active(), "best": best})
}

func (s *Server) reselect(w http.ResponseWriter, r *http.Request) {
	d, err := s.selector.Reselect(r.Context())
	if err != nil {
		writeStorageError(w, storage.FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "log capture is disabled")
		return
	}
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid n: "+v)
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": s.logs.Last(n)})
}

// MigrationRequest is the body of POST /v1/migrations.
type MigrationRequest struct {
	Source         string `json:"source"`
	Target         string `json:"target"`
	Strategy       string `json:"strategy,omitempty"`
	Validation     string `json:"validation,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	PreserveSource *bool  `json:"preserve_source,omitempty"`
	Rollback       *bool  `json:"rollback,omitempty"`
	// Wait runs the migration in the request and returns the final progress.
	Wait bool `json:"wait,omitempty"`
}

func (req MigrationRequest) options() (migrate.PlanOptions, error) {
	opts := migrate.PlanOptions{
		BatchSize:       req.BatchSize,
		PreserveSource:  req.PreserveSource,
		RollbackEnabled: req.Rollback,
	}
	var err error
	if req.Strategy != "" {
		if opts.Strategy, err = migrate.ParseStrategy(req.Strategy); err != nil {
			return opts, err
		}
	}
	if req.Validation != "" {
		if opts.Validation, err = migrate.ParseValidation(req.Validation); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func (s *Server) listMigrations(w http.ResponseWriter, r *http.Request) {
	runs := s.selector.Migrator().All()
	s.mu.Lock()
	for id, p := range s.pending {
		if _, started := s.selector.Migrator().Progress(id); !started {
			runs = append(runs, p.progress)
		}
	}
	s.mu.Unlock()
	if runs == nil {
		runs = []migrate.Progress{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) startMigration(w http.ResponseWriter, r *http.Request) {
	var req MigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.selector.PlanMigration(req.Source, req.Target, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Wait {
		writeJSON(w, http.StatusOK, s.selector.Migrator().Execute(r.Context(), plan))
		return
	}

	pr := s.accept(plan)
	go s.run(plan, pr)
	writeJSON(w, http.StatusAccepted, pr.progress)
}

// accept records plan as pending until run finishes it.
func (s *Server) accept(plan migrate.Plan) *pendingRun {
	ctx, cancel := context.WithCancel(s.ctx)
	pr := &pendingRun{
		progress: migrate.Progress{
			PlanID:    plan.ID,
			Source:    plan.Source.ID,
			Target:    plan.Target.ID,
			Strategy:  plan.Strategy,
			Status:    migrate.StatusPending,
			StartTime: plan.CreatedAt,
			Errors:    []migrate.MigrationError{},
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.mu.Lock()
	s.pending[plan.ID] = pr
	s.mu.Unlock()
	return pr
}

func (s *Server) run(plan migrate.Plan, pr *pendingRun) {
	defer pr.cancel()
	p := s.selector.Migrator().Execute(pr.ctx, plan)
	s.mu.Lock()
	delete(s.pending, plan.ID)
	s.mu.Unlock()
	s.logger.Info("migration finished", "plan", plan.ID, "status", p.Status, "migrated", p.MigratedItems)
}

func (s *Server) migration(id string) (migrate.Progress, bool) {
	if p, ok := s.selector.Migrator().Progress(id); ok {
		return p, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[id]; ok {
		return p.progress, true
	}
	return migrate.Progress{}, false
}

func (s *Server) getMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, ok := s.migration(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown migration: "+id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) cancelMigration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.selector.Migrator().Cancel(id) || s.cancelPending(id) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}
	if _, ok := s.migration(id); ok {
		writeError(w, http.StatusConflict, "migration is not running: "+id)
		return
	}
	writeError(w, http.StatusNotFound, "unknown migration: "+id)
}

// cancelPending cancels a migration that was accepted but has not started
// executing. Once it starts, Execute observes the cancelled context and
// finishes it as failed.
func (s *Server) cancelPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return false
	}
	if _, started := s.selector.Migrator().Progress(id); started {
		return false
	}
	p.cancel()
	p.progress.Cancelled = true
	return true
}

// SecretRequest is the body of PUT /v1/secrets/{key}.
type SecretRequest struct {
	Value       []byte `json:"value"`
	RequireAuth bool   `json:"require_auth,omitempty"`
	TTL         string `json:"ttl,omitempty"`
}

// SecretResponse is the body of GET /v1/secrets/{key}.
type SecretResponse struct {
	Key     string `json:"key"`
	Value   []byte `json:"value"`
	Backend string `json:"backend"`
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	keys, err := s.selector.List(r.Context()).Get()
	if err != nil {
		writeStorageError(w, storage.FromError(err))
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	res := s.selector.Retrieve(r.Context(), key, nil)
	if !res.IsOk() {
		writeStorageError(w, res.Err())
		return
	}
	writeJSON(w, http.StatusOK, SecretResponse{Key: key, Value: res.ValueOr(nil), Backend: s.selector.Active()})
}

func (s *Server) putSecret(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req SecretRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	opts := &storage.Options{RequireAuth: req.RequireAuth}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
		opts.TTL = ttl
	}
	res := s.selector.Store(r.Context(), key, req.Value, opts)
	if !res.IsOk() {
		writeStorageError(w, res.Err())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "stored",
		"backend":          s.selector.Active(),
		"user_interaction": res.RequiresUserInteraction(),
	})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	res := s.selector.Remove(r.Context(), r.PathValue("key"))
	if !res.IsOk() {
		writeStorageError(w, res.Err())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

var statusByCode = map[storage.Code]int{
	storage.CodeNotFound:               http.StatusNotFound,
	storage.CodePermissionDenied:       http.StatusForbidden,
	storage.CodeValidation:             http.StatusBadRequest,
	storage.CodeQuotaExceeded:          http.StatusRequestEntityTooLarge,
	storage.CodeConnectionFailed:       http.StatusServiceUnavailable,
	storage.CodeAuthenticationRequired: http.StatusUnauthorized,
	storage.CodeOperationCancelled:     http.StatusRequestTimeout,
	storage.CodeUnsupportedOperation:   http.StatusNotImplemented,
	storage.CodeInternal:               http.StatusInternalServerError,
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    storage.Code   `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeStorageError(w http.ResponseWriter, err *storage.Error) {
	status, ok := statusByCode[err.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, ErrorResponse{Error: err.Message, Code: err.Code, Details: err.Details})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
