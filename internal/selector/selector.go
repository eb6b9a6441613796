// Package selector picks the storage backend secrets are written to.
//
// A Selector owns a set of candidate backends, feeds every operation outcome
// into the health monitor, and fails over to the best healthy backend when
// the active one turns unhealthy, optionally migrating data on the way.
// Selection itself is a pure query over the current health snapshot.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/health"
	"github.com/benaskins/seedvault/internal/migrate"
	"github.com/benaskins/seedvault/internal/storage"
)

// NoBackendMessage is the message of the aggregated failure returned when
// no backend can serve requests.
const NoBackendMessage = "no storage backend available"

// ErrNoBackendAvailable builds the aggregated failure. Details map each
// backend id to its current status.
func ErrNoBackendAvailable(snapshot []health.Health) *storage.Error {
	details := make(map[string]any, len(snapshot))
	for _, h := range snapshot {
		details[h.ID] = string(h.Status)
	}
	return storage.NewError(storage.CodeConnectionFailed, NoBackendMessage, details)
}

// IsNoBackendAvailable reports whether err is the aggregated failure.
func IsNoBackendAvailable(err error) bool {
	var se *storage.Error
	return errors.As(err, &se) && se.Code == storage.CodeConnectionFailed && se.Message == NoBackendMessage
}

// Config controls switching.
type Config struct {
	// SwitchMargin is how much higher the best score must be before a
	// working active backend is replaced.
	SwitchMargin float64
	// AutoMigrate copies data to the new backend before switching.
	AutoMigrate bool
	// SwitchCallback is called after every switch.
	SwitchCallback func(Decision)
	Audit          audit.Sink
}

// DefaultConfig returns the stock selector settings.
func DefaultConfig() Config {
	return Config{SwitchMargin: 0.2, AutoMigrate: true}
}

// Decision describes the outcome of a reselection.
type Decision struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Switched  bool              `json:"switched"`
	Reason    string            `json:"reason"`
	Migration *migrate.Progress `json:"migration,omitempty"`
}

// BackendStatus is one row of Status.
type BackendStatus struct {
	ID       string        `json:"id"`
	Type     string        `json:"type,omitempty"`
	Priority int           `json:"priority"`
	Active   bool          `json:"active"`
	Score    float64       `json:"score"`
	Health   health.Health `json:"health"`
}

type candidate struct {
	backend  storage.Backend
	kind     string
	priority int
}

// Selector routes storage operations to the best backend.
type Selector struct {
	monitor  *health.Monitor
	migrator *migrate.Migrator
	cfg      Config
	logger   *slog.Logger

	mu         sync.Mutex
	candidates map[string]*candidate
	active     string
	started    bool
	listener   health.ListenerID

	reselectMu sync.Mutex
	kick       chan string
	cancel     context.CancelFunc
	done       chan struct{}
}

var _ storage.Backend = (*Selector)(nil)

// New creates a selector. The selector takes over the monitor's lifecycle:
// Close shuts it down.
func New(monitor *health.Monitor, migrator *migrate.Migrator, cfg Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SwitchMargin <= 0 {
		cfg.SwitchMargin = DefaultConfig().SwitchMargin
	}
	return &Selector{
		monitor:    monitor,
		migrator:   migrator,
		cfg:        cfg,
		logger:     logger.With("component", "selector"),
		candidates: make(map[string]*candidate),
		kick:       make(chan string, 1),
	}
}

// Add registers a candidate backend. Lower priority values win ties.
// Backends added after Start are registered with the monitor immediately.
func (s *Selector) Add(id string, backend storage.Backend, priority int) error {
	s.mu.Lock()
	if _, ok := s.candidates[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("backend %q already added", id)
	}
	kind := ""
	if info, err := backend.Info(context.Background()).Get(); err == nil {
		kind = info.Type
	}
	s.candidates[id] = &candidate{backend: backend, kind: kind, priority: priority}
	started := s.started
	s.mu.Unlock()

	if started {
		s.monitor.Register(id, backend)
	}
	return nil
}

// SetConfig replaces switching settings, e.g. after a config reload.
func (s *Selector) SetConfig(cfg Config) {
	if cfg.SwitchMargin <= 0 {
		cfg.SwitchMargin = DefaultConfig().SwitchMargin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Selector) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start registers every candidate with the monitor, probes them all
// concurrently and picks the initial active backend. When nothing is
// healthy the aggregated failure is returned, but the selector keeps
// running and picks a backend as soon as one recovers.
func (s *Selector) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("selector already started")
	}
	s.started = true
	ids := s.idsLocked()
	cands := make(map[string]storage.Backend, len(ids))
	for _, id := range ids {
		cands[id] = s.candidates[id].backend
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.monitor.Register(id, cands[id])
	}

	// Selection needs a measured status for every candidate.
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			s.monitor.WaitProbed(gctx, id)
			return nil
		})
	}
	g.Wait()

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.listener = s.monitor.AddListener(s.onHealth)
	s.mu.Unlock()
	go s.worker(wctx)

	d, err := s.Reselect(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("selector started", "active", d.To, "candidates", len(ids))
	return nil
}

// onHealth runs on every health mutation. It must not block.
func (s *Selector) onHealth(id string, h health.Health) {
	active := s.Active()
	switch {
	case active == "" && h.Status != health.StatusUnhealthy:
		s.trigger("backend available")
	case id == active && h.Status == health.StatusUnhealthy:
		s.trigger("active backend unhealthy")
	}
}

func (s *Selector) trigger(reason string) {
	select {
	case s.kick <- reason:
	default:
	}
}

func (s *Selector) worker(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case reason := <-s.kick:
			s.logger.Debug("reselecting", "reason", reason)
			if _, err := s.Reselect(ctx); err != nil {
				s.logger.Error("reselection failed", "reason", reason, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops failover handling and shuts the monitor down.
func (s *Selector) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.monitor.Shutdown()
}

// Active returns the id of the backend currently serving requests, or ""
// when none has been selected.
func (s *Selector) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Candidates returns the ids of every added backend, sorted by priority.
func (s *Selector) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idsLocked()
}

func (s *Selector) idsLocked() []string {
	ids := make([]string, 0, len(s.candidates))
	for id := range s.candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := s.candidates[ids[i]].priority, s.candidates[ids[j]].priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Backend returns a candidate by id.
func (s *Selector) Backend(id string) (storage.Backend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, false
	}
	return c.backend, true
}

// snapshot returns the health of every candidate.
func (s *Selector) snapshot() []health.Health {
	ids := s.Candidates()
	out := make([]health.Health, 0, len(ids))
	for _, id := range ids {
		h, ok := s.monitor.Health(id)
		if !ok {
			h = health.Health{ID: id, Status: health.StatusUnknown}
		}
		out = append(out, h)
	}
	return out
}

// rank orders non-Unhealthy entries by score, then priority, then id.
func (s *Selector) rank(snapshot []health.Health) []health.Health {
	s.mu.Lock()
	prio := make(map[string]int, len(s.candidates))
	for id, c := range s.candidates {
		prio[id] = c.priority
	}
	s.mu.Unlock()

	var ranked []health.Health
	for _, h := range snapshot {
		if h.Status != health.StatusUnhealthy {
			ranked = append(ranked, h)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := health.Score(ranked[i]), health.Score(ranked[j])
		if si != sj {
			return si > sj
		}
		if prio[ranked[i].ID] != prio[ranked[j].ID] {
			return prio[ranked[i].ID] < prio[ranked[j].ID]
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

// Select returns the best backend for the current health snapshot without
// changing the active one.
func (s *Selector) Select() (string, *storage.Error) {
	snap := s.snapshot()
	ranked := s.rank(snap)
	if len(ranked) == 0 {
		return "", ErrNoBackendAvailable(snap)
	}
	return ranked[0].ID, nil
}

// Status returns every candidate with its health and score.
func (s *Selector) Status() []BackendStatus {
	snap := s.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BackendStatus, 0, len(snap))
	for _, h := range snap {
		c := s.candidates[h.ID]
		if c == nil {
			continue
		}
		out = append(out, BackendStatus{
			ID:       h.ID,
			Type:     c.kind,
			Priority: c.priority,
			Active:   h.ID == s.active,
			Score:    health.Score(h),
			Health:   h,
		})
	}
	return out
}
