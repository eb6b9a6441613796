// Package health tracks the health of registered storage backends. Each
// backend is probed periodically through its Test operation and every real
// operation outcome can be fed in as well; from those signals the monitor
// derives a status and a fitness score used to pick the best backend.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/benaskins/seedvault/internal/ring"
	"github.com/benaskins/seedvault/internal/storage"
)

// Status represents the health state of a backend.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// OperationHealthCheck is the operation name recorded for probe failures.
const OperationHealthCheck = "health_check"

// Config holds monitor thresholds. Zero values are replaced by defaults,
// except EnableAutoRecovery which is taken as given; start from
// DefaultConfig to get it enabled.
type Config struct {
	CheckInterval         time.Duration // time between probes
	ProbeTimeout          time.Duration // max time per probe
	MaxErrors             int           // consecutive failures before a backend is marked unavailable
	DegradedThreshold     float64       // error rate at which a backend is degraded
	UnhealthyThreshold    float64       // error rate at which a backend is unhealthy
	ResponseTimeThreshold time.Duration // average latency above which a backend is degraded
	MaxHistorySize        int           // error history entries kept per backend
	EnableAutoRecovery    bool
	RecoveryDelay         time.Duration // delay before a recovery probe of an unhealthy backend
	CriticalWindow        time.Duration // how long a critical error keeps a backend unhealthy
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		CheckInterval:         30 * time.Second,
		ProbeTimeout:          10 * time.Second,
		MaxErrors:             10,
		DegradedThreshold:     0.1,
		UnhealthyThreshold:    0.3,
		ResponseTimeThreshold: 5 * time.Second,
		MaxHistorySize:        100,
		EnableAutoRecovery:    true,
		RecoveryDelay:         time.Minute,
		CriticalWindow:        5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = d.DegradedThreshold
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.ResponseTimeThreshold <= 0 {
		c.ResponseTimeThreshold = d.ResponseTimeThreshold
	}
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = d.MaxHistorySize
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = d.RecoveryDelay
	}
	if c.CriticalWindow <= 0 {
		c.CriticalWindow = d.CriticalWindow
	}
	return c
}

// BackendError is an immutable entry in a backend's error history.
type BackendError struct {
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	Error       string    `json:"error"`
	Recoverable bool      `json:"recoverable"`
	Severity    Severity  `json:"severity"`
}

// Performance aggregates latency and reliability.
type Performance struct {
	AverageResponseMs float64 `json:"average_response_ms"`
	LastResponseMs    float64 `json:"last_response_ms"`
	SuccessRate       float64 `json:"success_rate"`
}

// Health is a snapshot of one backend's health record.
type Health struct {
	ID                string         `json:"id"`
	Available         bool           `json:"available"`
	LastCheck         time.Time      `json:"last_check"`
	ErrorCount        int            `json:"error_count"`
	SuccessCount      int            `json:"success_count"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	Performance       Performance    `json:"performance"`
	Errors            []BackendError `json:"errors"`
	Status            Status         `json:"status"`
}

// Operations returns the number of recorded operations.
func (h Health) Operations() int { return h.ErrorCount + h.SuccessCount }

// ErrorRate returns ErrorCount/Operations, or 0 when nothing was recorded.
func (h Health) ErrorRate() float64 {
	n := h.Operations()
	if n == 0 {
		return 0
	}
	return float64(h.ErrorCount) / float64(n)
}

// Listener is notified after every committed change to a health record.
type Listener func(id string, h Health)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

// Statistics summarises all registered backends.
type Statistics struct {
	TotalBackends      int     `json:"total_backends"`
	Healthy            int     `json:"healthy"`
	Degraded           int     `json:"degraded"`
	Unhealthy          int     `json:"unhealthy"`
	Unknown            int     `json:"unknown"`
	TotalOperations    int     `json:"total_operations"`
	TotalErrors        int     `json:"total_errors"`
	AverageSuccessRate float64 `json:"average_success_rate"`
	AverageResponseMs  float64 `json:"average_response_ms"`
}

type record struct {
	backend  storage.Backend
	health   Health
	errors   *ring.Buffer[BackendError]
	ctx      context.Context
	cancel   context.CancelFunc
	recovery *time.Timer
	flight   singleflight.Group // one Test call in flight per backend
	probed   chan struct{}      // closed once the registration probe finished
}

const probeFlight = "probe"

type probeResult struct {
	health Health
	ok     bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClassifier replaces the keyword error classifier.
func WithClassifier(c Classifier) Option {
	return func(m *Monitor) {
		m.classifier = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor owns the health records of registered backends.
type Monitor struct {
	cfg        Config
	logger     *slog.Logger
	classifier Classifier
	now        func() time.Time

	mu           sync.Mutex
	records      map[string]*record
	listeners    map[ListenerID]Listener
	nextListener ListenerID
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor. A nil logger uses slog.Default.
func NewMonitor(cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "health"),
		classifier: DefaultClassifier(),
		now:        time.Now,
		records:    make(map[string]*record),
		listeners:  make(map[ListenerID]Listener),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Register starts tracking a backend: the record starts Unknown, a probe
// runs immediately and then every CheckInterval. Registering an id again
// replaces the previous record and stops its probe loop.
func (m *Monitor) Register(id string, backend storage.Backend) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("register after shutdown ignored", "backend", id)
		return
	}
	if old, ok := m.records[id]; ok {
		m.stopLocked(old)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	rec := &record{
		backend: backend,
		health: Health{
			ID:        id,
			Available: true,
			LastCheck: m.now(),
			Status:    StatusUnknown,
		},
		errors: ring.New[BackendError](m.cfg.MaxHistorySize),
		ctx:    ctx,
		cancel: cancel,
		probed: make(chan struct{}),
	}
	m.records[id] = rec
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("backend registered", "backend", id, "interval", m.cfg.CheckInterval)
	go m.run(id, rec)
}

// Unregister stops probing a backend and discards its record. Unknown ids
// are ignored.
func (m *Monitor) Unregister(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		delete(m.records, id)
		m.stopLocked(rec)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("backend unregistered", "backend", id)
	}
}

// stopLocked cancels the probe loop and recovery timer. Caller holds m.mu.
func (m *Monitor) stopLocked(rec *record) {
	rec.cancel()
	if rec.recovery != nil {
		rec.recovery.Stop()
		rec.recovery = nil
	}
}

// Shutdown stops every probe loop and clears all state. The monitor cannot
// be reused. It must not be called from a Listener.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, rec := range m.records {
		m.stopLocked(rec)
		delete(m.records, id)
	}
	m.listeners = make(map[ListenerID]Listener)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) run(id string, rec *record) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	// Run first check immediately
	m.probe(rec.ctx, id, rec)
	close(rec.probed)

	for {
		select {
		case <-ticker.C:
			m.probe(rec.ctx, id, rec)
		case <-rec.ctx.Done():
			return
		}
	}
}

// probe runs one Test call under ProbeTimeout and records the outcome.
// Callers arriving while a probe of the same backend is in flight wait for
// it and share its result. If ctx ends first the current snapshot is
// returned and the probe still completes.
func (m *Monitor) probe(ctx context.Context, id string, rec *record) (Health, bool) {
	ch := rec.flight.DoChan(probeFlight, func() (any, error) {
		h, ok := m.probeOnce(id, rec)
		return probeResult{h, ok}, nil
	})
	select {
	case r := <-ch:
		pr := r.Val.(probeResult)
		return pr.health, pr.ok
	case <-ctx.Done():
		return m.snapshot(id, rec)
	}
}

func (m *Monitor) snapshot(id string, rec *record) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[id] != rec {
		return Health{}, false
	}
	return m.snapshotLocked(rec), true
}

func (m *Monitor) probeOnce(id string, rec *record) (Health, bool) {
	start := m.now()
	serr := m.test(rec.ctx, rec.backend)
	elapsed := m.now().Sub(start)

	// Don't record results from a cancelled loop: the backend is being
	// unregistered or the monitor is shutting down.
	if rec.ctx.Err() != nil {
		return Health{}, false
	}

	o := outcome{op: OperationHealthCheck, latency: elapsed, hasLatency: true, probe: true}
	if serr != nil {
		o.err = serr.Error()
	}
	return m.apply(id, rec, o)
}

func (m *Monitor) test(ctx context.Context, b storage.Backend) *storage.Error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	ch := make(chan storage.Result[storage.Void], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- storage.Internal[storage.Void](fmt.Sprintf("probe panicked: %v", p))
			}
		}()
		ch <- b.Test(ctx)
	}()

	select {
	case r := <-ch:
		return r.Err()
	case <-ctx.Done():
		return storage.NewError(storage.CodeConnectionFailed,
			fmt.Sprintf("health check timeout after %s", m.cfg.ProbeTimeout), nil)
	}
}

// WaitProbed blocks until the probe run at registration of id has finished
// or ctx ends. It reports false for unknown ids and when ctx ended first.
func (m *Monitor) WaitProbed(ctx context.Context, id string) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-rec.probed:
		return true
	case <-ctx.Done():
		return false
	}
}

// CheckHealth probes a backend out of band. It returns false when the id is
// not registered; probe failures are recorded, never returned. A probe
// already in flight for the backend is joined rather than duplicated.
func (m *Monitor) CheckHealth(ctx context.Context, id string) (Health, bool) {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return Health{}, false
	}
	return m.probe(ctx, id, rec)
}

// RecordSuccess records a successful operation that took responseTime.
func (m *Monitor) RecordSuccess(id string, responseTime time.Duration) {
	m.record(id, outcome{latency: responseTime, hasLatency: true})
}

// RecordError records a failed operation. Pass a negative responseTime when
// the latency is unknown; the average is then left untouched.
func (m *Monitor) RecordError(id, operation, message string, responseTime time.Duration) {
	m.record(id, outcome{
		op:         operation,
		err:        message,
		latency:    responseTime,
		hasLatency: responseTime >= 0,
	})
	if message == "" {
		m.logger.Debug("error recorded without message", "backend", id, "operation", operation)
	}
}

func (m *Monitor) record(id string, o outcome) {
	m.mu.Lock()
	rec, ok := m.records[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if o.op != "" && o.err == "" {
		o.err = "unknown error"
	}
	m.apply(id, rec, o)
}

type outcome struct {
	op         string
	err        string
	latency    time.Duration
	hasLatency bool
	probe      bool
}

func (o outcome) failed() bool { return o.err != "" }

// apply commits one outcome to rec, recomputes status and notifies
// listeners after the lock is released.
func (m *Monitor) apply(id string, rec *record, o outcome) (Health, bool) {
	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return Health{}, false
	}

	now := m.now()
	h := &rec.health
	prev := h.Status
	h.LastCheck = now

	if o.failed() {
		h.ErrorCount++
		h.ConsecutiveErrors++
		c := m.classifier.Classify(o.err)
		op := o.op
		if op == "" {
			op = "unknown"
		}
		rec.errors.Add(BackendError{
			Timestamp:   now,
			Operation:   op,
			Error:       o.err,
			Recoverable: c.Recoverable,
			Severity:    c.Severity,
		})
		if o.probe || h.ConsecutiveErrors >= m.cfg.MaxErrors {
			h.Available = false
		}
	} else {
		h.SuccessCount++
		h.ConsecutiveErrors = 0
		h.Available = true
	}

	n := h.Operations()
	if o.hasLatency {
		ms := float64(o.latency) / float64(time.Millisecond)
		h.Performance.LastResponseMs = ms
		h.Performance.AverageResponseMs = (h.Performance.AverageResponseMs*float64(n-1) + ms) / float64(n)
	}
	h.Performance.SuccessRate = float64(h.SuccessCount) / float64(n)
	h.Status = m.statusLocked(rec, now)

	if h.Status == StatusUnhealthy && m.cfg.EnableAutoRecovery && rec.recovery == nil {
		rec.recovery = time.AfterFunc(m.cfg.RecoveryDelay, func() { m.recover(id, rec) })
	}

	snap := m.snapshotLocked(rec)
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.logTransition(id, prev, snap)
	m.notify(listeners, id, snap)
	return snap, true
}

// statusLocked derives the status of rec. Caller holds m.mu.
func (m *Monitor) statusLocked(rec *record, now time.Time) Status {
	h := &rec.health
	if !h.Available {
		return StatusUnhealthy
	}
	for _, e := range rec.errors.Values() {
		if e.Severity == SeverityCritical && now.Sub(e.Timestamp) <= m.cfg.CriticalWindow {
			return StatusUnhealthy
		}
	}
	if h.Operations() == 0 {
		return StatusUnknown
	}
	rate := h.ErrorRate()
	if rate >= m.cfg.UnhealthyThreshold {
		return StatusUnhealthy
	}
	threshold := float64(m.cfg.ResponseTimeThreshold) / float64(time.Millisecond)
	if rate >= m.cfg.DegradedThreshold || h.Performance.AverageResponseMs > threshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// recover runs a recovery probe. On success the statistics window is reset
// so a backend that has come back can leave Unhealthy. When a regular probe
// is already in flight the recovery joins it instead; that probe's outcome
// schedules the next recovery if the backend is still Unhealthy.
func (m *Monitor) recover(id string, rec *record) {
	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return
	}
	rec.recovery = nil
	m.mu.Unlock()

	ran := false
	rec.flight.Do(probeFlight, func() (any, error) {
		ran = true
		h, ok := m.recoverOnce(id, rec)
		return probeResult{h, ok}, nil
	})
	if !ran {
		m.logger.Debug("recovery joined an in-flight probe", "backend", id)
	}
}

func (m *Monitor) recoverOnce(id string, rec *record) (Health, bool) {
	m.logger.Info("attempting backend recovery", "backend", id)

	start := m.now()
	serr := m.test(rec.ctx, rec.backend)
	elapsed := m.now().Sub(start)
	if rec.ctx.Err() != nil {
		return Health{}, false
	}

	if serr != nil {
		m.logger.Warn("backend recovery failed", "backend", id, "error", serr.Error())
		return m.apply(id, rec, outcome{op: OperationHealthCheck, err: serr.Error(), latency: elapsed, hasLatency: true, probe: true})
	}

	m.mu.Lock()
	if m.records[id] != rec {
		m.mu.Unlock()
		return Health{}, false
	}
	rec.health.ErrorCount = 0
	rec.health.SuccessCount = 0
	rec.health.ConsecutiveErrors = 0
	rec.health.Performance = Performance{}
	rec.errors.Reset()
	m.mu.Unlock()

	m.logger.Info("backend recovered, statistics reset", "backend", id)
	return m.apply(id, rec, outcome{latency: elapsed, hasLatency: true, probe: true})
}

func (m *Monitor) logTransition(id string, prev Status, h Health) {
	if prev == h.Status {
		return
	}
	switch h.Status {
	case StatusUnhealthy:
		m.logger.Error("backend is unhealthy",
			"backend", id,
			"error_rate", h.ErrorRate(),
			"consecutive_errors", h.ConsecutiveErrors,
			"available", h.Available,
		)
	case StatusDegraded:
		m.logger.Warn("backend is degraded",
			"backend", id,
			"error_rate", h.ErrorRate(),
			"avg_response_ms", h.Performance.AverageResponseMs,
		)
	default:
		m.logger.Info("backend status changed", "backend", id, "from", prev, "to", h.Status)
	}
}

// snapshotLocked copies rec's health. Caller holds m.mu.
func (m *Monitor) snapshotLocked(rec *record) Health {
	h := rec.health
	h.Errors = rec.errors.Values()
	return h
}

// Health returns a snapshot of one backend's record.
func (m *Monitor) Health(id string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Health{}, false
	}
	return m.snapshotLocked(rec), true
}

// All returns snapshots of every record, sorted by id.
func (m *Monitor) All() []Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Health, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, m.snapshotLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Best returns the highest scoring backend that is not Unhealthy.
func (m *Monitor) Best() (string, bool) {
	return BestOf(m.All())
}

// Healthy returns the ids of Healthy backends, best first.
func (m *Monitor) Healthy() []string {
	var ids []string
	for _, h := range Rank(m.All()) {
		if h.Status == StatusHealthy {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

// Backend returns the registered backend for id.
func (m *Monitor) Backend(id string) (storage.Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return rec.backend, true
}

// Statistics summarises every registered backend.
func (m *Monitor) Statistics() Statistics {
	all := m.All()
	s := Statistics{TotalBackends: len(all)}
	var rateSum, latencySum float64
	for _, h := range all {
		switch h.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		case StatusUnhealthy:
			s.Unhealthy++
		default:
			s.Unknown++
		}
		s.TotalOperations += h.Operations()
		s.TotalErrors += h.ErrorCount
		rateSum += h.Performance.SuccessRate
		latencySum += h.Performance.AverageResponseMs
	}
	if len(all) > 0 {
		s.AverageSuccessRate = rateSum / float64(len(all))
		s.AverageResponseMs = latencySum / float64(len(all))
	}
	return s
}

// AddListener registers fn for change notifications.
func (m *Monitor) AddListener(fn Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListener++
	m.listeners[m.nextListener] = fn
	return m.nextListener
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (m *Monitor) RemoveListener(id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

func (m *Monitor) listenersLocked() []Listener {
	ids := make([]ListenerID, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}

func (m *Monitor) notify(listeners []Listener, id string, h Health) {
	for _, fn := range listeners {
		m.safeCall(fn, id, h)
	}
}

func (m *Monitor) safeCall(fn Listener, id string, h Health) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("health listener panicked", "backend", id, "panic", p)
		}
	}()
	fn(id, h)
}
