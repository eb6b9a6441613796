// Package migrate moves secrets between storage backends.
//
// A Plan describes one source to target job. Execute runs it key by key
// under the plan's strategy, records per-key failures into the run's
// Progress, and never returns an error: every failure is reflected in the
// final status. Runs are kept for inspection until Cleanup evicts them.
package migrate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/storage"
)

// Strategy selects how keys are moved.
type Strategy string

const (
	// CopyThenValidate copies every key, then validates the copied keys in a
	// second pass.
	CopyThenValidate Strategy = "copy_then_validate"
	// ValidateWhileCopy re-reads each key from the target right after
	// writing it.
	ValidateWhileCopy Strategy = "validate_while_copy"
	// Selective runs like CopyThenValidate over the keys accepted by the
	// plan's KeyFilter.
	Selective Strategy = "selective"
	// Merge copies only keys the target does not already have.
	Merge Strategy = "merge"
)

// ParseStrategy accepts the names used in config files and on the command
// line.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case CopyThenValidate, ValidateWhileCopy, Selective, Merge:
		return Strategy(s), nil
	case "":
		return CopyThenValidate, nil
	}
	return "", fmt.Errorf("unknown migration strategy %q", s)
}

// Validation is how thoroughly migrated keys are checked.
type Validation string

const (
	ValidationNone          Validation = "none"
	ValidationBasic         Validation = "basic"          // key exists in target
	ValidationDataIntegrity Validation = "data_integrity" // bytes match
	ValidationFull          Validation = "full"           // bytes and recorded size match
)

// ParseValidation accepts the names used in config files and on the command
// line.
func ParseValidation(s string) (Validation, error) {
	switch Validation(s) {
	case ValidationNone, ValidationBasic, ValidationDataIntegrity, ValidationFull:
		return Validation(s), nil
	case "":
		return ValidationDataIntegrity, nil
	}
	return "", fmt.Errorf("unknown validation level %q", s)
}

// Status is the state of a migration run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether no further progress will be made.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// Operation names the step of a per-key failure.
type Operation string

const (
	OpRead     Operation = "read"
	OpWrite    Operation = "write"
	OpValidate Operation = "validate"
	OpDelete   Operation = "delete"
)

// Endpoint is a backend and the id it is known by. Backends are referenced,
// never owned, by the migrator.
type Endpoint struct {
	ID      string
	Backend storage.Backend
}

// Plan is an immutable description of a migration.
type Plan struct {
	ID              string
	Source          Endpoint
	Target          Endpoint
	Strategy        Strategy
	Validation      Validation
	RollbackEnabled bool
	BatchSize       int
	PreserveSource  bool
	KeyFilter       func(key string) bool
	CreatedAt       time.Time
}

// PlanOptions overrides plan defaults. Nil pointers keep the default.
type PlanOptions struct {
	Strategy        Strategy
	Validation      Validation
	BatchSize       int
	PreserveSource  *bool
	RollbackEnabled *bool
	KeyFilter       func(key string) bool
}

// MigrationError records one per-key failure.
type MigrationError struct {
	Key         string       `json:"key"`
	Operation   Operation    `json:"operation"`
	Error       string       `json:"error"`
	Code        storage.Code `json:"code,omitempty"`
	Recoverable bool         `json:"recoverable"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Progress is the run state of a plan.
type Progress struct {
	PlanID           string           `json:"plan_id"`
	Source           string           `json:"source"`
	Target           string           `json:"target"`
	Strategy         Strategy         `json:"strategy"`
	Status           Status           `json:"status"`
	TotalItems       int              `json:"total_items"`
	MigratedItems    int              `json:"migrated_items"`
	FailedItems      int              `json:"failed_items"`
	SkippedItems     int              `json:"skipped_items"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          *time.Time       `json:"end_time,omitempty"`
	Errors           []MigrationError `json:"errors"`
	LastProcessedKey string           `json:"last_processed_key,omitempty"`
	Cancelled        bool             `json:"cancelled,omitempty"`
	Error            string           `json:"error,omitempty"` // orchestration failure, if any
}

// Duration returns the elapsed run time, up to now for unfinished runs.
func (p Progress) Duration() time.Duration {
	if p.EndTime != nil {
		return p.EndTime.Sub(p.StartTime)
	}
	return time.Since(p.StartTime)
}

func (p Progress) clone() Progress {
	p.Errors = append([]MigrationError(nil), p.Errors...)
	if p.EndTime != nil {
		t := *p.EndTime
		p.EndTime = &t
	}
	return p
}

// Config holds migrator settings. MaxRetries of zero disables retries; use
// DefaultConfig for the stock values.
type Config struct {
	MaxRetries         int
	RetryDelay         time.Duration // doubled after every retry
	ValidateData       bool          // false forces ValidationNone
	PreserveTimestamps bool
	EnableRollback     bool
	RateLimit          float64       // key operations per second, 0 for unlimited
	RetentionPeriod    time.Duration // how long terminal runs are kept

	ProgressCallback func(Progress)       // after every processed key
	ErrorCallback    func(MigrationError) // after every per-key failure
	DoneCallback     func(Progress)       // once per run, on its terminal state

	Audit audit.Sink
	Actor string
}

// DefaultConfig returns the stock migrator settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		ValidateData:       true,
		PreserveTimestamps: true,
		EnableRollback:     true,
		RetentionPeriod:    time.Hour,
	}
}

type run struct {
	progress  Progress
	cancelled bool
}

// Migrator executes plans and owns their progress records.
type Migrator struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// New creates a migrator. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = time.Hour
	}
	m := &Migrator{
		cfg:    cfg,
		logger: logger.With("component", "migrate"),
		now:    time.Now,
		runs:   make(map[string]*run),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return m
}

// Config returns the effective configuration.
func (m *Migrator) Config() Config { return m.cfg }

// CreatePlan builds a plan with a fresh id. Defaults: CopyThenValidate,
// DataIntegrity validation, batches of 10, source preserved, rollback per
// the migrator config.
func (m *Migrator) CreatePlan(source, target Endpoint, opts PlanOptions) Plan {
	p := Plan{
		ID:              uuid.NewString(),
		Source:          source,
		Target:          target,
		Strategy:        opts.Strategy,
		Validation:      opts.Validation,
		RollbackEnabled: m.cfg.EnableRollback,
		BatchSize:       opts.BatchSize,
		PreserveSource:  true,
		KeyFilter:       opts.KeyFilter,
		CreatedAt:       m.now(),
	}
	if p.Strategy == "" {
		p.Strategy = CopyThenValidate
	}
	if p.Validation == "" {
		p.Validation = ValidationDataIntegrity
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if opts.PreserveSource != nil {
		p.PreserveSource = *opts.PreserveSource
	}
	if opts.RollbackEnabled != nil {
		p.RollbackEnabled = *opts.RollbackEnabled
	}
	return p
}

// Cancel asks a running migration to stop before its next key. The snapshot
// reports Cancelled at once; the status stays running until the key in
// progress is done and then becomes failed. It returns false when the plan
// is unknown or already finished.
func (m *Migrator) Cancel(planID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[planID]
	if !ok || r.progress.Status.Terminal() {
		return false
	}
	r.cancelled = true
	r.progress.Cancelled = true
	m.logger.Info("migration cancel requested", "plan", planID)
	return true
}

// Progress returns a snapshot of a run.
func (m *Migrator) Progress(planID string) (Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[planID]
	if !ok {
		return Progress{}, false
	}
	return r.progress.clone(), true
}

// Active returns snapshots of runs that have not finished.
func (m *Migrator) Active() []Progress {
	return m.filter(func(p *Progress) bool { return !p.Status.Terminal() })
}

// All returns snapshots of every retained run, oldest first.
func (m *Migrator) All() []Progress {
	return m.filter(func(*Progress) bool { return true })
}

func (m *Migrator) filter(keep func(*Progress) bool) []Progress {
	m.mu.Lock()
	var out []Progress
	for _, r := range m.runs {
		if keep(&r.progress) {
			out = append(out, r.progress.clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out
}

// Cleanup evicts terminal runs that ended more than RetentionPeriod ago and
// returns how many were removed.
func (m *Migrator) Cleanup() int {
	cutoff := m.now().Add(-m.cfg.RetentionPeriod)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		p := &r.progress
		if p.Status.Terminal() && p.EndTime != nil && p.EndTime.Before(cutoff) {
			delete(m.runs, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("evicted finished migrations", "count", n)
	}
	return n
}

func newError(now time.Time, key string, op Operation, serr *storage.Error) MigrationError {
	if serr == nil {
		serr = storage.NewError(storage.CodeInternal, "unknown error", nil)
	}
	return MigrationError{
		Key:         key,
		Operation:   op,
		Error:       serr.Message,
		Code:        serr.Code,
		Recoverable: op != OpValidate,
		Timestamp:   now,
	}
}

func (m *Migrator) audit(e audit.Entry) {
	if m.cfg.Audit == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = m.cfg.Actor
	}
	if err := m.cfg.Audit.Log(e); err != nil {
		m.logger.Warn("audit log write failed", "action", e.Action, "error", err)
	}
}

func (m *Migrator) progressed(p Progress) {
	if m.cfg.ProgressCallback == nil {
		return
	}
	m.call(func() { m.cfg.ProgressCallback(p) })
}

func (m *Migrator) failed(e MigrationError) {
	if m.cfg.ErrorCallback == nil {
		return
	}
	m.call(func() { m.cfg.ErrorCallback(e) })
}

// call invokes a user callback, containing any panic.
func (m *Migrator) call(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("migration callback panicked", "panic", p)
		}
	}()
	fn()
}
