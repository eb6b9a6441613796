package migrate

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/storage"
)

// write is one entry of a run's write-set: the target's state for key
// before this run touched it.
type write struct {
	key     string
	existed bool
	prior   []byte
}

type execution struct {
	m      *Migrator
	plan   Plan
	run    *run
	level  Validation
	writes []write
	copied []string
	cause  string // why the run stopped early, guarded by m.mu
}

// Execute runs plan to completion and returns the final progress. It never
// panics and never returns an error; failures are captured in the progress.
// A plan that is already running is not started twice: the running
// snapshot is returned instead.
func (m *Migrator) Execute(ctx context.Context, plan Plan) Progress {
	level := plan.Validation
	if !m.cfg.ValidateData {
		level = ValidationNone
	}

	r := &run{progress: Progress{
		PlanID:    plan.ID,
		Source:    plan.Source.ID,
		Target:    plan.Target.ID,
		Strategy:  plan.Strategy,
		Status:    StatusRunning,
		StartTime: m.now(),
	}}

	m.mu.Lock()
	if prev, ok := m.runs[plan.ID]; ok && !prev.progress.Status.Terminal() {
		snap := prev.progress.clone()
		m.mu.Unlock()
		m.logger.Warn("migration already running", "plan", plan.ID)
		return snap
	}
	m.runs[plan.ID] = r
	m.mu.Unlock()

	e := &execution{m: m, plan: plan, run: r, level: level}
	logger := m.logger.With("plan", plan.ID, "source", plan.Source.ID, "target", plan.Target.ID)
	logger.Info("migration started", "strategy", plan.Strategy, "validation", level)
	m.audit(audit.Entry{
		Action: audit.ActionMigrationStarted,
		Plan:   plan.ID,
		Source: plan.Source.ID,
		Target: plan.Target.ID,
	})

	if err := e.safeRun(ctx); err != nil {
		return e.abort(ctx, err)
	}
	return e.complete(ctx)
}

func (e *execution) safeRun(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("migration panicked: %v", p)
		}
	}()
	return e.execute(ctx)
}

func (e *execution) execute(ctx context.Context) error {
	if e.stopped(ctx) {
		return nil
	}
	keys, err := e.sourceKeys(ctx)
	if err != nil {
		return err
	}
	e.update(func(p *Progress) { p.TotalItems = len(keys) })

	for start := 0; start < len(keys); start += e.plan.BatchSize {
		end := min(start+e.plan.BatchSize, len(keys))
		for _, key := range keys[start:end] {
			if e.stopped(ctx) {
				return nil
			}
			if e.m.limiter != nil {
				if err := e.m.limiter.Wait(ctx); err != nil {
					// Wait fails early when the next token lies past the deadline.
					e.halt("rate limit wait: " + err.Error())
					return nil
				}
			}
			e.copyKey(ctx, key)
		}
		e.m.logger.Debug("batch processed", "plan", e.plan.ID, "through", end, "of", len(keys))
	}

	if e.plan.Strategy == ValidateWhileCopy || e.level == ValidationNone {
		return nil
	}
	for _, key := range e.copied {
		if e.stopped(ctx) {
			return nil
		}
		e.validateCopied(ctx, key)
	}
	return nil
}

func (e *execution) sourceKeys(ctx context.Context) ([]string, error) {
	r := withRetry(ctx, e.m, OpRead, "", e.plan.Source.Backend.List)
	keys, err := r.Get()
	if err != nil {
		return nil, fmt.Errorf("listing source keys: %w", err)
	}

	out := make([]string, 0, len(keys))
	for _, k := range storage.Visible(keys) {
		if e.plan.KeyFilter != nil && !e.plan.KeyFilter(k) {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// stopped reports whether the run was cancelled or its context is done,
// and marks the progress accordingly.
func (e *execution) stopped(ctx context.Context) bool {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	switch {
	case e.run.cancelled:
		e.stopLocked("cancelled")
	case ctx.Err() != nil:
		e.stopLocked(ctx.Err().Error())
	default:
		return false
	}
	return true
}

// halt stops the run before its remaining keys are copied.
func (e *execution) halt(cause string) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.stopLocked(cause)
}

func (e *execution) stopLocked(cause string) {
	e.run.progress.Cancelled = true
	if e.cause == "" {
		e.cause = cause
	}
}

func (e *execution) copyKey(ctx context.Context, key string) {
	src, dst := e.plan.Source.Backend, e.plan.Target.Backend

	if e.plan.Strategy == Merge {
		exists := withRetry(ctx, e.m, OpRead, key, func(ctx context.Context) storage.Result[bool] {
			return dst.Exists(ctx, key)
		})
		if !exists.IsOk() {
			e.fail(key, OpRead, exists.Err(), false)
			return
		}
		if exists.ValueOr(false) {
			e.skip(key)
			return
		}
	}

	read := withRetry(ctx, e.m, OpRead, key, func(ctx context.Context) storage.Result[[]byte] {
		return src.Retrieve(ctx, key, nil)
	})
	data, err := read.Get()
	if err != nil {
		e.fail(key, OpRead, read.Err(), false)
		return
	}

	opts := &storage.Options{}
	if e.m.cfg.PreserveTimestamps {
		if meta, err := src.Metadata(ctx, key).Get(); err == nil {
			opts.CreatedAt = meta.Created
		}
	}

	if e.plan.RollbackEnabled {
		if serr := e.snapshot(ctx, key); serr != nil {
			e.fail(key, OpWrite, serr, false)
			return
		}
	}

	stored := withRetry(ctx, e.m, OpWrite, key, func(ctx context.Context) storage.Result[storage.Void] {
		return dst.Store(ctx, key, data, opts)
	})
	if !stored.IsOk() {
		e.fail(key, OpWrite, stored.Err(), false)
		return
	}

	if e.plan.Strategy == ValidateWhileCopy && e.level != ValidationNone {
		if verr := e.check(ctx, key, data); verr != nil {
			e.fail(key, OpValidate, verr, false)
			return
		}
	}

	e.copied = append(e.copied, key)
	e.succeed(key)
}

// snapshot records the target's current value for key in the write-set.
func (e *execution) snapshot(ctx context.Context, key string) *storage.Error {
	r := withRetry(ctx, e.m, OpRead, key, func(ctx context.Context) storage.Result[[]byte] {
		return e.plan.Target.Backend.Retrieve(ctx, key, nil)
	})
	switch {
	case r.IsOk():
		prior, _ := r.Get()
		e.writes = append(e.writes, write{key: key, existed: true, prior: prior})
	case r.Err().Code == storage.CodeNotFound:
		e.writes = append(e.writes, write{key: key})
	default:
		return storage.NewError(r.Err().Code, "reading prior target value: "+r.Err().Message, nil)
	}
	return nil
}

// validateCopied runs the second-phase check of a copied key. A failure
// moves the key from migrated to failed.
func (e *execution) validateCopied(ctx context.Context, key string) {
	read := withRetry(ctx, e.m, OpRead, key, func(ctx context.Context) storage.Result[[]byte] {
		return e.plan.Source.Backend.Retrieve(ctx, key, nil)
	})
	want, err := read.Get()
	if err != nil {
		e.fail(key, OpValidate, read.Err(), true)
		return
	}
	if verr := e.check(ctx, key, want); verr != nil {
		e.fail(key, OpValidate, verr, true)
	}
}

// check compares the target's copy of key against want at the run's
// validation level.
func (e *execution) check(ctx context.Context, key string, want []byte) *storage.Error {
	return checkKey(ctx, e.plan.Target.Backend, key, want, e.level)
}

func checkKey(ctx context.Context, target storage.Backend, key string, want []byte, level Validation) *storage.Error {
	switch level {
	case ValidationNone:
		return nil
	case ValidationBasic:
		ok, err := target.Exists(ctx, key).Get()
		if err != nil {
			return storage.FromError(err)
		}
		if !ok {
			return storage.NewError(storage.CodeNotFound, "key missing in target", map[string]any{"key": key})
		}
		return nil
	}

	got, err := target.Retrieve(ctx, key, nil).Get()
	if err != nil {
		return storage.FromError(err)
	}
	if !bytes.Equal(got, want) {
		return storage.NewError(storage.CodeValidation, "data mismatch between source and target", map[string]any{"key": key})
	}

	if level == ValidationFull {
		meta := target.Metadata(ctx, key)
		if meta.IsOk() {
			m, _ := meta.Get()
			if m.Size != int64(len(want)) {
				return storage.NewError(storage.CodeValidation, "size mismatch in target metadata", map[string]any{
					"key":      key,
					"expected": len(want),
					"actual":   m.Size,
				})
			}
		} else if meta.Err().Code != storage.CodeUnsupportedOperation {
			return meta.Err()
		}
	}
	return nil
}

// complete finalises a run whose loop finished or was cancelled.
func (e *execution) complete(ctx context.Context) Progress {
	var status Status
	e.m.mu.Lock()
	p := &e.run.progress
	if p.FailedItems > 0 || p.Cancelled {
		status = StatusFailed
	} else {
		status = StatusCompleted
	}
	cause := e.cause
	e.m.mu.Unlock()

	if status == StatusCompleted && !e.plan.PreserveSource {
		e.removeSource(ctx)
	}
	return e.finish(status, cause)
}

// removeSource deletes migrated keys from the source. Failures are recorded
// but do not change the run's status.
func (e *execution) removeSource(ctx context.Context) {
	for _, key := range e.copied {
		r := withRetry(ctx, e.m, OpDelete, key, func(ctx context.Context) storage.Result[storage.Void] {
			return e.plan.Source.Backend.Remove(ctx, key)
		})
		if !r.IsOk() {
			e.record(key, OpDelete, r.Err())
		}
	}
}

// abort handles an orchestration failure: the write-set is rolled back
// when the plan allows it.
func (e *execution) abort(ctx context.Context, cause error) Progress {
	e.m.logger.Error("migration aborted", "plan", e.plan.ID, "error", cause)
	if !e.plan.RollbackEnabled {
		return e.finish(StatusFailed, cause.Error())
	}
	e.rollback(context.WithoutCancel(ctx))
	return e.finish(StatusRolledBack, cause.Error())
}

// rollback restores every key this run wrote, newest first: prior values
// are written back and keys the run created are removed. It is best-effort.
func (e *execution) rollback(ctx context.Context) {
	dst := e.plan.Target.Backend
	restored, failed := 0, 0
	for i := len(e.writes) - 1; i >= 0; i-- {
		w := e.writes[i]
		var r storage.Result[storage.Void]
		if w.existed {
			r = dst.Store(ctx, w.key, w.prior, nil)
		} else {
			r = dst.Remove(ctx, w.key)
		}
		if !r.IsOk() {
			failed++
			e.m.logger.Warn("rollback step failed", "plan", e.plan.ID, "key", w.key, "error", r.Err().Message)
			continue
		}
		restored++
	}
	e.m.logger.Info("migration rolled back", "plan", e.plan.ID, "restored", restored, "failed", failed)
}

func (e *execution) finish(status Status, cause string) Progress {
	end := e.m.now()
	snap := e.update(func(p *Progress) {
		p.Status = status
		p.EndTime = &end
		p.Error = cause
	})

	logger := e.m.logger.With("plan", e.plan.ID)
	entry := audit.Entry{
		Plan:   e.plan.ID,
		Source: e.plan.Source.ID,
		Target: e.plan.Target.ID,
		Items:  snap.MigratedItems,
		Error:  cause,
	}
	switch status {
	case StatusCompleted:
		entry.Action = audit.ActionMigrationCompleted
		logger.Info("migration completed", "migrated", snap.MigratedItems, "skipped", snap.SkippedItems, "duration", snap.Duration())
	case StatusRolledBack:
		entry.Action = audit.ActionMigrationRolledBack
	default:
		entry.Action = audit.ActionMigrationFailed
		if entry.Error == "" && snap.Cancelled {
			entry.Error = "cancelled"
		} else if entry.Error == "" {
			entry.Error = fmt.Sprintf("%d keys failed", snap.FailedItems)
		}
		logger.Warn("migration failed",
			"migrated", snap.MigratedItems,
			"failed", snap.FailedItems,
			"cancelled", snap.Cancelled,
		)
	}
	e.m.audit(entry)
	e.m.call(func() {
		if e.m.cfg.DoneCallback != nil {
			e.m.cfg.DoneCallback(snap)
		}
	})
	return snap
}

func (e *execution) succeed(key string) {
	snap := e.update(func(p *Progress) {
		p.MigratedItems++
		p.LastProcessedKey = key
	})
	e.m.progressed(snap)
}

func (e *execution) skip(key string) {
	snap := e.update(func(p *Progress) {
		p.SkippedItems++
		p.LastProcessedKey = key
	})
	e.m.progressed(snap)
}

// fail records a per-key failure. validation marks a second-phase failure
// of a key already counted as migrated.
func (e *execution) fail(key string, op Operation, serr *storage.Error, validation bool) {
	me := newError(e.m.now(), key, op, serr)
	snap := e.update(func(p *Progress) {
		p.FailedItems++
		if validation {
			p.MigratedItems--
		}
		p.LastProcessedKey = key
		p.Errors = append(p.Errors, me)
	})
	e.m.logger.Warn("migration key failed", "plan", e.plan.ID, "key", key, "operation", op, "error", me.Error)
	e.m.failed(me)
	e.m.progressed(snap)
}

// record adds an error without touching item counters.
func (e *execution) record(key string, op Operation, serr *storage.Error) {
	me := newError(e.m.now(), key, op, serr)
	e.update(func(p *Progress) { p.Errors = append(p.Errors, me) })
	e.m.logger.Warn("migration cleanup failed", "plan", e.plan.ID, "key", key, "operation", op, "error", me.Error)
	e.m.failed(me)
}

// update mutates the run under the lock and returns a snapshot.
func (e *execution) update(fn func(*Progress)) Progress {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	fn(&e.run.progress)
	return e.run.progress.clone()
}
