package selector

import (
	"context"
	"fmt"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/health"
	"github.com/benaskins/seedvault/internal/migrate"
	"github.com/benaskins/seedvault/internal/storage"
)

// Reselect re-evaluates the active backend. It switches when nothing is
// active, when the active backend is Unhealthy (failover), or when the best
// backend outscores it by SwitchMargin. With AutoMigrate, data is moved
// first: a Merge plan on failover so the new backend's values are never
// overwritten, CopyThenValidate otherwise. A planned switch is abandoned
// when its migration does not complete; a failover switch is not.
func (s *Selector) Reselect(ctx context.Context) (Decision, error) {
	s.reselectMu.Lock()
	defer s.reselectMu.Unlock()

	cfg := s.config()
	snap := s.snapshot()
	ranked := s.rank(snap)
	current := s.Active()

	if len(ranked) == 0 {
		s.logger.Error("no healthy storage backend", "active", current)
		return Decision{From: current, To: current}, ErrNoBackendAvailable(snap)
	}
	best := ranked[0]

	if current == "" {
		d := Decision{To: best.ID, Switched: true, Reason: "initial selection"}
		s.switchTo(d, cfg)
		return d, nil
	}
	if best.ID == current {
		return Decision{From: current, To: current, Reason: "active backend is best"}, nil
	}

	var cur health.Health
	found := false
	for _, h := range snap {
		if h.ID == current {
			cur, found = h, true
			break
		}
	}
	failover := !found || cur.Status == health.StatusUnhealthy

	d := Decision{From: current, To: best.ID}
	if failover {
		d.Reason = "failover"
	} else {
		margin := health.Score(best) - health.Score(cur)
		if margin < cfg.SwitchMargin {
			d.To = current
			d.Reason = fmt.Sprintf("score margin %.2f below %.2f", margin, cfg.SwitchMargin)
			return d, nil
		}
		d.Reason = "better backend available"
	}

	if cfg.AutoMigrate && found && s.migrator != nil {
		p := s.migrateBetween(ctx, current, best.ID, failover)
		d.Migration = &p
		if p.Status != migrate.StatusCompleted && !failover {
			s.logger.Warn("switch abandoned, migration did not complete",
				"from", current, "to", best.ID, "status", p.Status)
			d.To = current
			d.Reason = "migration " + string(p.Status)
			return d, nil
		}
	}

	d.Switched = true
	s.switchTo(d, cfg)
	return d, nil
}

func (s *Selector) migrateBetween(ctx context.Context, from, to string, failover bool) migrate.Progress {
	src, _ := s.Backend(from)
	dst, _ := s.Backend(to)

	strategy := migrate.CopyThenValidate
	if failover {
		strategy = migrate.Merge
	}
	plan := s.migrator.CreatePlan(
		migrate.Endpoint{ID: from, Backend: src},
		migrate.Endpoint{ID: to, Backend: dst},
		migrate.PlanOptions{Strategy: strategy},
	)
	return s.migrator.Execute(ctx, plan)
}

func (s *Selector) switchTo(d Decision, cfg Config) {
	s.mu.Lock()
	s.active = d.To
	s.mu.Unlock()

	s.logger.Info("active backend changed", "from", d.From, "to", d.To, "reason", d.Reason)
	if cfg.Audit != nil {
		if err := cfg.Audit.Log(audit.Entry{
			Action: audit.ActionBackendSwitched,
			Source: d.From,
			Target: d.To,
			Actor:  "selector",
		}); err != nil {
			s.logger.Warn("audit log write failed", "error", err)
		}
	}
	if cfg.SwitchCallback != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("switch callback panicked", "panic", p)
				}
			}()
			cfg.SwitchCallback(d)
		}()
	}
}

// PlanMigration builds a migration plan between two candidates without
// running it.
func (s *Selector) PlanMigration(from, to string, opts migrate.PlanOptions) (migrate.Plan, error) {
	if s.migrator == nil {
		return migrate.Plan{}, fmt.Errorf("migrations are disabled")
	}
	if from == to {
		return migrate.Plan{}, fmt.Errorf("source and target are both %q", from)
	}
	src, ok := s.Backend(from)
	if !ok {
		return migrate.Plan{}, fmt.Errorf("unknown backend %q", from)
	}
	dst, ok := s.Backend(to)
	if !ok {
		return migrate.Plan{}, fmt.Errorf("unknown backend %q", to)
	}
	return s.migrator.CreatePlan(migrate.Endpoint{ID: from, Backend: src}, migrate.Endpoint{ID: to, Backend: dst}, opts), nil
}

// Migrate runs a migration between two candidates and waits for it.
func (s *Selector) Migrate(ctx context.Context, from, to string, opts migrate.PlanOptions) (migrate.Progress, error) {
	plan, err := s.PlanMigration(from, to, opts)
	if err != nil {
		return migrate.Progress{}, err
	}
	return s.migrator.Execute(ctx, plan), nil
}

// Migrator returns the migrator used for failover and manual migrations.
func (s *Selector) Migrator() *migrate.Migrator { return s.migrator }

// Monitor returns the health monitor tracking the candidates.
func (s *Selector) Monitor() *health.Monitor { return s.monitor }

// current resolves the active backend, attempting a selection when none is
// active yet.
func (s *Selector) current(ctx context.Context) (string, storage.Backend, *storage.Error) {
	id := s.Active()
	if id == "" {
		if _, err := s.Reselect(ctx); err != nil {
			return "", nil, storage.FromError(err)
		}
		id = s.Active()
	}
	b, ok := s.Backend(id)
	if !ok {
		return "", nil, ErrNoBackendAvailable(s.snapshot())
	}
	return id, b, nil
}
