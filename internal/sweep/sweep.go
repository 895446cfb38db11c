// Package sweep runs reconciliation on a cron schedule so a ledger keeps
// making progress after every worker has exited, and raises alerts for
// tasks that will never be retried.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/simfleet/internal/audit"
	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/notify"
	"github.com/basket/simfleet/internal/persistence"
)

// Actor is recorded on registry entries the sweeper writes.
const Actor = "sweeper"

// cronParser accepts 5-field expressions and descriptors such as "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Ledger is the part of the store the sweeper needs.
type Ledger interface {
	ReconcileWithReport(ctx context.Context, opts persistence.ReconcileOptions) (persistence.ReconcileReport, error)
	DeadTasks(ctx context.Context, maxFailures int) ([]persistence.FailureCount, error)
}

type Config struct {
	Store    Ledger
	Schedule string // cron expression; defaults to "@every 1m"
	Settings engine.Settings
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Pass is the outcome of one sweep.
type Pass struct {
	At        time.Time                   `json:"at"`
	Reconcile persistence.ReconcileReport `json:"reconcile"`
	Dead      int                         `json:"dead"`
	Alerted   []int64                     `json:"alerted"`
}

type Sweeper struct {
	store    Ledger
	schedule cronlib.Schedule
	expr     string
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	settings engine.Settings
	alerted  map[int64]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sweep: store is required")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "@every 1m"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("sweep: parse schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.NewLog(logger)
	}
	return &Sweeper{
		store:    cfg.Store,
		schedule: sched,
		expr:     expr,
		notifier: n,
		logger:   logger.With("component", "sweep"),
		settings: cfg.Settings,
		alerted:  make(map[int64]bool),
	}, nil
}

// Apply swaps the reconciliation settings used by later sweeps.
func (s *Sweeper) Apply(settings engine.Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// Start sweeps once immediately and then on every scheduled time until ctx
// is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "schedule", s.expr)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Sweep runs one reconciliation pass and alerts on tasks that became dead
// since the previous pass. A task is alerted once until it leaves the dead set.
func (s *Sweeper) Sweep(ctx context.Context) (Pass, error) {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	pass := Pass{At: time.Now().UTC()}
	report, err := s.store.ReconcileWithReport(ctx, persistence.ReconcileOptions{
		MaxFailures:      settings.MaxFailures,
		LeaseTimeout:     leaseTimeout(settings),
		MaxCrashReclaims: settings.MaxCrashReclaims,
		Actor:            Actor,
	})
	if err != nil {
		return pass, fmt.Errorf("sweep reconcile: %w", err)
	}
	pass.Reconcile = report
	if changed := len(report.Retried) + len(report.Reclaimed) + len(report.CrashLooped); changed > 0 {
		audit.Record("allow", "sweep.reconcile", "ledger_changed", Actor,
			fmt.Sprintf("retried=%d reclaimed=%d crash_looped=%d",
				len(report.Retried), len(report.Reclaimed), len(report.CrashLooped)))
	}

	dead, err := s.store.DeadTasks(ctx, settings.MaxFailures)
	if err != nil {
		return pass, fmt.Errorf("sweep dead tasks: %w", err)
	}
	pass.Dead = len(dead)

	current := make(map[int64]bool, len(dead))
	var fresh []persistence.FailureCount
	s.mu.Lock()
	for _, fc := range dead {
		current[fc.TaskID] = true
		if !s.alerted[fc.TaskID] {
			fresh = append(fresh, fc)
		}
	}
	// Forget tasks that were reset so a second death alerts again.
	for id := range s.alerted {
		if !current[id] {
			delete(s.alerted, id)
		}
	}
	s.mu.Unlock()

	for _, fc := range fresh {
		alert := notify.Alert{
			Kind:     notify.KindDeadTask,
			TaskID:   fc.TaskID,
			Failures: fc.Failures,
			Category: string(fc.LastCategory),
			At:       fc.LastFailedAt,
		}
		if fc.LastCategory == persistence.CategoryCrashLoop {
			alert.Kind = notify.KindCrashLoop
		}
		if err := s.notifier.Notify(ctx, alert); err != nil {
			// Left unmarked so the next sweep retries the alert.
			s.logger.Warn("dead task alert failed", "task_id", fc.TaskID, "notifier", s.notifier.Name(), "error", err)
			continue
		}
		s.mu.Lock()
		s.alerted[fc.TaskID] = true
		s.mu.Unlock()
		pass.Alerted = append(pass.Alerted, fc.TaskID)
	}

	s.logger.Info("sweep complete",
		"retried", len(report.Retried),
		"reclaimed", len(report.Reclaimed),
		"crash_looped", len(report.CrashLooped),
		"available", report.Available,
		"dead", pass.Dead,
		"alerted", len(pass.Alerted),
	)
	return pass, nil
}

func leaseTimeout(s engine.Settings) time.Duration {
	if s.LeaseTimeout > 0 {
		return s.LeaseTimeout
	}
	if s.TaskTimeout > 0 {
		return s.TaskTimeout + time.Minute
	}
	return 11 * time.Minute
}

// NextRunTime returns the next scheduled sweep after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
