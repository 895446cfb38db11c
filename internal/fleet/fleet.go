// Package fleet runs several agents in one process against a shared ledger
// and measures how long a fleet takes to drain it.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/simfleet/internal/bus"
	"github.com/basket/simfleet/internal/config"
	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/otel"
	"github.com/basket/simfleet/internal/persistence"
	"github.com/basket/simfleet/internal/shared"
)

type Options struct {
	Agents    int
	Settings  engine.Settings
	Validator *executor.ResultValidator
	// Watcher, when set, pushes reloaded settings to every live agent.
	Watcher *config.Watcher
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Result describes one fleet run.
type Result struct {
	RunID   string                  `json:"run_id"`
	Agents  int                     `json:"agents"`
	Wall    time.Duration           `json:"wall"`
	Reports []engine.Report         `json:"reports"`
	Counts  persistence.StateCounts `json:"counts"`
	// Errors holds the agents that stopped on a fatal error. Only storage
	// errors stop the rest of the fleet.
	Errors []string `json:"errors,omitempty"`
}

func (r Result) Executed() int {
	n := 0
	for _, rep := range r.Reports {
		n += rep.Executed
	}
	return n
}

// Run starts opts.Agents agents sharing exec and waits until all of them
// stop. Each agent stops on its own when reconciliation finds no work.
func Run(ctx context.Context, store *persistence.Store, exec executor.Executor, opts Options) (Result, error) {
	if opts.Agents <= 0 {
		opts.Agents = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	logger = logger.With("component", "fleet", "run_id", runID)

	agents := make([]*engine.Agent, opts.Agents)
	for i := range agents {
		agents[i] = engine.NewAgent(store, exec, engine.Config{
			Settings:  opts.Settings,
			Validator: opts.Validator,
			Bus:       opts.Bus,
			Metrics:   opts.Metrics,
			Tracer:    opts.Tracer,
			Logger:    logger,
		})
	}

	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	if opts.Watcher != nil {
		go opts.Watcher.Follow(followCtx, func(cfg config.Config) {
			s := engine.SettingsFrom(cfg)
			for _, a := range agents {
				a.Apply(s)
			}
		})
	}

	logger.Info("fleet starting", "agents", opts.Agents, "executor", exec.Kind())
	start := time.Now()

	var (
		mu      sync.Mutex
		reports = make([]engine.Report, len(agents))
		errs    []string
	)
	// Agents share one ledger handle, so a storage stop ends the whole fleet.
	// Malformed and unknown stops only end the agent that hit them.
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range agents {
		g.Go(func() error {
			report, err := a.Run(gctx)
			mu.Lock()
			reports[i] = report
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", a.ID(), err))
			}
			mu.Unlock()
			if report.Reason == engine.StopStorage {
				return fmt.Errorf("agent %s lost the ledger: %w", a.ID(), err)
			}
			return nil
		})
	}
	storageErr := g.Wait()
	stopFollow()
	if storageErr != nil {
		logger.Error("fleet stopped on storage error", "error", storageErr)
	}

	res := Result{
		RunID:   runID,
		Agents:  opts.Agents,
		Wall:    time.Since(start),
		Reports: reports,
		Errors:  errs,
	}
	counts, err := store.CountByState(context.WithoutCancel(ctx))
	if err != nil {
		return res, errors.Join(storageErr, fmt.Errorf("count tasks: %w", err))
	}
	res.Counts = counts
	logger.Info("fleet finished",
		"wall_ms", res.Wall.Milliseconds(), "executed", counts.Executed, "failed", counts.Failed,
		"not_executed", counts.NotExecuted, "agent_errors", len(errs))
	if storageErr != nil {
		return res, storageErr
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if len(errs) == len(agents) && counts.NotExecuted > 0 {
		return res, errors.New("every agent stopped on an error with work left")
	}
	return res, nil
}
