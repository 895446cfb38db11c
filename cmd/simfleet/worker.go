package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/basket/simfleet/internal/config"
	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/fleet"
)

// startWorkers opens the runtime and the executor, treating any failure as
// fatal.
func startWorkers(ctx context.Context, component string) (*app, executor.Executor, *executor.ResultValidator) {
	rt := mustOpenRuntime(ctx, runtimeOptions{component: component})
	exec, validator, err := rt.executor(ctx)
	if err != nil {
		var se *startupError
		code := "E_EXECUTOR_INIT"
		if errors.As(err, &se) {
			code = se.code
		}
		rt.logger.Error("executor unavailable", "error", err)
		rt.Close()
		fatalStartup(nil, code, err)
	}
	return rt, exec, validator
}

func runWorkerCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("worker")
	workerID := fs.String("id", "", "worker id (default: random)")
	if !parseFlags(fs, args) {
		return 2
	}

	rt, exec, validator := startWorkers(ctx, "worker")
	defer rt.Close()
	defer exec.Close(context.WithoutCancel(ctx))

	agent := engine.NewAgent(rt.store, exec, engine.Config{
		Settings:  rt.settings(),
		WorkerID:  *workerID,
		Validator: validator,
		Bus:       rt.bus,
		Metrics:   rt.metrics,
		Tracer:    rt.otel.Tracer,
		Logger:    rt.logger,
	})
	if w := rt.watcher(ctx); w != nil {
		go w.Follow(ctx, func(cfg config.Config) {
			agent.Apply(engine.SettingsFrom(cfg))
		})
	}

	report, err := agent.Run(ctx)
	fmt.Fprintf(stdout, "worker %s stopped (%s): executed=%d failed=%d conflicts=%d\n",
		report.WorkerID, report.Reason, report.Executed, report.Failed, report.Conflicts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}
	return 0
}

func runFleetCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("fleet")
	agents := fs.Int("agents", 4, "number of in-process agents")
	jsonOutput := fs.Bool("json", false, "print the result as JSON")
	if !parseFlags(fs, args) {
		return 2
	}
	if *agents <= 0 {
		fmt.Fprintln(os.Stderr, "fleet: -agents must be positive")
		return 2
	}

	rt, exec, validator := startWorkers(ctx, "fleet")
	defer rt.Close()
	defer exec.Close(context.WithoutCancel(ctx))

	res, err := fleet.Run(ctx, rt.store, exec, fleet.Options{
		Agents:    *agents,
		Settings:  rt.settings(),
		Validator: validator,
		Watcher:   rt.watcher(ctx),
		Bus:       rt.bus,
		Metrics:   rt.metrics,
		Tracer:    rt.otel.Tracer,
		Logger:    rt.logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
		return 1
	}
	if *jsonOutput {
		if err := writeJSON(stdout, res); err != nil {
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "fleet %s: %d agents, wall %s, executed %d\n", res.RunID, res.Agents, res.Wall, res.Executed())
		fmt.Fprintf(stdout, "ledger: %d not executed, %d executing, %d executed, %d failed\n",
			res.Counts.NotExecuted, res.Counts.Executing, res.Counts.Executed, res.Counts.Failed)
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "agent error: %s\n", e)
		}
	}
	if len(res.Errors) > 0 {
		return 1
	}
	return 0
}

func runTrialCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("trial")
	agentList := fs.String("agents", "1,2,4", "comma-separated fleet sizes")
	iterations := fs.Int("iterations", 3, "runs per fleet size")
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if !parseFlags(fs, args) {
		return 2
	}
	counts, err := parseAgentCounts(*agentList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trial: %v\n", err)
		return 2
	}
	if *iterations <= 0 {
		fmt.Fprintln(os.Stderr, "trial: -iterations must be positive")
		return 2
	}

	// Trial output is the point of the command, so logs stay in the file.
	rt := mustOpenRuntime(ctx, runtimeOptions{component: "trial", quiet: true})
	defer rt.Close()
	exec, validator, err := rt.executor(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trial: %v\n", err)
		return 1
	}
	defer exec.Close(context.WithoutCancel(ctx))

	report, err := fleet.Trial(ctx, rt.store, exec, fleet.TrialOptions{
		Options: fleet.Options{
			Settings:  rt.settings(),
			Validator: validator,
			Bus:       rt.bus,
			Metrics:   rt.metrics,
			Tracer:    rt.otel.Tracer,
			Logger:    rt.logger,
		},
		AgentCounts: counts,
		Iterations:  *iterations,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "trial: %v\n", err)
		return 1
	}
	if *jsonOutput {
		if err := writeJSON(stdout, report); err != nil {
			return 1
		}
		return 0
	}
	report.WriteText(stdout)
	return 0
}

func parseAgentCounts(raw string) ([]int, error) {
	var counts []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid agent count %q", part)
		}
		counts = append(counts, n)
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("no agent counts in %q", raw)
	}
	return counts, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		return err
	}
	return nil
}
