package fleet

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/persistence"
)

// Histogram bounds, in microseconds: 1us to 24h at 3 significant figures.
const (
	histMin     = 1
	histMax     = int64(24 * time.Hour / time.Microsecond)
	histSigFigs = 3
)

type TrialOptions struct {
	Options
	// AgentCounts lists the fleet sizes to measure, in order.
	AgentCounts []int
	Iterations  int
}

// TrialRun is one fleet run inside a trial.
type TrialRun struct {
	Agents    int           `json:"agents"`
	Iteration int           `json:"iteration"`
	RunID     string        `json:"run_id"`
	Wall      time.Duration `json:"wall"`
	Executed  int           `json:"executed"`
	Failed    int           `json:"failed"`
	ExecP50   time.Duration `json:"exec_p50"`
	ExecP95   time.Duration `json:"exec_p95"`
	ExecP99   time.Duration `json:"exec_p99"`
	ExecMax   time.Duration `json:"exec_max"`
}

// TrialSummary aggregates the wall time of every iteration at one fleet size.
type TrialSummary struct {
	Agents   int           `json:"agents"`
	Runs     int           `json:"runs"`
	WallMean time.Duration `json:"wall_mean"`
	WallP50  time.Duration `json:"wall_p50"`
	WallMax  time.Duration `json:"wall_max"`
}

type TrialReport struct {
	Runs    []TrialRun     `json:"runs"`
	Summary []TrialSummary `json:"summary"`
}

// Trial runs the fleet at every size in AgentCounts, Iterations times each,
// force-resetting and purging the ledger before every run.
func Trial(ctx context.Context, store *persistence.Store, exec executor.Executor, opts TrialOptions) (TrialReport, error) {
	if len(opts.AgentCounts) == 0 {
		opts.AgentCounts = []int{1}
	}
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	var report TrialReport
	for _, n := range opts.AgentCounts {
		if n <= 0 {
			return report, fmt.Errorf("agent count must be positive, got %d", n)
		}
		wall := hdrhistogram.New(histMin, histMax, histSigFigs)
		for it := 1; it <= opts.Iterations; it++ {
			if _, err := store.ResetAll(ctx, true); err != nil {
				return report, fmt.Errorf("reset before run %d/%d: %w", n, it, err)
			}
			runOpts := opts.Options
			runOpts.Agents = n
			res, err := Run(ctx, store, exec, runOpts)
			if err != nil {
				return report, fmt.Errorf("fleet run agents=%d iteration=%d: %w", n, it, err)
			}
			run, err := measure(ctx, store, res)
			if err != nil {
				return report, err
			}
			run.Iteration = it
			report.Runs = append(report.Runs, run)
			_ = wall.RecordValue(res.Wall.Microseconds())
		}
		report.Summary = append(report.Summary, TrialSummary{
			Agents:   n,
			Runs:     int(wall.TotalCount()),
			WallMean: time.Duration(wall.Mean()) * time.Microsecond,
			WallP50:  time.Duration(wall.ValueAtQuantile(50)) * time.Microsecond,
			WallMax:  time.Duration(wall.Max()) * time.Microsecond,
		})
	}
	return report, nil
}

func measure(ctx context.Context, store *persistence.Store, res Result) (TrialRun, error) {
	times, err := store.ExecutionTimes(ctx)
	if err != nil {
		return TrialRun{}, fmt.Errorf("execution times: %w", err)
	}
	h := hdrhistogram.New(histMin, histMax, histSigFigs)
	for _, d := range times {
		_ = h.RecordValue(d.Microseconds())
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return TrialRun{
		Agents:   res.Agents,
		RunID:    res.RunID,
		Wall:     res.Wall,
		Executed: res.Counts.Executed,
		Failed:   res.Counts.Failed,
		ExecP50:  us(h.ValueAtQuantile(50)),
		ExecP95:  us(h.ValueAtQuantile(95)),
		ExecP99:  us(h.ValueAtQuantile(99)),
		ExecMax:  us(h.Max()),
	}, nil
}

// WriteText prints the report as two aligned tables.
func (r TrialReport) WriteText(w io.Writer) {
	fmt.Fprintf(w, "%-7s %-5s %-12s %-9s %-7s %-10s %-10s %-10s\n",
		"AGENTS", "ITER", "WALL", "EXECUTED", "FAILED", "EXEC_P50", "EXEC_P95", "EXEC_MAX")
	for _, run := range r.Runs {
		fmt.Fprintf(w, "%-7d %-5d %-12s %-9d %-7d %-10s %-10s %-10s\n",
			run.Agents, run.Iteration, run.Wall.Round(time.Millisecond), run.Executed, run.Failed,
			run.ExecP50, run.ExecP95, run.ExecMax)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-7s %-5s %-12s %-12s %-12s\n", "AGENTS", "RUNS", "WALL_MEAN", "WALL_P50", "WALL_MAX")
	for _, s := range r.Summary {
		fmt.Fprintf(w, "%-7d %-5d %-12s %-12s %-12s\n",
			s.Agents, s.Runs, s.WallMean.Round(time.Millisecond), s.WallP50.Round(time.Millisecond), s.WallMax.Round(time.Millisecond))
	}
}
