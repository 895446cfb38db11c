package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/basket/simfleet/internal/audit"
	"github.com/basket/simfleet/internal/generator"
	"github.com/basket/simfleet/internal/persistence"
)

// stdout receives command output; tests swap it for a buffer.
var stdout io.Writer = os.Stdout

// withLedger opens a quiet runtime for a one-shot ledger command and reports
// startup errors on stderr instead of exiting.
func withLedger(ctx context.Context, name string, fn func(rt *app) int) int {
	rt, err := openRuntime(ctx, runtimeOptions{component: name, quiet: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 1
	}
	defer rt.Close()
	return fn(rt)
}

func runGenerateCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("generate")
	input := fs.String("input", "", "parameter space (JSON, YAML or TOML): name -> list of values")
	anomalous := fs.String("anomalous", "", "anomalous parameter values; matching tasks get label 1")
	csvPath := fs.String("csv", "", "CSV experiment config, one task per row")
	limit := fs.Int("limit", 0, "insert at most N tasks (0 = all)")
	jsonOutput := fs.Bool("json", false, "print the summary as JSON")
	if !parseFlags(fs, args) {
		return 2
	}
	if (*input == "") == (*csvPath == "") {
		fmt.Fprintln(os.Stderr, "generate: exactly one of -input and -csv is required")
		return 2
	}
	if *csvPath != "" && *anomalous != "" {
		fmt.Fprintln(os.Stderr, "generate: -anomalous only applies to -input")
		return 2
	}

	return withLedger(ctx, "generate", func(rt *app) int {
		sum, err := generator.Generate(ctx, rt.store, generator.Plan{
			SpacePath:     *input,
			AnomaliesPath: *anomalous,
			CSVPath:       *csvPath,
			Limit:         *limit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate: %v\n", err)
			return 1
		}
		source := *input
		if source == "" {
			source = *csvPath
		}
		audit.Record("allow", "ledger.generate", "operator_request", "cli",
			fmt.Sprintf("%s inserted=%d", source, sum.Inserted))
		rt.logger.Info("tasks generated", "source", source, "inserted", sum.Inserted,
			"first_id", sum.FirstID, "last_id", sum.LastID, "anomalous", sum.Anomalous)

		if *jsonOutput {
			if writeJSON(stdout, sum) != nil {
				return 1
			}
			return 0
		}
		if sum.Inserted == 0 {
			fmt.Fprintln(stdout, "no tasks generated")
			return 0
		}
		fmt.Fprintf(stdout, "inserted %d tasks (ids %d-%d, %d anomalous)\n",
			sum.Inserted, sum.FirstID, sum.LastID, sum.Anomalous)
		return 0
	})
}

type statusReport struct {
	Driver      string                  `json:"driver"`
	Counts      persistence.StateCounts `json:"counts"`
	Total       int                     `json:"total"`
	Dead        int                     `json:"dead"`
	MaxFailures int                     `json:"max_failures"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("status")
	jsonOutput := fs.Bool("json", false, "print the status as JSON")
	remote := fs.Bool("remote", false, "query a running gateway's /healthz instead of the ledger")
	if !parseFlags(fs, args) {
		return 2
	}
	if *remote {
		return runRemoteStatus(ctx)
	}

	return withLedger(ctx, "status", func(rt *app) int {
		counts, err := rt.store.CountByState(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		dead, err := rt.store.DeadTasks(ctx, rt.cfg.MaxFailures)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		rep := statusReport{
			Driver:      rt.store.Driver(),
			Counts:      counts,
			Total:       counts.Total(),
			Dead:        len(dead),
			MaxFailures: rt.cfg.MaxFailures,
		}
		if *jsonOutput {
			if writeJSON(stdout, rep) != nil {
				return 1
			}
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "ledger\t%s\n", rep.Driver)
		fmt.Fprintf(tw, "not executed\t%d\n", counts.NotExecuted)
		fmt.Fprintf(tw, "executing\t%d\n", counts.Executing)
		fmt.Fprintf(tw, "executed\t%d\n", counts.Executed)
		fmt.Fprintf(tw, "failed\t%d\n", counts.Failed)
		fmt.Fprintf(tw, "total\t%d\n", rep.Total)
		fmt.Fprintf(tw, "dead\t%d (max_failures=%d)\n", rep.Dead, rep.MaxFailures)
		_ = tw.Flush()
		return 0
	})
}

func runResetCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("reset")
	purge := fs.Bool("purge", false, "also delete results, the failure registry and the event trail")
	if !parseFlags(fs, args) {
		return 2
	}
	return withLedger(ctx, "reset", func(rt *app) int {
		n, err := rt.store.ResetAll(ctx, *purge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reset: %v\n", err)
			return 1
		}
		reason := "reset"
		if *purge {
			reason = "reset_purge"
		}
		audit.Record("allow", "ledger.reset", reason, "cli", fmt.Sprintf("tasks=%d", n))
		rt.logger.Warn("ledger reset", "tasks", n, "purge", *purge)
		fmt.Fprintf(stdout, "reset %d tasks to %s\n", n, persistence.StateNotExecuted)
		return 0
	})
}

func runFailuresCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("failures")
	taskID := fs.Int64("task", 0, "list the registry entries of one task")
	limit := fs.Int("limit", 50, "entries to list with -task")
	jsonOutput := fs.Bool("json", false, "print as JSON")
	if !parseFlags(fs, args) {
		return 2
	}
	return withLedger(ctx, "failures", func(rt *app) int {
		if *taskID > 0 {
			records, err := rt.store.ListFailures(ctx, *taskID, *limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failures: %v\n", err)
				return 1
			}
			if *jsonOutput {
				return jsonExit(records)
			}
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "FAILED AT\tWORKER\tCATEGORY\tDETAIL")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.FailedAt.Format(time.RFC3339), r.WorkerID, r.Category, r.Detail)
			}
			_ = tw.Flush()
			return 0
		}
		counts, err := rt.store.FailureCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failures: %v\n", err)
			return 1
		}
		if *jsonOutput {
			return jsonExit(counts)
		}
		writeFailureCounts(stdout, counts)
		return 0
	})
}

func runDeadCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("dead")
	jsonOutput := fs.Bool("json", false, "print as JSON")
	if !parseFlags(fs, args) {
		return 2
	}
	return withLedger(ctx, "dead", func(rt *app) int {
		dead, err := rt.store.DeadTasks(ctx, rt.cfg.MaxFailures)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dead: %v\n", err)
			return 1
		}
		if *jsonOutput {
			return jsonExit(dead)
		}
		if len(dead) == 0 {
			fmt.Fprintf(stdout, "no dead tasks (max_failures=%d)\n", rt.cfg.MaxFailures)
			return 0
		}
		writeFailureCounts(stdout, dead)
		return 0
	})
}

func runReconcileCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("reconcile")
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if !parseFlags(fs, args) {
		return 2
	}
	return withLedger(ctx, "reconcile", func(rt *app) int {
		s := rt.settings()
		rep, err := rt.store.ReconcileWithReport(ctx, persistence.ReconcileOptions{
			MaxFailures:      s.MaxFailures,
			LeaseTimeout:     s.LeaseTimeout,
			MaxCrashReclaims: s.MaxCrashReclaims,
			Actor:            "cli",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
			return 1
		}
		audit.Record("allow", "ledger.reconcile", "operator_request", "cli",
			fmt.Sprintf("retried=%d reclaimed=%d crash_looped=%d", len(rep.Retried), len(rep.Reclaimed), len(rep.CrashLooped)))
		if *jsonOutput {
			return jsonExit(rep)
		}
		fmt.Fprintf(stdout, "retried %d, reclaimed %d, crash-looped %d, available %t\n",
			len(rep.Retried), len(rep.Reclaimed), len(rep.CrashLooped), rep.Available)
		return 0
	})
}

func writeFailureCounts(w io.Writer, counts []persistence.FailureCount) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tFAILURES\tLAST CATEGORY\tLAST FAILED AT")
	for _, c := range counts {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", strconv.FormatInt(c.TaskID, 10), c.State, c.Failures,
			c.LastCategory, c.LastFailedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func jsonExit(v any) int {
	if writeJSON(stdout, v) != nil {
		return 1
	}
	return 0
}
