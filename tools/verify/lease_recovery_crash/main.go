// lease_recovery_crash checks that a worker killed mid-task loses its claim
// to the lease-expiry rule without a failure being recorded.
//
// Usage:
//
//	go run ./tools/verify/lease_recovery_crash -mode prepare -db /tmp/ledger.db
//	go run ./tools/verify/lease_recovery_crash -mode claim-sleep -db /tmp/ledger.db &
//	kill -9 %1
//	go run ./tools/verify/lease_recovery_crash -mode recover -db /tmp/ledger.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/simfleet/internal/persistence"
)

const crashWorker = "crash0001"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite ledger")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		maxID, err := store.MaxTaskID(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "max task id: %v\n", err)
			os.Exit(1)
		}
		task := persistence.NewTask{ID: maxID + 1, Params: map[string]any{"scenario": "lease-crash"}}
		if _, err := store.InsertTasks(ctx, []persistence.NewTask{task}); err != nil {
			fmt.Fprintf(os.Stderr, "insert task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%d\n", task.ID)
	case "claim-sleep":
		task, err := store.ClaimNextTask(ctx, crashWorker)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%d\n", task.ID)
		fmt.Printf("WORKER_ID=%s\n", crashWorker)
		for {
			time.Sleep(time.Second)
		}
	case "recover":
		executing, err := store.ListTasks(ctx, persistence.StateExecuting, 0, 1000)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list executing: %v\n", err)
			os.Exit(1)
		}
		before := make(map[int64]int, len(executing))
		for _, t := range executing {
			n, err := store.FailureCount(ctx, t.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failure count: %v\n", err)
				os.Exit(1)
			}
			before[t.ID] = n
		}

		// Zero lease timeout: every claim older than now is treated as abandoned.
		report, err := store.ReconcileWithReport(ctx, persistence.ReconcileOptions{
			MaxFailures:  3,
			LeaseTimeout: 0,
			Actor:        "lease_recovery_crash",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECLAIMED=%d\n", len(report.Reclaimed))

		pass := len(executing) > 0
		for _, t := range executing {
			task, err := store.GetTask(ctx, t.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "get task %d: %v\n", t.ID, err)
				os.Exit(1)
			}
			after, err := store.FailureCount(ctx, t.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failure count: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("TASK_STATE id=%d state=%s crash_reclaims=%d failures_before=%d failures_after=%d\n",
				task.ID, task.State, task.CrashReclaims, before[t.ID], after)
			if task.State != persistence.StateNotExecuted || after != before[t.ID] {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: crashed claims not reclaimed cleanly")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
