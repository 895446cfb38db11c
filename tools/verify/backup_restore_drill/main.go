package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/simfleet/internal/persistence"
)

const drillTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "simfleet-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "ledger.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	tasks := make([]persistence.NewTask, drillTasks)
	for i := range tasks {
		tasks[i] = persistence.NewTask{ID: int64(i + 1), Params: map[string]any{"seed": i}}
	}
	if _, err := store.InsertTasks(ctx, tasks); err != nil {
		fmt.Printf("insert_tasks_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < drillTasks; i++ {
		task, err := store.ClaimNextTask(ctx, "drill0001")
		if err != nil || task == nil {
			fmt.Printf("claim_task_error=%v task_nil=%v\n", err, task == nil)
			os.Exit(1)
		}
		if i%4 == 0 {
			err = store.FinalizeFailed(ctx, task.ID, "drill0001", persistence.CategoryTimeout, "drill")
		} else {
			err = store.FinalizeExecuted(ctx, task.ID, "drill0001", persistence.Completion{
				Output:        []byte(`{"score":1}`),
				ExecutionTime: 5 * time.Millisecond,
			})
		}
		if err != nil {
			fmt.Printf("finalize_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	counts, err := restored.CountByState(ctx)
	if err != nil {
		fmt.Printf("count_error=%v\n", err)
		os.Exit(1)
	}
	failures, err := restored.FailureCounts(ctx)
	if err != nil {
		fmt.Printf("failure_count_error=%v\n", err)
		os.Exit(1)
	}
	restoreEnd := time.Now().UTC()

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d executed=%d failed=%d\n", counts.Total(), counts.Executed, counts.Failed)
	fmt.Printf("restored_failed_tasks_in_registry=%d\n", len(failures))

	wantFailed := (drillTasks + 3) / 4
	if counts.Total() != drillTasks || counts.Failed != wantFailed || len(failures) != wantFailed {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
