package persistence_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/simfleet/internal/persistence"
)

// BenchmarkStartup measures cold-start time: Open + schema migration.
func BenchmarkStartup(b *testing.B) {
	for i := 0; i < b.N; i++ {
		dir := b.TempDir()
		store, err := persistence.Open(filepath.Join(dir, "ledger.db"), nil)
		if err != nil {
			b.Fatalf("open: %v", err)
		}
		_ = store.Close()
	}
}

func benchStore(b *testing.B, n int) *persistence.Store {
	b.Helper()
	store, err := persistence.Open(filepath.Join(b.TempDir(), "ledger.db"), nil)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	b.Cleanup(func() { _ = store.Close() })
	tasks := make([]persistence.NewTask, n)
	for i := range tasks {
		tasks[i] = persistence.NewTask{ID: int64(i + 1), Params: map[string]any{"i": i}}
	}
	if _, err := store.InsertTasks(context.Background(), tasks); err != nil {
		b.Fatalf("insert: %v", err)
	}
	return store
}

// BenchmarkClaimFinalize measures one claim plus a successful finalize.
func BenchmarkClaimFinalize(b *testing.B) {
	store := benchStore(b, b.N)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		task, err := store.ClaimNextTask(ctx, "BenchW01")
		if err != nil || task == nil {
			b.Fatalf("claim: task=%v err=%v", task, err)
		}
		if err := store.FinalizeExecuted(ctx, task.ID, "BenchW01", persistence.Completion{ExecutionTime: time.Millisecond}); err != nil {
			b.Fatalf("finalize: %v", err)
		}
	}
}

// BenchmarkConcurrentClaims measures claim throughput with several workers
// contending on the same ledger.
func BenchmarkConcurrentClaims(b *testing.B) {
	store := benchStore(b, b.N)
	ctx := context.Background()
	const workers = 4
	b.ResetTimer()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		workerID := fmt.Sprintf("BenchW%02d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.ClaimNextTask(ctx, workerID)
				if err != nil {
					b.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
			}
		}()
	}
	wg.Wait()
}

// BenchmarkReconcile measures a reconciliation pass over a ledger with failed tasks.
func BenchmarkReconcile(b *testing.B) {
	store := benchStore(b, 500)
	ctx := context.Background()
	for i := 0; i < 250; i++ {
		task, err := store.ClaimNextTask(ctx, "BenchW01")
		if err != nil || task == nil {
			b.Fatalf("claim: %v", err)
		}
		if err := store.FinalizeFailed(ctx, task.ID, "BenchW01", persistence.CategoryTimeout, ""); err != nil {
			b.Fatalf("fail: %v", err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Reconcile(ctx, 0, time.Hour); err != nil {
			b.Fatalf("reconcile: %v", err)
		}
	}
}
