package fleet_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/fleet"
	"github.com/basket/simfleet/internal/persistence"
)

type sleepyExecutor struct {
	mu    sync.Mutex
	calls map[int64]int
	delay time.Duration
}

func (s *sleepyExecutor) Kind() string { return "sleepy" }

func (s *sleepyExecutor) Execute(ctx context.Context, req executor.Request) ([]byte, error) {
	s.mu.Lock()
	s.calls[req.TaskID]++
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, &executor.Fault{Reason: executor.FaultTimeout, Executor: "sleepy", Err: ctx.Err()}
	case <-time.After(s.delay):
		return []byte(`{"ok":true}`), nil
	}
}

func (s *sleepyExecutor) Close(context.Context) error { return nil }

func openFleetStore(t *testing.T, n int) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	tasks := make([]persistence.NewTask, n)
	for i := range tasks {
		tasks[i] = persistence.NewTask{ID: int64(i + 1), Params: map[string]any{"seed": i}}
	}
	if _, err := store.InsertTasks(context.Background(), tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func settings() engine.Settings {
	return engine.Settings{
		MaxFailures:  1,
		TaskTimeout:  5 * time.Second,
		LeaseTimeout: time.Hour,
		PollInterval: time.Millisecond,
		KillGrace:    time.Second,
	}
}

func TestRun_DrainsLedger(t *testing.T) {
	store := openFleetStore(t, 24)
	exec := &sleepyExecutor{calls: map[int64]int{}, delay: 2 * time.Millisecond}

	res, err := fleet.Run(context.Background(), store, exec, fleet.Options{Agents: 3, Settings: settings()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Counts.Executed != 24 || res.Executed() != 24 {
		t.Fatalf("unexpected counts %+v executed=%d", res.Counts, res.Executed())
	}
	if len(res.Reports) != 3 || res.RunID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, r := range res.Reports {
		if r.Reason != engine.StopFleetDone {
			t.Fatalf("agent %s stopped with %s", r.WorkerID, r.Reason)
		}
	}
	for id := int64(1); id <= 24; id++ {
		if exec.calls[id] != 1 {
			t.Fatalf("task %d executed %d times", id, exec.calls[id])
		}
	}
}

// closingExecutor closes the ledger under the fleet on its first task.
type closingExecutor struct {
	store *persistence.Store
	once  sync.Once
}

func (c *closingExecutor) Kind() string { return "closing" }

func (c *closingExecutor) Execute(ctx context.Context, _ executor.Request) ([]byte, error) {
	c.once.Do(func() { _ = c.store.Close() })
	return []byte(`{"ok":true}`), nil
}

func (c *closingExecutor) Close(context.Context) error { return nil }

func TestRun_StorageErrorStopsFleet(t *testing.T) {
	store := openFleetStore(t, 8)
	exec := &closingExecutor{store: store}

	res, err := fleet.Run(context.Background(), store, exec, fleet.Options{Agents: 2, Settings: settings()})
	if err == nil {
		t.Fatal("expected a storage error")
	}
	if !strings.Contains(err.Error(), "lost the ledger") {
		t.Fatalf("unexpected error: %v", err)
	}
	storage := 0
	for _, r := range res.Reports {
		if r.Reason == engine.StopStorage {
			storage++
		}
		if r.Reason == engine.StopFleetDone {
			t.Fatalf("agent %s kept going after the ledger was lost", r.WorkerID)
		}
	}
	if storage == 0 || len(res.Errors) == 0 {
		t.Fatalf("expected a storage stop, got %+v", res)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	store := openFleetStore(t, 4)
	exec := &sleepyExecutor{calls: map[int64]int{}, delay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := fleet.Run(ctx, store, exec, fleet.Options{Agents: 2, Settings: settings()})
	if err == nil {
		t.Fatal("expected context error")
	}
	for _, r := range res.Reports {
		if r.Reason != engine.StopInterrupted {
			t.Fatalf("agent stopped with %s", r.Reason)
		}
	}
	if res.Counts.Failed != 2 {
		t.Fatalf("expected the two in-flight tasks to be aborted, got %+v", res.Counts)
	}
}

func TestTrial_ResetsBetweenRuns(t *testing.T) {
	store := openFleetStore(t, 10)
	exec := &sleepyExecutor{calls: map[int64]int{}, delay: 2 * time.Millisecond}

	report, err := fleet.Trial(context.Background(), store, exec, fleet.TrialOptions{
		Options:     fleet.Options{Settings: settings()},
		AgentCounts: []int{1, 2},
		Iterations:  2,
	})
	if err != nil {
		t.Fatalf("trial: %v", err)
	}
	if len(report.Runs) != 4 || len(report.Summary) != 2 {
		t.Fatalf("unexpected report shape: %d runs, %d summaries", len(report.Runs), len(report.Summary))
	}
	for _, run := range report.Runs {
		if run.Executed != 10 || run.Failed != 0 {
			t.Fatalf("run %+v did not drain the ledger", run)
		}
		if run.ExecMax < run.ExecP50 {
			t.Fatalf("percentiles out of order: %+v", run)
		}
	}
	for _, s := range report.Summary {
		if s.Runs != 2 || s.WallMean <= 0 {
			t.Fatalf("unexpected summary %+v", s)
		}
	}
	for id := int64(1); id <= 10; id++ {
		if exec.calls[id] != 4 {
			t.Fatalf("task %d executed %d times across 4 runs", id, exec.calls[id])
		}
	}

	var buf bytes.Buffer
	report.WriteText(&buf)
	if !strings.Contains(buf.String(), "WALL_MEAN") {
		t.Fatalf("missing summary table:\n%s", buf.String())
	}
}

func TestTrial_RejectsBadAgentCount(t *testing.T) {
	store := openFleetStore(t, 1)
	exec := &sleepyExecutor{calls: map[int64]int{}}
	if _, err := fleet.Trial(context.Background(), store, exec, fleet.TrialOptions{AgentCounts: []int{0}}); err == nil {
		t.Fatal("expected error for zero agents")
	}
}
