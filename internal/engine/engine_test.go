package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/simfleet/internal/bus"
	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/persistence"
)

func openStoreForEngineTest(t *testing.T, n int) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	tasks := make([]persistence.NewTask, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, persistence.NewTask{ID: int64(i), Params: map[string]any{"gain": float64(i)}})
	}
	if _, err := store.InsertTasks(context.Background(), tasks); err != nil {
		t.Fatalf("seed tasks: %v", err)
	}
	return store
}

// scriptedExecutor runs fn for every request and counts attempts per task.
type scriptedExecutor struct {
	mu       sync.Mutex
	attempts map[int64]int
	fn       func(ctx context.Context, req executor.Request, attempt int) ([]byte, error)
}

func newScripted(fn func(ctx context.Context, req executor.Request, attempt int) ([]byte, error)) *scriptedExecutor {
	return &scriptedExecutor{attempts: map[int64]int{}, fn: fn}
}

func (s *scriptedExecutor) Kind() string { return "scripted" }

func (s *scriptedExecutor) Execute(ctx context.Context, req executor.Request) ([]byte, error) {
	s.mu.Lock()
	s.attempts[req.TaskID]++
	attempt := s.attempts[req.TaskID]
	s.mu.Unlock()
	return s.fn(ctx, req, attempt)
}

func (s *scriptedExecutor) Close(context.Context) error { return nil }

func (s *scriptedExecutor) Attempts(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

func succeed(_ context.Context, req executor.Request, _ int) ([]byte, error) {
	return []byte(fmt.Sprintf(`{"task":%d}`, req.TaskID)), nil
}

// hang blocks until the deadline, like a killed unit.
func hang(ctx context.Context, _ executor.Request, _ int) ([]byte, error) {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &executor.Fault{Reason: executor.FaultTimeout, Executor: "scripted", Err: ctx.Err()}
	}
	return nil, fmt.Errorf("scripted executor interrupted: %w", ctx.Err())
}

func fastSettings() engine.Settings {
	return engine.Settings{
		MaxFailures:  2,
		TaskTimeout:  time.Second,
		LeaseTimeout: time.Hour,
		PollInterval: time.Millisecond,
		KillGrace:    time.Second,
	}
}

func runAgent(t *testing.T, ledger engine.Ledger, exec executor.Executor, cfg engine.Config) (engine.Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return engine.NewAgent(ledger, exec, cfg).Run(ctx)
}

func taskState(t *testing.T, store *persistence.Store, id int64) persistence.TaskState {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %d: %v", id, err)
	}
	return task.State
}

func lastCategory(t *testing.T, store *persistence.Store, id int64) persistence.Category {
	t.Helper()
	records, err := store.ListFailures(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("list failures: %v", err)
	}
	if len(records) == 0 {
		t.Fatalf("no failures recorded for task %d", id)
	}
	return records[0].Category
}

func TestAgent_DrainsQueue(t *testing.T) {
	store := openStoreForEngineTest(t, 5)
	b := bus.New()
	sub := b.Subscribe(bus.TopicFleet)
	defer b.Unsubscribe(sub)

	exec := newScripted(succeed)
	report, err := runAgent(t, store, exec, engine.Config{Settings: fastSettings(), WorkerID: "Agent001", Bus: b})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Reason != engine.StopFleetDone || report.Executed != 5 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for id := int64(1); id <= 5; id++ {
		res, err := store.ResultFor(context.Background(), id)
		if err != nil {
			t.Fatalf("result %d: %v", id, err)
		}
		if res.WorkerID != "Agent001" || string(res.Output) != fmt.Sprintf(`{"task":%d}`, id) {
			t.Fatalf("unexpected result %+v", res)
		}
	}

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("missing fleet events, got %v", topics)
		}
	}
	if topics[0] != bus.TopicWorkerStarted || topics[1] != bus.TopicWorkerStopped {
		t.Fatalf("unexpected fleet topics %v", topics)
	}
}

func TestAgent_ThreeTaskScenario(t *testing.T) {
	store := openStoreForEngineTest(t, 3)
	exec := newScripted(func(ctx context.Context, req executor.Request, attempt int) ([]byte, error) {
		if req.TaskID == 2 {
			return hang(ctx, req, attempt)
		}
		return succeed(ctx, req, attempt)
	})
	settings := fastSettings()
	settings.TaskTimeout = 50 * time.Millisecond

	report, err := runAgent(t, store, exec, engine.Config{Settings: settings})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Reason != engine.StopFleetDone {
		t.Fatalf("reason = %s", report.Reason)
	}
	want := []persistence.TaskState{persistence.StateExecuted, persistence.StateFailed, persistence.StateExecuted}
	for i, state := range want {
		if got := taskState(t, store, int64(i+1)); got != state {
			t.Fatalf("task %d state = %s, want %s", i+1, got, state)
		}
	}
	n, err := store.FailureCount(context.Background(), 2)
	if err != nil {
		t.Fatalf("failure count: %v", err)
	}
	if n != 2 || exec.Attempts(2) != 2 {
		t.Fatalf("task 2 failures=%d attempts=%d, want 2 and 2", n, exec.Attempts(2))
	}
	if lastCategory(t, store, 2) != persistence.CategoryTimeout {
		t.Fatalf("unexpected category %s", lastCategory(t, store, 2))
	}
}

func TestAgent_MalformedResultStopsWorker(t *testing.T) {
	store := openStoreForEngineTest(t, 2)
	validator, err := executor.NewResultValidator("", []byte(`{"type":"object","required":["task"]}`))
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	exec := newScripted(func(context.Context, executor.Request, int) ([]byte, error) {
		return []byte("Segmentation fault"), nil
	})

	report, err := runAgent(t, store, exec, engine.Config{Settings: fastSettings(), Validator: validator})
	if !executor.HasReason(err, executor.FaultMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if report.Reason != engine.StopMalformed || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if lastCategory(t, store, 1) != persistence.CategoryMalformedResult {
		t.Fatalf("unexpected category %s", lastCategory(t, store, 1))
	}
	if taskState(t, store, 2) != persistence.StateNotExecuted {
		t.Fatal("worker kept claiming after a malformed result")
	}
}

func TestAgent_UnknownErrorStopsWorker(t *testing.T) {
	store := openStoreForEngineTest(t, 2)
	boom := errors.New("simulation diverged")
	exec := newScripted(func(context.Context, executor.Request, int) ([]byte, error) {
		return nil, boom
	})

	report, err := runAgent(t, store, exec, engine.Config{Settings: fastSettings()})
	if !errors.Is(err, boom) {
		t.Fatalf("expected unknown error, got %v", err)
	}
	if report.Reason != engine.StopUnknown {
		t.Fatalf("reason = %s", report.Reason)
	}
	if taskState(t, store, 1) != persistence.StateFailed || lastCategory(t, store, 1) != persistence.CategoryUnknown {
		t.Fatal("task 1 not failed as Unknown")
	}
}

func TestAgent_SlowUnknownErrorCountsAsTimeout(t *testing.T) {
	store := openStoreForEngineTest(t, 1)
	exec := newScripted(func(_ context.Context, req executor.Request, attempt int) ([]byte, error) {
		if attempt == 1 {
			// Ignores its context and fails late with an unrelated error.
			time.Sleep(80 * time.Millisecond)
			return nil, errors.New("solver gave up")
		}
		return succeed(context.Background(), req, attempt)
	})
	settings := fastSettings()
	settings.TaskTimeout = 20 * time.Millisecond

	report, err := runAgent(t, store, exec, engine.Config{Settings: settings})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Reason != engine.StopFleetDone || report.Executed != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if lastCategory(t, store, 1) != persistence.CategoryTimeout {
		t.Fatalf("late failure classified as %s", lastCategory(t, store, 1))
	}
}

func TestAgent_AbandonsUnitThatIgnoresKill(t *testing.T) {
	store := openStoreForEngineTest(t, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	exec := newScripted(func(_ context.Context, req executor.Request, attempt int) ([]byte, error) {
		if attempt == 1 {
			<-release
			return nil, nil
		}
		return succeed(context.Background(), req, attempt)
	})
	settings := fastSettings()
	settings.TaskTimeout = 30 * time.Millisecond
	settings.KillGrace = 30 * time.Millisecond

	start := time.Now()
	report, err := runAgent(t, store, exec, engine.Config{Settings: settings})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("agent waited on a stuck unit")
	}
	if report.Executed != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if lastCategory(t, store, 1) != persistence.CategoryTimeout {
		t.Fatalf("unexpected category %s", lastCategory(t, store, 1))
	}
}

func TestAgent_UserAbortFinalizesAndStops(t *testing.T) {
	store := openStoreForEngineTest(t, 2)
	started := make(chan struct{})
	exec := newScripted(func(ctx context.Context, req executor.Request, attempt int) ([]byte, error) {
		close(started)
		return hang(ctx, req, attempt)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	report, err := engine.NewAgent(store, exec, engine.Config{Settings: fastSettings()}).Run(ctx)
	if err != nil {
		t.Fatalf("interrupt is not an agent error: %v", err)
	}
	if report.Reason != engine.StopInterrupted {
		t.Fatalf("reason = %s", report.Reason)
	}
	if taskState(t, store, 1) != persistence.StateFailed || lastCategory(t, store, 1) != persistence.CategoryUserAborted {
		t.Fatal("aborted task not finalized as User aborted")
	}
	if taskState(t, store, 2) != persistence.StateNotExecuted {
		t.Fatal("agent claimed after interrupt")
	}
}

func TestAgent_InterruptAfterCompletionKeepsResult(t *testing.T) {
	store := openStoreForEngineTest(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := newScripted(func(ctx context.Context, req executor.Request, attempt int) ([]byte, error) {
		out, err := succeed(ctx, req, attempt)
		cancel()
		return out, err
	})

	report, err := engine.NewAgent(store, exec, engine.Config{Settings: fastSettings()}).Run(ctx)
	if err != nil {
		t.Fatalf("interrupt is not an agent error: %v", err)
	}
	if report.Reason != engine.StopInterrupted || report.Executed != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if got := taskState(t, store, 1); got != persistence.StateExecuted {
		t.Fatalf("task 1 state = %s, want %s", got, persistence.StateExecuted)
	}
	if n, err := store.FailureCount(context.Background(), 1); err != nil || n != 0 {
		t.Fatalf("failure count = %d, %v", n, err)
	}
	if taskState(t, store, 2) != persistence.StateNotExecuted {
		t.Fatal("agent claimed after interrupt")
	}
}

// faultyLedger injects errors in front of a real store.
type faultyLedger struct {
	*persistence.Store
	claimErr     error
	finalizeErr  error
	duplicateFor map[int64]bool
}

func (f *faultyLedger) ClaimNextTask(ctx context.Context, workerID string) (*persistence.Task, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.Store.ClaimNextTask(ctx, workerID)
}

func (f *faultyLedger) FinalizeExecuted(ctx context.Context, taskID int64, workerID string, c persistence.Completion) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	if f.duplicateFor[taskID] {
		delete(f.duplicateFor, taskID)
		return persistence.ErrDuplicateCompletion
	}
	return f.Store.FinalizeExecuted(ctx, taskID, workerID, c)
}

func TestAgent_StorageErrorStopsWorker(t *testing.T) {
	store := openStoreForEngineTest(t, 2)
	diskErr := errors.New("disk I/O error")
	ledger := &faultyLedger{Store: store, finalizeErr: diskErr}

	report, err := runAgent(t, ledger, newScripted(succeed), engine.Config{Settings: fastSettings()})
	if !errors.Is(err, diskErr) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if report.Reason != engine.StopStorage {
		t.Fatalf("reason = %s", report.Reason)
	}
	if lastCategory(t, store, 1) != persistence.CategoryDatabaseError {
		t.Fatalf("unexpected category %s", lastCategory(t, store, 1))
	}
	if taskState(t, store, 2) != persistence.StateNotExecuted {
		t.Fatal("worker continued after storage error")
	}
}

func TestAgent_ClaimErrorStopsWorker(t *testing.T) {
	store := openStoreForEngineTest(t, 1)
	ledger := &faultyLedger{Store: store, claimErr: errors.New("connection refused")}

	report, err := runAgent(t, ledger, newScripted(succeed), engine.Config{Settings: fastSettings()})
	if err == nil || report.Reason != engine.StopStorage {
		t.Fatalf("expected storage stop, got %+v %v", report, err)
	}
}

func TestAgent_DuplicateCompletionIsBenign(t *testing.T) {
	store := openStoreForEngineTest(t, 2)
	ledger := &faultyLedger{Store: store, duplicateFor: map[int64]bool{1: true}}

	report, err := runAgent(t, ledger, newScripted(succeed), engine.Config{Settings: fastSettings()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Conflicts != 1 || report.Executed != 1 || report.Reason != engine.StopFleetDone {
		t.Fatalf("unexpected report %+v", report)
	}
	for id := int64(1); id <= 2; id++ {
		if taskState(t, store, id) != persistence.StateExecuted {
			t.Fatalf("task %d not executed", id)
		}
	}
}

func TestAgent_RecoversCrashedClaim(t *testing.T) {
	store := openStoreForEngineTest(t, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	if task, err := store.ClaimNextTask(context.Background(), "Ghost001"); err != nil || task == nil {
		t.Fatalf("ghost claim: %v", err)
	}
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	report, err := runAgent(t, store, newScripted(succeed), engine.Config{Settings: fastSettings()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Executed != 1 {
		t.Fatalf("crashed claim not recovered: %+v", report)
	}
	if n, _ := store.FailureCount(context.Background(), 1); n != 0 {
		t.Fatalf("lease expiry wrote %d registry entries", n)
	}
}

func TestAgent_ApplyTakesEffectOnNextClaim(t *testing.T) {
	store := openStoreForEngineTest(t, 1)
	settings := fastSettings()
	settings.TaskTimeout = 20 * time.Millisecond
	agent := engine.NewAgent(store, newScripted(hang), engine.Config{Settings: settings})

	settings.MaxFailures = 0
	agent.Apply(settings)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := agent.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("max_failures=0 should not retry, report %+v", report)
	}
	if agent.Status().WorkerID != agent.ID() || agent.Status().Failed != 1 {
		t.Fatalf("unexpected status %+v", agent.Status())
	}
}

func TestAgents_ConcurrentFleetExecutesEachTaskOnce(t *testing.T) {
	store := openStoreForEngineTest(t, 40)
	exec := newScripted(succeed)

	var wg sync.WaitGroup
	reports := make([]engine.Report, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := runAgent(t, store, exec, engine.Config{Settings: fastSettings()})
			if err != nil {
				t.Errorf("agent %d: %v", i, err)
			}
			reports[i] = r
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range reports {
		total += r.Executed
	}
	if total != 40 {
		t.Fatalf("executed %d tasks, want 40", total)
	}
	for id := int64(1); id <= 40; id++ {
		if exec.Attempts(id) != 1 {
			t.Fatalf("task %d ran %d times", id, exec.Attempts(id))
		}
	}
}
