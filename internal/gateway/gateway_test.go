package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/simfleet/internal/bus"
	"github.com/basket/simfleet/internal/engine"
	"github.com/basket/simfleet/internal/gateway"
	"github.com/basket/simfleet/internal/notify"
	"github.com/basket/simfleet/internal/persistence"
	"github.com/basket/simfleet/internal/sweep"
)

const token = "s3cret"

type fixture struct {
	store *persistence.Store
	bus   *bus.Bus
	srv   *httptest.Server
}

// newFixture seeds three tasks: 1 executed, 2 failed once, 3 untouched.
func newFixture(t *testing.T, mutate func(*gateway.Config)) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if _, err := store.InsertTasks(ctx, []persistence.NewTask{
		{ID: 1, Params: map[string]any{"gain": 1.0}},
		{ID: 2, Params: map[string]any{"gain": 2.0}, Label: 1},
		{ID: 3, Params: map[string]any{"gain": 3.0}},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, "Worker01"); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if err := store.FinalizeExecuted(ctx, 1, "Worker01", persistence.Completion{
		Output: []byte(`{"score":0.5}`), ExecutionTime: 40 * time.Millisecond,
	}); err != nil {
		t.Fatalf("finalize 1: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, "Worker01"); err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if err := store.FinalizeFailed(ctx, 2, "Worker01", persistence.CategoryTimeout, "deadline"); err != nil {
		t.Fatalf("finalize 2: %v", err)
	}

	sw, err := sweep.New(sweep.Config{
		Store:    store,
		Settings: engine.Settings{MaxFailures: 1, LeaseTimeout: time.Hour},
		Notifier: notify.NewLog(nil),
	})
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	cfg := gateway.Config{
		Store:       store,
		Bus:         b,
		Sweeper:     sw,
		MaxFailures: 1,
		AuthToken:   token,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, bus: b, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	return f.do(t, http.MethodGet, path, out)
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(method, f.srv.URL+path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["healthy"] != true {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/api/counts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/counts", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong token: got %d", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/api/counts?token=" + token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token: got %d", resp.StatusCode)
	}
}

func TestCounts(t *testing.T) {
	f := newFixture(t, nil)
	var body struct {
		Counts persistence.StateCounts `json:"counts"`
		Total  int                     `json:"total"`
		Dead   int                     `json:"dead"`
	}
	if code := f.get(t, "/api/counts", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	want := persistence.StateCounts{NotExecuted: 1, Executed: 1, Failed: 1}
	if body.Counts != want || body.Total != 3 || body.Dead != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTaskByID(t *testing.T) {
	f := newFixture(t, nil)
	var body struct {
		Task   persistence.Task `json:"task"`
		Result struct {
			WorkerID string          `json:"worker_id"`
			ExecMs   int64           `json:"execution_time_ms"`
			Output   json.RawMessage `json:"output"`
		} `json:"result"`
		Events []persistence.TaskEvent `json:"events"`
	}
	if code := f.get(t, "/api/tasks/1", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.Task.State != persistence.StateExecuted || body.Result.WorkerID != "Worker01" || body.Result.ExecMs != 40 {
		t.Fatalf("unexpected body %+v", body)
	}
	if string(body.Result.Output) != `{"score":0.5}` {
		t.Fatalf("output = %s", body.Result.Output)
	}
	if len(body.Events) < 2 {
		t.Fatalf("expected claim and completion events, got %d", len(body.Events))
	}

	if code := f.get(t, "/api/tasks/99", nil); code != http.StatusNotFound {
		t.Fatalf("missing task: status %d", code)
	}
	if code := f.get(t, "/api/tasks/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad id: status %d", code)
	}
}

func TestTasks_StateFilter(t *testing.T) {
	f := newFixture(t, nil)
	var body struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	f.get(t, "/api/tasks?state=NOT_EXECUTED", &body)
	if len(body.Tasks) != 1 || body.Tasks[0].ID != 3 {
		t.Fatalf("tasks = %+v", body.Tasks)
	}
	if code := f.get(t, "/api/tasks?state=BOGUS", nil); code != http.StatusBadRequest {
		t.Fatalf("bad state: status %d", code)
	}
}

func TestFailuresAndDead(t *testing.T) {
	f := newFixture(t, nil)
	var failures struct {
		Failures []persistence.FailureRecord `json:"failures"`
	}
	f.get(t, "/api/failures?task_id=2", &failures)
	if len(failures.Failures) != 1 || failures.Failures[0].Category != persistence.CategoryTimeout {
		t.Fatalf("failures = %+v", failures.Failures)
	}

	var grouped struct {
		Tasks []persistence.FailureCount `json:"tasks"`
	}
	f.get(t, "/api/failures?group=task", &grouped)
	if len(grouped.Tasks) != 1 || grouped.Tasks[0].Failures != 1 {
		t.Fatalf("grouped = %+v", grouped.Tasks)
	}

	var dead struct {
		Tasks []persistence.FailureCount `json:"tasks"`
	}
	f.get(t, "/api/dead", &dead)
	if len(dead.Tasks) != 1 || dead.Tasks[0].TaskID != 2 {
		t.Fatalf("dead = %+v", dead.Tasks)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) {
		sw, err := sweep.New(sweep.Config{
			Store:    c.Store.(*persistence.Store),
			Settings: engine.Settings{MaxFailures: 3, LeaseTimeout: time.Hour},
		})
		if err != nil {
			t.Fatalf("sweeper: %v", err)
		}
		c.Sweeper = sw
	})
	var pass sweep.Pass
	if code := f.do(t, http.MethodPost, "/api/reconcile", &pass); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(pass.Reconcile.Retried) != 1 || pass.Reconcile.Retried[0] != 2 {
		t.Fatalf("pass = %+v", pass)
	}
	if code := f.get(t, "/api/reconcile", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reconcile: status %d", code)
	}
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/events?topic=ledger.&token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the upgrade; wait until it is live.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.bus.Publish(bus.TopicWorkerStarted, bus.WorkerEvent{WorkerID: "Skipped1"})
	if _, err := f.store.ClaimNextTask(ctx, "Worker02"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	var ev struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != bus.TopicTaskClaimed || ev.Payload["task_id"] != float64(3) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) {
		c.AllowOrigins = []string{"dash.example.com"}
	})
	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/counts", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("allow origin = %q", got)
	}

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *gateway.Config) {
		c.RequestsPerMinute = 1
		c.Burst = 2
	})
	for i := 0; i < 2; i++ {
		if code := f.get(t, "/api/counts", nil); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := f.get(t, "/api/counts", nil); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must bypass the limiter, got %d", resp.StatusCode)
	}
}

func TestRateLimiter_NilAllows(t *testing.T) {
	rl := gateway.NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}
