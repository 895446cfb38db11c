// Package gateway serves a read-mostly HTTP view of the ledger for operators:
// state counts, the failure registry, dead tasks, per-task detail and a
// websocket stream of ledger and fleet events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/simfleet/internal/audit"
	"github.com/basket/simfleet/internal/bus"
	otelpkg "github.com/basket/simfleet/internal/otel"
	"github.com/basket/simfleet/internal/persistence"
	"github.com/basket/simfleet/internal/sweep"
)

// Ledger is the read side of the store the gateway exposes.
type Ledger interface {
	Ping(ctx context.Context) error
	CountByState(ctx context.Context) (persistence.StateCounts, error)
	GetTask(ctx context.Context, taskID int64) (*persistence.Task, error)
	ListTasks(ctx context.Context, state persistence.TaskState, afterID int64, limit int) ([]persistence.Task, error)
	ResultFor(ctx context.Context, taskID int64) (*persistence.Result, error)
	TaskEvents(ctx context.Context, taskID int64) ([]persistence.TaskEvent, error)
	ListFailures(ctx context.Context, taskID int64, limit int) ([]persistence.FailureRecord, error)
	FailureCounts(ctx context.Context) ([]persistence.FailureCount, error)
	DeadTasks(ctx context.Context, maxFailures int) ([]persistence.FailureCount, error)
}

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (sweep.Pass, error)
}

type Config struct {
	Store   Ledger
	Bus     *bus.Bus
	Sweeper Sweeper // nil disables POST /api/reconcile

	// MaxFailures is the dead-task threshold reported by /api/dead.
	MaxFailures int

	// AuthToken guards every endpoint except /healthz. Empty disables auth,
	// which is only sensible on a loopback bind.
	AuthToken string
	// AllowOrigins lists accepted cross-origin patterns for browsers,
	// applied to CORS and to websocket upgrades.
	AllowOrigins []string

	RequestsPerMinute int
	Burst             int

	ConfigFingerprint string
	Tracer            trace.Tracer
	Logger            *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimiter
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("simfleet/gateway")
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		limiter: NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
		started: time.Now(),
	}
}

// Handler returns the full middleware chain: CORS, auth, rate limiting and
// a server span per request.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/counts", s.handleCounts)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskByID)
	mux.HandleFunc("GET /api/failures", s.handleFailures)
	mux.HandleFunc("GET /api/dead", s.handleDead)
	mux.HandleFunc("POST /api/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	var h http.Handler = mux
	h = s.traced(h)
	h = s.limiter.Wrap(h)
	h = s.authenticated(h)
	h = corsMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otelpkg.StartServerSpan(r.Context(), s.tracer, "gateway "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbErr := s.cfg.Store.Ping(ctx)
	payload := map[string]any{
		"healthy":            dbErr == nil,
		"db_ok":              dbErr == nil,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Bus != nil {
		payload["bus_dropped_events"] = s.cfg.Bus.Dropped()
	}
	status := http.StatusOK
	if dbErr != nil {
		payload["error"] = dbErr.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountByState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dead, err := s.cfg.Store.DeadTasks(r.Context(), s.cfg.MaxFailures)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": counts,
		"total":  counts.Total(),
		"dead":   len(dead),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	state := persistence.TaskState(r.URL.Query().Get("state"))
	switch state {
	case "", persistence.StateNotExecuted, persistence.StateExecuting, persistence.StateExecuted, persistence.StateFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(string(state)))
		return
	}
	after := int64(intParam(r, "after", 0))
	tasks, err := s.cfg.Store.ListTasks(r.Context(), state, after, intParam(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "task id must be a positive integer")
		return
	}
	ctx := r.Context()
	task, err := s.cfg.Store.GetTask(ctx, id)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := map[string]any{"task": task}
	if res, err := s.cfg.Store.ResultFor(ctx, id); err == nil {
		var output any = string(res.Output)
		if json.Valid(res.Output) {
			output = json.RawMessage(res.Output)
		}
		out["result"] = map[string]any{
			"worker_id":         res.WorkerID,
			"execution_time_ms": res.ExecutionTime.Milliseconds(),
			"output":            output,
			"created_at":        res.CreatedAt,
		}
	} else if !errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	failures, err := s.cfg.Store.ListFailures(ctx, id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.cfg.Store.TaskEvents(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out["failures"] = failures
	out["events"] = events
	writeJSON(w, http.StatusOK, out)
}

// handleFailures lists registry rows newest first, or per-task aggregates
// with ?group=task.
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("group") == "task" {
		counts, err := s.cfg.Store.FailureCounts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": counts})
		return
	}
	taskID := int64(intParam(r, "task_id", 0))
	records, err := s.cfg.Store.ListFailures(r.Context(), taskID, intParam(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": records})
}

func (s *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	dead, err := s.cfg.Store.DeadTasks(r.Context(), s.cfg.MaxFailures)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"max_failures": s.cfg.MaxFailures, "tasks": dead})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeper not configured")
		return
	}
	pass, err := s.cfg.Sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("on-demand reconcile failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	audit.Record("allow", "gateway.reconcile", "operator_request", "gateway", r.RemoteAddr)
	writeJSON(w, http.StatusOK, pass)
}
