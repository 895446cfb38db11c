package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the ledger and agent instruments.
type Metrics struct {
	ClaimDuration     metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	ReconcileDuration metric.Float64Histogram
	TasksClaimed      metric.Int64Counter
	TasksExecuted     metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksReclaimed    metric.Int64Counter
	ActiveAgents      metric.Int64UpDownCounter
	GatewayRequests   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimDuration, err = meter.Float64Histogram("simfleet.claim.duration",
		metric.WithDescription("Time to claim the next task in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("simfleet.task.duration",
		metric.WithDescription("Simulation execution time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileDuration, err = meter.Float64Histogram("simfleet.reconcile.duration",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("simfleet.tasks.claimed",
		metric.WithDescription("Tasks claimed by agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExecuted, err = meter.Int64Counter("simfleet.tasks.executed",
		metric.WithDescription("Tasks finalized as executed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("simfleet.tasks.failed",
		metric.WithDescription("Failure registry entries written by agents"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReclaimed, err = meter.Int64Counter("simfleet.tasks.reclaimed",
		metric.WithDescription("Tasks returned to the queue by reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("simfleet.agents.active",
		metric.WithDescription("Number of running agent loops"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayRequests, err = meter.Int64Counter("simfleet.gateway.requests",
		metric.WithDescription("Ops gateway requests"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordClaim records one claim attempt. found is false when the queue was empty.
func (m *Metrics) RecordClaim(ctx context.Context, elapsed time.Duration, found bool) {
	if m == nil {
		return
	}
	m.ClaimDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("found", found)))
	if found {
		m.TasksClaimed.Add(ctx, 1)
	}
}

// RecordExecuted records a successful finalize.
func (m *Metrics) RecordExecuted(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, elapsed.Seconds())
	m.TasksExecuted.Add(ctx, 1)
}

// RecordFailed records a failure registry entry by category.
func (m *Metrics) RecordFailed(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.TasksFailed.Add(ctx, 1, metric.WithAttributes(AttrCategory.String(category)))
}

// RecordReconcile records one reconciliation pass.
func (m *Metrics) RecordReconcile(ctx context.Context, elapsed time.Duration, retried, reclaimed, crashLooped int) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Record(ctx, elapsed.Seconds())
	if retried > 0 {
		m.TasksReclaimed.Add(ctx, int64(retried), metric.WithAttributes(attribute.String("rule", "retry")))
	}
	if reclaimed > 0 {
		m.TasksReclaimed.Add(ctx, int64(reclaimed), metric.WithAttributes(attribute.String("rule", "lease_expiry")))
	}
	if crashLooped > 0 {
		m.TasksFailed.Add(ctx, int64(crashLooped), metric.WithAttributes(AttrCategory.String("Crash Loop")))
	}
}

// AgentStarted and AgentStopped track the number of live agent loops.
func (m *Metrics) AgentStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, 1)
}

func (m *Metrics) AgentStopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, -1)
}
