package bus

// Ledger topics. Everything the ledger emits starts with "ledger.".
const (
	TopicLedger          = "ledger."
	TopicTaskClaimed     = "ledger.task.claimed"
	TopicTaskExecuted    = "ledger.task.executed"
	TopicTaskFailed      = "ledger.task.failed"
	TopicTaskReclaimed   = "ledger.task.reclaimed"
	TopicTaskDead        = "ledger.task.dead"
	TopicLedgerReset     = "ledger.reset"
	TopicTasksGenerated  = "ledger.generated"
	TopicReconcileFinish = "ledger.reconciled"
)

// Fleet topics describe worker lifecycles rather than ledger rows.
const (
	TopicFleet         = "fleet."
	TopicWorkerStarted = "fleet.worker.started"
	TopicWorkerStopped = "fleet.worker.stopped"
)

// TaskEvent is the payload of every ledger.task.* topic.
type TaskEvent struct {
	TaskID   int64  `json:"task_id"`
	WorkerID string `json:"worker_id,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ReconcileEvent summarizes one reconciliation pass.
type ReconcileEvent struct {
	Retried     int  `json:"retried"`
	Reclaimed   int  `json:"reclaimed"`
	CrashLooped int  `json:"crash_looped"`
	Available   bool `json:"available"`
}

// LedgerEvent reports bulk operator changes.
type LedgerEvent struct {
	Affected int64  `json:"affected"`
	Detail   string `json:"detail,omitempty"`
}

// WorkerEvent is the payload of fleet.worker.* topics.
type WorkerEvent struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
	Executed int    `json:"executed"`
	Failed   int    `json:"failed"`
}
