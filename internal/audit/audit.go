// Package audit keeps an append-only trail of operator and fleet actions
// that change the ledger outside the normal claim/finalize path.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/simfleet/internal/shared"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// Sink persists audit entries next to the ledger, typically the audit_log table.
type Sink interface {
	InsertAudit(ctx context.Context, e Entry) error
}

var (
	mu         sync.Mutex
	file       *os.File
	sink       Sink
	fatalCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetSink configures where entries are mirrored besides audit.jsonl. nil disables it.
func SetSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	sink = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FatalCount returns the number of "fatal" decisions recorded since startup.
func FatalCount() int64 {
	return fatalCount.Load()
}

// Record appends an entry. It must not be called while holding a ledger transaction.
func Record(decision, action, reason, actor, subject string) {
	if decision == "fatal" {
		fatalCount.Add(1)
	}

	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Actor:     actor,
		Subject:   shared.Redact(subject),
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(e)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sink.InsertAudit(ctx, e)
		cancel()
	}
}
