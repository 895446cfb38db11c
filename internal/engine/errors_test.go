package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/persistence"
)

func TestClassify(t *testing.T) {
	boom := errors.New("exit status 3")
	tests := []struct {
		name        string
		err         error
		interrupted bool
		elapsed     time.Duration
		category    persistence.Category
		stop        StopReason
	}{
		{name: "success", err: nil},
		{name: "interrupt wins", err: boom, interrupted: true, category: persistence.CategoryUserAborted, stop: StopInterrupted},
		{name: "success survives interrupt", interrupted: true, stop: StopInterrupted},
		{name: "timeout fault", err: &executor.Fault{Reason: executor.FaultTimeout, Executor: "process", Err: context.DeadlineExceeded}, category: persistence.CategoryTimeout},
		{name: "wrapped deadline", err: fmt.Errorf("wasm: %w", context.DeadlineExceeded), category: persistence.CategoryTimeout},
		{name: "malformed stops", err: &executor.Fault{Reason: executor.FaultMalformed, Executor: "process"}, category: persistence.CategoryMalformedResult, stop: StopMalformed},
		{name: "late error is a timeout", err: boom, elapsed: 2 * time.Second, category: persistence.CategoryTimeout},
		{name: "unknown stops", err: boom, elapsed: time.Millisecond, category: persistence.CategoryUnknown, stop: StopUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, stop, detail := classify(tt.err, tt.interrupted, tt.elapsed, time.Second)
			if category != tt.category || stop != tt.stop {
				t.Fatalf("got (%q, %q), want (%q, %q)", category, stop, tt.category, tt.stop)
			}
			if tt.category != "" && detail == "" {
				t.Fatal("expected a failure detail")
			}
		})
	}
}

func TestClassify_InterruptDetail(t *testing.T) {
	_, _, detail := classify(errors.New("signal: killed"), true, 0, time.Second)
	if detail != "interrupted: signal: killed" {
		t.Fatalf("detail = %q", detail)
	}
}
