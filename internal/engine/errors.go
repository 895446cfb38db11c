package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/simfleet/internal/executor"
	"github.com/basket/simfleet/internal/persistence"
)

// classify maps the outcome of one execution to the registry category it is
// recorded under and the stop reason that follows. An empty category means
// the task executed. interrupted is true when the agent's own context ended:
// a unit that still succeeded is kept and the agent stops after it, any other
// outcome is recorded as a user abort.
func classify(err error, interrupted bool, elapsed, timeout time.Duration) (persistence.Category, StopReason, string) {
	switch {
	case err == nil && interrupted:
		return "", StopInterrupted, ""
	case err == nil:
		return "", "", ""
	case interrupted:
		return persistence.CategoryUserAborted, StopInterrupted, "interrupted: " + err.Error()
	case executor.HasReason(err, executor.FaultTimeout) || errors.Is(err, context.DeadlineExceeded):
		return persistence.CategoryTimeout, "", err.Error()
	case executor.HasReason(err, executor.FaultMalformed):
		return persistence.CategoryMalformedResult, StopMalformed, err.Error()
	case timeout > 0 && elapsed > timeout:
		// Errors surfacing after the deadline count as timeouts.
		return persistence.CategoryTimeout, "", fmt.Sprintf("failed after %s: %s", elapsed.Round(time.Millisecond), err)
	default:
		return persistence.CategoryUnknown, StopUnknown, err.Error()
	}
}
