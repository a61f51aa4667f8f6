// Package worker adapts the durable queue into a two-role runtime: an
// io worker claims SEC/vendor fetch jobs, a compute worker claims
// parse/aggregate/derive jobs. Both roles share the same claim/run/
// report loop and the same handler table, and differ only in which job
// types they're allowed to claim.
package worker

import "time"

// Outcome is what a Handler reports back to the runtime after running
// one job. Exactly one of the three constructors below should be used
// to build it.
type Outcome struct {
	kind       outcomeKind
	reason     string
	err        error
	retryAfter time.Duration
}

type outcomeKind int

const (
	kindSuccess outcomeKind = iota
	kindDeferred
	kindError
)

// Success marks the job done.
func Success() Outcome {
	return Outcome{kind: kindSuccess}
}

// Deferred returns the job to pending without consuming a retry
// attempt, for a handler that can't proceed yet for a reason outside
// its control (an upstream job hasn't finished). reason is recorded on
// the job row as last_error so an operator can see why it's waiting.
func Deferred(reason string, after time.Duration) Outcome {
	return Outcome{kind: kindDeferred, reason: reason, retryAfter: after}
}

// Error marks the attempt failed. The runtime consumes a retry
// attempt and backs off by after (or the queue's default if zero).
func Error(err error, after time.Duration) Outcome {
	return Outcome{kind: kindError, err: err, retryAfter: after}
}
