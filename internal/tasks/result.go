// Package tasks runs background work on a fixed worker pool with bounded
// retries.
package tasks

import "fmt"

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetryable
	outcomeFatal
)

// Result is the outcome of one task attempt: Ok, Retryable or Fatal.
type Result struct {
	outcome outcome
	Value   interface{}
	Err     error
}

// Ok is a successful attempt.
func Ok(v interface{}) Result {
	return Result{outcome: outcomeOK, Value: v}
}

// Retryable is a transient failure; the runner tries again after the task's backoff.
func Retryable(err error) Result {
	return Result{outcome: outcomeRetryable, Err: err}
}

// Fatal is a failure that retrying cannot fix.
func Fatal(err error) Result {
	return Result{outcome: outcomeFatal, Err: err}
}

func (r Result) IsOk() bool        { return r.outcome == outcomeOK }
func (r Result) IsRetryable() bool { return r.outcome == outcomeRetryable }
func (r Result) IsFatal() bool     { return r.outcome == outcomeFatal }

func (r Result) String() string {
	switch r.outcome {
	case outcomeOK:
		return "ok"
	case outcomeRetryable:
		return fmt.Sprintf("retryable: %v", r.Err)
	default:
		return fmt.Sprintf("fatal: %v", r.Err)
	}
}
