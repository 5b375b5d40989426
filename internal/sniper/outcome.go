package sniper

import (
	"fmt"
	"time"
)

// OutcomeKind tags the result of one external-call wrapper.
type OutcomeKind int

// Outcome kinds, dispatched explicitly by callers instead of using error
// types as control flow.
const (
	OutcomeOK OutcomeKind = iota
	OutcomeSkip
	OutcomeRetryAfter
	OutcomeFatal
)

// Outcome is a tagged result for operations against external collaborators:
// success, a skippable condition (not a group, already joined), a rate limit
// carrying the wait the network asked for, or a genuine failure.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

// OK returns a successful outcome.
func OK() Outcome { return Outcome{Kind: OutcomeOK} }

// Skip returns a non-fatal outcome the caller should pass over.
func Skip(reason string) Outcome { return Outcome{Kind: OutcomeSkip, Reason: reason} }

// RetryAfter signals the caller to back off and retry the same unit of work.
func RetryAfter(d time.Duration) Outcome { return Outcome{Kind: OutcomeRetryAfter, RetryAfter: d} }

// Fatal wraps a hard failure.
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeOK:
		return "ok"
	case OutcomeSkip:
		return fmt.Sprintf("skip(%s)", o.Reason)
	case OutcomeRetryAfter:
		return fmt.Sprintf("retry_after(%s)", o.RetryAfter)
	default:
		return fmt.Sprintf("fatal(%v)", o.Err)
	}
}
