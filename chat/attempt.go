package chat

import (
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm/transport"
)

// State is the lifecycle state of a CompletionStream.
type State int

const (
	StateIdle State = iota
	StatePrimaryStreaming
	StateFallbackStreaming
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrimaryStreaming:
		return "primary_streaming"
	case StateFallbackStreaming:
		return "fallback_streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further increments can follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Outcome is the result of one provider attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ProviderAttempt records one provider call made for a request.
type ProviderAttempt struct {
	Provider   string
	Model      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	// Increments counts the deltas received from the provider.
	Increments int
	// Partial is the text received from the provider so far.
	Partial string
	Retry   transport.RetryState
	Err     error
}

// Duration returns how long the attempt ran.
func (a ProviderAttempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return time.Since(a.StartedAt)
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
