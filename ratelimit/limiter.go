// Package ratelimit enforces per-user quotas on billed operations.
//
// A Limiter is consulted before any provider call is made and incremented
// only after the operation succeeded. Two implementations exist: SQLStore
// keeps fixed-window counters in the local SQLite database and
// SupabaseClient delegates to the check_rate_limit/increment_rate_limit
// RPCs of a Supabase project.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
)

// Kind names a metered operation.
type Kind string

const (
	KindMessage Kind = "message"
	KindImage   Kind = "image"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindMessage || k == KindImage
}

// Status is the result of a quota check.
type Status struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter checks and records usage of metered operations.
type Limiter interface {
	// Check reports whether userID may perform one more operation of kind.
	Check(ctx context.Context, userID string, kind Kind) (Status, error)
	// Increment records one completed operation of kind.
	Increment(ctx context.Context, userID string, kind Kind) error
}

// Unlimited is a Limiter that allows everything and records nothing.
type Unlimited struct{}

func (Unlimited) Check(context.Context, string, Kind) (Status, error) {
	return Status{Allowed: true, Remaining: -1}, nil
}

func (Unlimited) Increment(context.Context, string, Kind) error { return nil }

// Enforce runs Check and converts a denial into a quota_exceeded error.
// Errors from the limiter itself are returned as *llm.Error; failures outside
// the taxonomy are reported as unknown.
func Enforce(ctx context.Context, l Limiter, userID string, kind Kind) (Status, error) {
	if l == nil {
		return Unlimited{}.Check(ctx, userID, kind)
	}
	status, err := l.Check(ctx, userID, kind)
	if err != nil {
		if cerr := llm.FromContext(ctx, "rate limit check"); cerr != nil {
			return Status{}, cerr
		}
		var llmErr *llm.Error
		if errors.As(err, &llmErr) {
			return Status{}, err
		}
		return Status{}, llm.NewUnknownError("rate limit check failed", err)
	}
	if !status.Allowed {
		msg := fmt.Sprintf("%s limit reached", kind)
		if !status.ResetAt.IsZero() {
			msg += ", resets at " + status.ResetAt.UTC().Format(time.RFC3339)
		}
		return status, llm.NewQuotaExceededError(msg, status.ResetAt)
	}
	return status, nil
}
