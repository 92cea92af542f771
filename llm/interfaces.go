package llm

import (
	"context"
)

// Client provides a provider-neutral interface for making LLM API calls.
// Implementations should handle provider-specific details internally.
type Client interface {
	// Name identifies the provider in logs and fallback notices.
	Name() string

	// Synchronous sends a request and returns a complete response.
	// This is for non-streaming use cases.
	Synchronous(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a request and returns a stream of text increments.
	// The caller should read from the returned Stream until it's done or an error occurs.
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream is a lazy, forward-only sequence of text increments.
// It is finite and not restartable: a new call is required to read again.
type Stream interface {
	// Next advances to the next increment.
	// Returns false when the stream is complete or an error occurs.
	Next() bool

	// Text returns the current increment. It is never empty after Next
	// returned true.
	Text() string

	// Err returns any error that occurred during streaming.
	// It is nil when the stream ended normally.
	Err() error

	// Close closes the stream and releases resources. It is safe to call
	// more than once.
	Close() error
}

// Collect drains s and returns the concatenated increments. The stream is
// closed before returning. On failure the partial text read so far is
// returned with the error.
func Collect(s Stream) (string, error) {
	defer s.Close() //nolint:errcheck // Close errors carry no information once drained
	var out []byte
	for s.Next() {
		out = append(out, s.Text()...)
	}
	return string(out), s.Err()
}
