// Package llm provides a provider-neutral abstraction layer for chat completion APIs.
//
// This package defines common types, interfaces, and utilities that allow the codebase
// to work with multiple OpenAI-compatible vendors (the AIML gateway, Groq, etc.) without
// being coupled to any one of them.
//
// # Core Concepts
//
//  1. Messages: The Message type represents a conversation message with a role
//     (system, user, assistant) and text content. NormalizeMessages enforces the
//     request shape: one leading system entry, prior turns, one trailing user entry.
//
//  2. Client Interface: The Client interface provides Synchronous() for non-streaming calls
//     and Stream() for streaming calls. Implementations handle provider-specific details.
//
//  3. Stream Interface: Stream is a pull-based iterator of text increments
//     (Next, Text, Err, Close). Cancellation flows through the context given to
//     Client.Stream and is observed at every Next.
//
//  4. Models: ModelRegistry maps the selectable model ids to providers, resolves
//     fallback routes and coerces unknown ids onto the secondary allow-list.
//
//  5. Errors: The Error type provides provider-neutral error handling. Every failure
//     surfaced to callers is one of validation, network, timeout, cancelled, provider,
//     rate_limit or quota_exceeded.
//
// Usage Example
//
//	msgs, err := llm.BuildMessages(history, "Hello!", persona.SystemPrompt)
//	if err != nil {
//	    return err
//	}
//
//	stream, err := client.Stream(ctx, &llm.Request{Model: "mixtral-8x7b-32768", Messages: msgs})
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for stream.Next() {
//	    fmt.Print(stream.Text())
//	}
//	return stream.Err()
//
// # Extension Points
//
// To add a new provider:
//  1. Implement the Client interface
//  2. Translate between provider-specific types and llm package types
//  3. Handle provider-specific errors and translate to llm.Error types
package llm
