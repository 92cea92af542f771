package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/aschepis/backscratcher/bluechat/ratelimit"
)

// piece is one increment waiting to be handed to the caller.
type piece struct {
	text  string
	paced bool
}

// CompletionStream yields the increments of one completion. It implements
// llm.Stream and is driven by the caller: providers are contacted and
// fallback decisions are made inside Next.
//
// A fallback happens at most once, only when the first provider fails with a
// fallback-eligible error before producing any increment. The fallback notice
// is delivered as its own increment ahead of the secondary output.
//
// Close may be called from another goroutine while Next is blocked on a
// provider; it aborts the in-flight request instead of waiting for it.
type CompletionStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	o        *Orchestrator
	userID   string
	messages []llm.Message
	route    llm.Route

	closed atomic.Bool
	// curMu guards current for Close; Next writes it holding both locks.
	curMu sync.Mutex

	mu       sync.Mutex
	state    State
	current  llm.Stream
	model    llm.ModelInfo
	pacer    *pacer
	pending  []piece
	partial  strings.Builder
	text     string
	err      error
	attempts []ProviderAttempt
}

var _ llm.Stream = (*CompletionStream)(nil)

// Next advances to the next increment.
func (s *CompletionStream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.text = ""
	for {
		if s.closed.Load() {
			return false
		}
		if len(s.pending) > 0 {
			p := s.pending[0]
			if p.paced && s.pacer != nil {
				if err := s.pacer.wait(s.ctx); err != nil {
					s.pending = nil
					s.terminate(err)
					return false
				}
			}
			s.pending = s.pending[1:]
			s.text = p.text
			return true
		}

		switch s.state {
		case StateIdle:
			s.state = StatePrimaryStreaming
			s.open(s.route.Model)
		case StatePrimaryStreaming, StateFallbackStreaming:
			s.pull()
		default:
			return false
		}
	}
}

// open starts an attempt against m's provider.
func (s *CompletionStream) open(m llm.ModelInfo) {
	s.model = m
	s.partial.Reset()
	s.pacer = nil
	if s.o.pacedFor(m) {
		s.pacer = newPacer(s.o.pacingInterval, s.o.coalesceThreshold)
	}

	client := s.o.clientFor(m)
	provider := m.Provider
	if client != nil {
		provider = client.Name()
	}
	s.attempts = append(s.attempts, ProviderAttempt{
		Provider:  provider,
		Model:     m.ID,
		StartedAt: time.Now(),
		Outcome:   OutcomePending,
	})

	if client == nil {
		s.handleError(llm.NewProviderError(fmt.Sprintf("provider %s is not configured", m.Provider), nil))
		return
	}

	req := &llm.Request{
		Model:    m.UpstreamModel(),
		Messages: s.messages,
	}
	s.o.samplingFor(m).apply(req)

	stream, err := client.Stream(s.ctx, req)
	if err != nil {
		s.handleError(err)
		return
	}
	s.setCurrent(stream)
	if r, ok := stream.(interface{ Retry() transport.RetryState }); ok {
		s.lastAttempt().Retry = r.Retry()
	}
}

// pull reads one delta from the current provider.
func (s *CompletionStream) pull() {
	if s.current.Next() {
		delta := s.current.Text()
		a := s.lastAttempt()
		a.Increments++
		s.partial.WriteString(delta)

		if s.pacer == nil {
			s.pending = append(s.pending, piece{text: delta})
			return
		}
		if ready := s.pacer.push(delta); ready != "" {
			s.pending = append(s.pending, piece{text: ready, paced: true})
		}
		return
	}

	if s.closed.Load() {
		s.setCurrent(nil)
		return
	}
	err := s.current.Err()
	_ = s.current.Close()
	s.setCurrent(nil)
	s.flushPacer()

	if err != nil {
		s.handleError(err)
		return
	}

	s.finishAttempt(OutcomeSucceeded, nil)
	s.state = StateDone
	if err := s.o.limiter.Increment(s.ctx, s.userID, ratelimit.KindMessage); err != nil {
		s.o.logger.Error().Err(err).Str("user_id", s.userID).Msg("Failed to record message usage")
	}
}

func (s *CompletionStream) flushPacer() {
	if s.pacer == nil {
		return
	}
	if rest := s.pacer.flush(); rest != "" {
		s.pending = append(s.pending, piece{text: rest, paced: true})
	}
}

// handleError ends the current attempt and decides between fallback and a
// terminal failure.
func (s *CompletionStream) handleError(err error) {
	err = s.classify(err)
	if llm.IsCancelledError(err) {
		s.pending = nil
		s.finishAttempt(OutcomeCancelled, err)
		s.state = StateCancelled
		s.err = err
		return
	}

	a := s.finishAttempt(OutcomeFailed, err)
	if s.state == StatePrimaryStreaming && a.Increments == 0 && s.route.Fallback != nil && llm.IsFallbackEligible(err) {
		fb := *s.route.Fallback
		s.o.logger.Warn().
			Err(err).
			Str("from", s.model.ID).
			Str("to", fb.ID).
			Msg("Primary provider failed, falling back")
		s.pending = append(s.pending, piece{text: fmt.Sprintf(NoticeFormat, s.model.DisplayName(), fb.DisplayName())})
		s.state = StateFallbackStreaming
		s.open(fb)
		return
	}

	s.state = StateFailed
	s.err = err
}

// terminate stops the stream with err without fallback.
func (s *CompletionStream) terminate(err error) {
	err = s.classify(err)
	if s.current != nil {
		_ = s.current.Close()
		s.setCurrent(nil)
	}
	outcome, state := OutcomeFailed, StateFailed
	if llm.IsCancelledError(err) {
		outcome, state = OutcomeCancelled, StateCancelled
	}
	if len(s.attempts) > 0 && s.lastAttempt().Outcome == OutcomePending {
		s.finishAttempt(outcome, err)
	}
	s.state = state
	s.err = err
}

// classify maps err onto the caller-facing taxonomy. A finished caller
// context takes precedence over whatever the provider reported.
func (s *CompletionStream) classify(err error) error {
	if cerr := llm.FromContext(s.ctx, "completion cancelled"); cerr != nil {
		if llm.IsTimeoutError(err) {
			return err
		}
		return cerr
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return err
	}
	return llm.NewUnknownError("provider stream failed", err)
}

func (s *CompletionStream) setCurrent(st llm.Stream) {
	s.curMu.Lock()
	s.current = st
	s.curMu.Unlock()
}

func (s *CompletionStream) lastAttempt() *ProviderAttempt {
	return &s.attempts[len(s.attempts)-1]
}

func (s *CompletionStream) finishAttempt(outcome Outcome, err error) ProviderAttempt {
	a := s.lastAttempt()
	a.Outcome = outcome
	a.Err = err
	a.Partial = s.partial.String()
	a.FinishedAt = time.Now()

	ev := s.o.logger.Info()
	if err != nil {
		ev = s.o.logger.Warn().Err(err)
	}
	ev.Str("provider", a.Provider).
		Str("model", a.Model).
		Str("outcome", string(a.Outcome)).
		Int("increments", a.Increments).
		Int("transport_attempts", a.Retry.Attempts).
		Dur("duration", a.Duration()).
		Msg("Provider attempt finished")
	return *a
}

// Text returns the current increment.
func (s *CompletionStream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Err returns the terminal error, or nil when the stream completed.
func (s *CompletionStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *CompletionStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the provider attempts made so far.
func (s *CompletionStream) Attempts() []ProviderAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProviderAttempt(nil), s.attempts...)
}

// FellBack reports whether the secondary provider was used as a fallback.
func (s *CompletionStream) FellBack() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route.Fallback != nil && len(s.attempts) > 1
}

// Model returns the catalog model currently or last streamed from.
func (s *CompletionStream) Model() llm.ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Close abandons the stream and releases its resources. Closing a finished
// stream is a no-op.
func (s *CompletionStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	// Unblock a Next waiting on the provider before taking mu.
	s.curMu.Lock()
	current := s.current
	s.curMu.Unlock()
	var err error
	if current != nil {
		err = current.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return nil
	}
	if s.current != nil && s.current != current {
		err = s.current.Close()
	}
	s.setCurrent(nil)
	if len(s.attempts) > 0 && s.lastAttempt().Outcome == OutcomePending {
		s.finishAttempt(OutcomeCancelled, nil)
	}
	s.pending = nil
	s.state = StateCancelled
	return err
}
