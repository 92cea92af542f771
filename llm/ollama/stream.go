package ollama

import (
	"context"
	"sync"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/ollama/ollama/api"
)

// stream implements llm.Stream over Ollama's callback-based chat API. The
// request runs in a goroutine that appends deltas as they arrive.
type stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	client  *api.Client
	req     *api.ChatRequest
	deltas  []string
	current int
	mu      sync.Mutex
	cond    *sync.Cond // Signalled when deltas grow or the stream ends
	err     error
	done    bool
	closed  bool
	started bool
	usage   *llm.Usage
}

func newStream(ctx context.Context, client *api.Client, req *api.ChatRequest) *stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:     ctx,
		cancel:  cancel,
		client:  client,
		req:     req,
		current: -1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next advances to the next delta.
func (s *stream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		go s.run()
	}

	if s.closed {
		return false
	}
	s.current++
	for s.current >= len(s.deltas) && !s.done {
		s.cond.Wait()
	}
	return s.current < len(s.deltas)
}

// Text returns the current delta.
func (s *stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 || s.current >= len(s.deltas) {
		return ""
	}
	return s.deltas[s.current]
}

// Err returns any error that occurred during streaming.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Usage returns the token counts reported with the final chunk.
func (s *stream) Usage() *llm.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Close stops the request and releases resources.
func (s *stream) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.done = true
	s.cond.Broadcast()
	return nil
}

func (s *stream) run() {
	err := s.client.Chat(s.ctx, s.req, func(resp api.ChatResponse) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Ollama sends incremental deltas, not cumulative content.
		if resp.Message.Content != "" {
			s.deltas = append(s.deltas, resp.Message.Content)
			s.cond.Broadcast()
		}
		if resp.Done {
			s.usage = usageOf(resp)
		}
		return nil
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil && !s.closed {
		s.err = classifyError(s.ctx, err)
	}
	s.done = true
	s.cond.Broadcast()
}
