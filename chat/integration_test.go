package chat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/openai"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseFrame(content string) string {
	return `data: {"object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func TestOrchestrator_HTTPFallback(t *testing.T) {
	var primaryHits int32
	primarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&primaryHits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer primarySrv.Close()

	secondarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseFrame("Hi"))
		_, _ = io.WriteString(w, "data: {oops\n\n")
		_, _ = io.WriteString(w, sseFrame(" there"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer secondarySrv.Close()

	tr := transport.NewClient(zerolog.Nop(), transport.Options{
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	})
	primary, err := openai.NewClient(openai.Config{Name: llm.ProviderAIML, APIKey: "k", BaseURL: primarySrv.URL}, tr, zerolog.Nop())
	require.NoError(t, err)
	secondary, err := openai.NewClient(openai.Config{Name: llm.ProviderGroq, APIKey: "k", BaseURL: secondarySrv.URL}, tr, zerolog.Nop())
	require.NoError(t, err)

	limiter := allowAll()
	o, err := New(primary, secondary, limiter, WithPacing(0, DefaultCoalesceThreshold))
	require.NoError(t, err)

	s, err := o.StreamCompletion(context.Background(), Completion{UserID: "u1", Messages: userMessage("Hi"), Model: llm.ModelGPT4})
	require.NoError(t, err)

	got := drain(t, s)
	require.NoError(t, s.Err())
	require.NotEmpty(t, got)
	assert.Equal(t, notice, got[0])
	assert.Equal(t, notice+"Hi there", joinAll(got))
	assert.Equal(t, int32(2), atomic.LoadInt32(&primaryHits))
	assert.Equal(t, 1, limiter.increments)

	attempts := s.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, llm.ProviderAIML, attempts[0].Provider)
	assert.Equal(t, llm.ProviderGroq, attempts[1].Provider)
	assert.Equal(t, 1, attempts[1].Retry.Attempts)
}

func joinAll(parts []string) string {
	var out string
	for _, p := range parts {
		out += p
	}
	return out
}

func newHTTPClient(t *testing.T, name string, handler http.HandlerFunc) *openai.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr := transport.NewClient(zerolog.Nop(), transport.Options{
		Timeout:        2 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	c, err := openai.NewClient(openai.Config{Name: name, APIKey: "k", BaseURL: srv.URL}, tr, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestOrchestrator_JSONCompletionFromStreamingRequest(t *testing.T) {
	primary := newHTTPClient(t, llm.ProviderAIML, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"chat.completion","choices":[{"message":{"role":"assistant","content":"Hello from JSON"}}]}`)
	})
	secondary := newFakeClient("groq", script{deltas: []string{"never"}})
	limiter := allowAll()
	o := newOrchestrator(t, primary, secondary, limiter)

	s, err := o.StreamCompletion(context.Background(), Completion{Messages: userMessage("Hi"), Model: llm.ModelGPT4})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello from JSON"}, drain(t, s))
	assert.NoError(t, s.Err())
	assert.Equal(t, StateDone, s.State())
	assert.False(t, s.FellBack())
	assert.Equal(t, 0, secondary.calls())
	assert.Equal(t, 1, limiter.increments)
}

func TestOrchestrator_EmptyJSONCompletionFallsBack(t *testing.T) {
	primary := newHTTPClient(t, llm.ProviderAIML, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"chat.completion","choices":[{"message":{"role":"assistant","content":""}}]}`)
	})
	secondary := newFakeClient("groq", script{deltas: []string{"ok"}})
	limiter := allowAll()
	o := newOrchestrator(t, primary, secondary, limiter)

	s, err := o.StreamCompletion(context.Background(), Completion{Messages: userMessage("Hi"), Model: llm.ModelGPT4})
	require.NoError(t, err)

	assert.Equal(t, []string{notice, "ok"}, drain(t, s))
	assert.NoError(t, s.Err())
	assert.True(t, s.FellBack())
	assert.Equal(t, 1, limiter.increments)
}

func TestCompletionStream_CloseWhileReadBlocked(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	secondary := newHTTPClient(t, llm.ProviderGroq, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseFrame("Hi"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	limiter := allowAll()
	o := newOrchestrator(t, nil, secondary, limiter)

	s, err := o.StreamCompletion(context.Background(), Completion{Messages: userMessage("Hi"), Model: llm.ModelMixtral})
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, "Hi", s.Text())

	next := make(chan bool, 1)
	go func() { next <- s.Next() }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a pending provider read")
	}
	select {
	case ok := <-next:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, 0, limiter.increments)
	assert.Equal(t, OutcomeCancelled, s.Attempts()[0].Outcome)
}
