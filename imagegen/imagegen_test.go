package imagegen

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/aschepis/backscratcher/bluechat/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestValidatePrompt(t *testing.T) {
	tests := []struct {
		name    string
		prompt  string
		wantErr string
	}{
		{name: "valid", prompt: "a lighthouse at dusk"},
		{name: "trimmed to minimum", prompt: "  cat  "},
		{name: "empty", prompt: "   ", wantErr: "non-empty"},
		{name: "too short", prompt: "ab", wantErr: "at least 3"},
		{name: "too long", prompt: strings.Repeat("a", MaxPromptLength+1), wantErr: "must not exceed 500"},
		{name: "banned word", prompt: "a Violent storm", wantErr: "inappropriate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrompt(tt.prompt)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, llm.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnhancePrompt(t *testing.T) {
	got := EnhancePrompt("  a red fox ")
	assert.True(t, strings.HasPrefix(got, "a red fox, high quality"))
	assert.True(t, strings.HasSuffix(got, LightingEnhancement))
}

type fakeBackend struct {
	calls int
	url   string
	err   error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Generate(context.Context, string) (string, error) {
	f.calls++
	return f.url, f.err
}

type fakeLimiter struct {
	allowed    bool
	increments int
}

func (f *fakeLimiter) Check(context.Context, string, ratelimit.Kind) (ratelimit.Status, error) {
	return ratelimit.Status{Allowed: f.allowed}, nil
}

func (f *fakeLimiter) Increment(_ context.Context, _ string, kind ratelimit.Kind) error {
	if kind == ratelimit.KindImage {
		f.increments++
	}
	return nil
}

func TestService_Generate(t *testing.T) {
	backend := &fakeBackend{url: "https://img.example/1.png"}
	limiter := &fakeLimiter{allowed: true}
	svc, err := NewService(backend, limiter, zerolog.Nop())
	require.NoError(t, err)

	img, err := svc.Generate(context.Background(), "u1", "a lighthouse at dusk")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/1.png", img.URL)
	assert.Equal(t, "fake", img.Backend)
	assert.Equal(t, 1, limiter.increments)
}

func TestService_QuotaDeniedSkipsBackend(t *testing.T) {
	backend := &fakeBackend{url: "https://img.example/1.png"}
	limiter := &fakeLimiter{allowed: false}
	svc, err := NewService(backend, limiter, zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), "u1", "a lighthouse at dusk")
	require.Error(t, err)
	assert.True(t, llm.IsQuotaExceededError(err))
	assert.Equal(t, 0, backend.calls)
	assert.Equal(t, 0, limiter.increments)
}

func TestService_FailureIsNotCounted(t *testing.T) {
	backend := &fakeBackend{err: llm.NewProviderError("boom", nil)}
	limiter := &fakeLimiter{allowed: true}
	svc, err := NewService(backend, limiter, zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), "u1", "a lighthouse at dusk")
	require.Error(t, err)
	assert.True(t, llm.IsProviderError(err))
	assert.Contains(t, err.Error(), "image generation failed")
	assert.Equal(t, 0, limiter.increments)

	_, err = svc.Generate(context.Background(), "u1", "no")
	assert.True(t, llm.IsValidationError(err))
	assert.Equal(t, 1, backend.calls, "invalid prompts never reach the backend")
}

func TestService_Cancelled(t *testing.T) {
	backend := &fakeBackend{url: "https://img.example/1.png"}
	svc, err := NewService(backend, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Generate(ctx, "u1", "a lighthouse at dusk")
	assert.True(t, llm.IsCancelledError(err))
	assert.Equal(t, 0, backend.calls)

	_, err = NewService(nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func newTransport() *transport.Client {
	return transport.NewClient(zerolog.Nop(), transport.Options{
		Timeout:        time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
}

func TestAIMLBackend_Generate(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer aiml-key", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"created":1,"data":[{"url":"https://cdn.example/a.png"}]}`)
	}))
	defer srv.Close()

	b, err := NewAIMLBackend("aiml-key", srv.URL, newTransport(), zerolog.Nop())
	require.NoError(t, err)

	url, err := b.Generate(context.Background(), "a lighthouse")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a.png", url)
	assert.Equal(t, "dall-e-3", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "1024x1024", gjson.GetBytes(body, "size").String())
	assert.Equal(t, "hd", gjson.GetBytes(body, "quality").String())
	assert.Equal(t, "vivid", gjson.GetBytes(body, "style").String())
	assert.Equal(t, "url", gjson.GetBytes(body, "response_format").String())
	assert.Equal(t, "a lighthouse", gjson.GetBytes(body, "prompt").String(), "aiml prompts are sent as written")
}

func TestAIMLBackend_MissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	b, err := NewAIMLBackend("aiml-key", srv.URL, newTransport(), zerolog.Nop())
	require.NoError(t, err)
	_, err = b.Generate(context.Background(), "a lighthouse")
	assert.True(t, llm.IsProviderError(err))

	_, err = NewAIMLBackend("", srv.URL, newTransport(), zerolog.Nop())
	assert.Error(t, err)
}

func TestReplicateBackend_Generate(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions", r.URL.Path)
		assert.Equal(t, "wait", r.Header.Get("Prefer"))
		assert.Equal(t, "Bearer r8-token", r.Header.Get("Authorization"))
		body, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"id":"p1","status":"succeeded","output":["https://replicate.delivery/x.png"]}`)
	}))
	defer srv.Close()

	b, err := NewReplicateBackend("r8-token", srv.URL, newTransport(), zerolog.Nop())
	require.NoError(t, err)

	url, err := b.Generate(context.Background(), "a lighthouse")
	require.NoError(t, err)
	assert.Equal(t, "https://replicate.delivery/x.png", url)
	assert.Equal(t, SDXLVersion, gjson.GetBytes(body, "version").String())
	assert.Equal(t, "K_EULER", gjson.GetBytes(body, "input.scheduler").String())
	assert.Equal(t, int64(25), gjson.GetBytes(body, "input.num_inference_steps").Int())
	assert.InDelta(t, 7.5, gjson.GetBytes(body, "input.guidance_scale").Float(), 1e-9)
	assert.Equal(t, EnhancePrompt("a lighthouse"), gjson.GetBytes(body, "input.prompt").String())
}

func TestReplicateBackend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"detail":"bad token"}`, wantErr: "invalid API key"},
		{name: "forbidden", status: http.StatusForbidden, body: `{}`, wantErr: "access forbidden"},
		{name: "failed prediction", status: http.StatusOK, body: `{"status":"failed","error":"NSFW content detected"}`, wantErr: "NSFW content detected"},
		{name: "no output", status: http.StatusOK, body: `{"status":"succeeded","output":null}`, wantErr: "no image URL"},
		{name: "bad url", status: http.StatusOK, body: `{"status":"succeeded","output":["data:image/png"]}`, wantErr: "invalid image URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			b, err := NewReplicateBackend("r8-token", srv.URL, newTransport(), zerolog.Nop())
			require.NoError(t, err)
			_, err = b.Generate(context.Background(), "a lighthouse")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var llmErr *llm.Error
			assert.True(t, errors.As(err, &llmErr))
		})
	}
}

func TestService_WithRealLimiterNoTransportOnDenial(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"data":[{"url":"https://cdn.example/a.png"}]}`)
	}))
	defer srv.Close()

	b, err := NewAIMLBackend("aiml-key", srv.URL, newTransport(), zerolog.Nop())
	require.NoError(t, err)
	svc, err := NewService(b, &fakeLimiter{allowed: false}, zerolog.Nop())
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), "u1", "a lighthouse at dusk")
	assert.True(t, llm.IsQuotaExceededError(err))
	assert.Equal(t, int32(0), hits.Load())
}
