package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr := transport.NewClient(zerolog.Nop(), transport.Options{
		Timeout:        2 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})
	c, err := NewClient(Config{Name: "test", APIKey: "key", BaseURL: srv.URL + "/"}, tr, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	tr := transport.NewClient(zerolog.Nop(), transport.DefaultOptions())
	_, err := NewClient(Config{Name: "groq"}, tr, zerolog.Nop())
	assert.Error(t, err)
}

func TestClient_Synchronous(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &got))

		_, _ = io.WriteString(w, `{"id":"x","model":"mixtral-8x7b-32768","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	})

	resp, err := c.Synchronous(context.Background(), &llm.Request{
		Model:       llm.ModelMixtral,
		Messages:    []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hi")},
		MaxTokens:   2048,
		Temperature: llm.Float32(0.7),
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, int64(2), resp.Usage.OutputTokens)

	assert.Equal(t, llm.ModelMixtral, got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, 2048, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 0.0001)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, got.Messages[0].Role)
}

func TestClient_SynchronousNoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})

	_, err := c.Synchronous(context.Background(), &llm.Request{Model: "m", Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hi")}})
	assert.True(t, llm.IsProviderError(err))
}

func TestClient_Stream(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":"Hi"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: {broken\n\n")
		_, _ = io.WriteString(w, `data: {"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"content":" there"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := c.Stream(context.Background(), &llm.Request{
		Model:    "m",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hi")},
	})
	require.NoError(t, err)

	text, err := llm.Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.True(t, got.Stream)
}

func TestClient_StreamJSONCompletion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `{"object":"chat.completion","model":"m","choices":[{"message":{"role":"assistant","content":"Hello from JSON"}}],"usage":{"prompt_tokens":3,"completion_tokens":4}}`)
	})

	stream, err := c.Stream(context.Background(), &llm.Request{Model: "m", Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hi")}})
	require.NoError(t, err)

	usage := stream.(*Stream).Usage()
	require.NotNil(t, usage)
	assert.Equal(t, int64(4), usage.OutputTokens)

	require.True(t, stream.Next())
	assert.Equal(t, "Hello from JSON", stream.Text())
	assert.False(t, stream.Next())
	assert.NoError(t, stream.Err())
}

func TestClient_StreamJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"error object", `{"error":{"message":"upstream overloaded"}}`},
		{"empty content", `{"object":"chat.completion","choices":[{"message":{"content":""}}]}`},
		{"no choices", `{"object":"chat.completion","choices":[]}`},
		{"not json", `<html>gateway</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Stream(context.Background(), &llm.Request{Model: "m", Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hi")}})
			require.Error(t, err)
			assert.True(t, llm.IsProviderError(err), "got %v", err)
			assert.True(t, llm.IsFallbackEligible(err))
		})
	}
}

func TestClient_StreamProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"The model has been decommissioned","code":"model_decommissioned"}}`)
	})

	_, err := c.Stream(context.Background(), &llm.Request{Model: "m", Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hi")}})
	require.Error(t, err)
	assert.True(t, llm.IsProviderError(err))
	assert.Contains(t, err.Error(), "decommissioned")
}

func TestClient_ModelRequired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.Stream(context.Background(), &llm.Request{Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hi")}})
	assert.True(t, llm.IsValidationError(err))
}

func TestToChatCompletionRequest_Sampling(t *testing.T) {
	req := &llm.Request{
		Messages:         []llm.Message{llm.NewTextMessage(llm.RoleSystem, "sys"), llm.NewTextMessage(llm.RoleUser, "u")},
		TopP:             llm.Float32(0.9),
		PresencePenalty:  llm.Float32(0.6),
		FrequencyPenalty: llm.Float32(0.5),
	}
	chatReq := ToChatCompletionRequest(req, "gpt-4o-mini-2024-07-18", true)

	assert.Equal(t, "gpt-4o-mini-2024-07-18", chatReq.Model)
	assert.InDelta(t, 0.9, chatReq.TopP, 0.0001)
	assert.InDelta(t, 0.6, chatReq.PresencePenalty, 0.0001)
	assert.InDelta(t, 0.5, chatReq.FrequencyPenalty, 0.0001)
	require.NotNil(t, chatReq.StreamOptions)
	assert.True(t, chatReq.StreamOptions.IncludeUsage)
	assert.Equal(t, openai.ChatMessageRoleSystem, chatReq.Messages[0].Role)
}

func TestParseChunk(t *testing.T) {
	f, err := parseChunk([]byte(`{"model":"m","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	require.NoError(t, err)
	assert.Empty(t, f.Text)
	require.NotNil(t, f.Usage)
	assert.Equal(t, int64(4), f.Usage.OutputTokens)

	_, err = parseChunk([]byte(`{"error":{"message":"boom"}}`))
	assert.True(t, llm.IsProviderError(err))
}
