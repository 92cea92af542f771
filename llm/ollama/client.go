// Package ollama serves the secondary chat models from a local Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
)

// DefaultHost is used when no host is configured.
const DefaultHost = "http://localhost:11434"

// DefaultModelTags maps catalog model ids to local Ollama tags.
var DefaultModelTags = map[string]string{
	llm.ModelMixtral: "mixtral:8x7b",
	llm.ModelLlama70: "llama3.1:70b",
}

// Config configures a Client.
type Config struct {
	Host string
	// ModelTags overrides DefaultModelTags. Ids without a tag are sent as is.
	ModelTags map[string]string
}

// Client implements llm.Client for Ollama's API.
type Client struct {
	client *api.Client
	tags   map[string]string
	logger zerolog.Logger
}

var _ llm.Client = (*Client)(nil)

// NewClient creates a new Client. A nil httpClient uses http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	baseURL, err := parseHost(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	tags := make(map[string]string, len(DefaultModelTags))
	for k, v := range DefaultModelTags {
		tags[k] = v
	}
	for k, v := range cfg.ModelTags {
		tags[k] = v
	}

	return &Client{
		client: api.NewClient(baseURL, httpClient),
		tags:   tags,
		logger: logger.With().Str("component", "llm").Str("provider", "ollama").Logger(),
	}, nil
}

// parseHost parses a host string into a URL.
func parseHost(host string) (*url.URL, error) {
	// If host doesn't have a scheme, add http://
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// Name implements llm.Client.
func (c *Client) Name() string { return "ollama" }

func (c *Client) buildRequest(req *llm.Request, stream bool) (*api.ChatRequest, error) {
	if req == nil {
		return nil, llm.NewValidationError("request is required")
	}
	if req.Model == "" {
		return nil, llm.NewValidationError("model is required")
	}
	model := req.Model
	if tag, ok := c.tags[model]; ok {
		model = tag
	}
	return &api.ChatRequest{
		Model:    model,
		Messages: ToOllamaMessages(req.Messages),
		Stream:   &stream,
		Options:  toOptions(req),
	}, nil
}

// Synchronous implements llm.Client.Synchronous.
func (c *Client) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	var chatResp api.ChatResponse
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		chatResp = resp
		return nil
	})
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	return &llm.Response{
		Content:    chatResp.Message.Content,
		Model:      req.Model,
		Usage:      usageOf(chatResp),
		StopReason: chatResp.DoneReason,
	}, nil
}

// Stream implements llm.Client.Stream. The request starts on the first Next.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	chatReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("model", chatReq.Model).Msg("Stream requested")
	return newStream(ctx, c.client, chatReq), nil
}

// classifyError maps Ollama client failures onto the llm error taxonomy.
func classifyError(ctx context.Context, err error) error {
	if cerr := llm.FromContext(ctx, "ollama request cancelled"); cerr != nil {
		return cerr
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		var out *llm.Error
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			out = llm.NewRateLimitError(msg, nil, err)
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
			out = llm.NewProviderError(msg, err)
		default:
			out = llm.NewNetworkError(msg, err)
		}
		out.StatusCode = statusErr.StatusCode
		return out
	}
	return llm.NewNetworkError("ollama request failed", err)
}
