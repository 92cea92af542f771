package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/sse"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

const (
	// AIMLBaseURL is the AIML gateway serving the primary model.
	AIMLBaseURL = "https://api.aimlapi.com/v1"
	// GroqBaseURL is Groq's OpenAI-compatible endpoint serving the secondary models.
	GroqBaseURL = "https://api.groq.com/openai/v1"

	chatCompletionsPath = "/chat/completions"
)

// Config configures one OpenAI-compatible vendor.
type Config struct {
	// Name identifies the vendor in logs and attempt records.
	Name    string
	APIKey  string
	BaseURL string
	// Model is used when a request does not name one.
	Model string
}

// Client implements llm.Client for OpenAI-compatible chat completion APIs.
type Client struct {
	cfg       Config
	transport *transport.Client
	logger    zerolog.Logger
}

var _ llm.Client = (*Client)(nil)

// NewClient creates a new Client.
// If apiKey is empty, it will return an error.
// If baseURL is empty, it will use the AIML gateway.
func NewClient(cfg Config, tr *transport.Client, logger zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for %s", cfg.Name)
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = AIMLBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:       cfg,
		transport: tr,
		logger:    logger.With().Str("component", "openai").Str("vendor", cfg.Name).Logger(),
	}, nil
}

// Name implements llm.Client.Name.
func (c *Client) Name() string {
	return c.cfg.Name
}

func (c *Client) buildRequest(req *llm.Request, stream bool) (transport.Request, string, error) {
	if req == nil {
		return transport.Request{}, "", llm.NewValidationError("request is required")
	}
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return transport.Request{}, "", llm.NewValidationError("model is required")
	}

	body, err := json.Marshal(ToChatCompletionRequest(req, model, stream))
	if err != nil {
		return transport.Request{}, "", llm.NewValidationError(fmt.Sprintf("failed to encode request: %v", err))
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return transport.Request{
		Method: http.MethodPost,
		URL:    c.cfg.BaseURL + chatCompletionsPath,
		Header: header,
		Body:   body,
		Stream: stream,
	}, model, nil
}

// Synchronous implements llm.Client.Synchronous.
func (c *Client) Synchronous(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	treq, model, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.Send(ctx, treq)
	if err != nil {
		return nil, err
	}
	data, err := resp.Bytes()
	if err != nil {
		return nil, err
	}
	out, err := decodeCompletion(data)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("model", model).
		Int("attempts", resp.Retry.Attempts).
		Int64("output_tokens", out.Usage.OutputTokens).
		Msg("Completion received")
	return out, nil
}

// Stream implements llm.Client.Stream. The request is sent before Stream
// returns; the returned stream decodes the event body lazily. A gateway that
// ignores the stream flag and answers with a whole JSON completion is served
// as a single increment.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	treq, model, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.Send(ctx, treq)
	if err != nil {
		return nil, err
	}

	if isJSON(resp.Header) {
		data, err := resp.Bytes()
		if err != nil {
			return nil, err
		}
		out, err := decodeCompletion(data)
		if err != nil {
			return nil, err
		}
		if out.Content == "" {
			return nil, llm.NewProviderError("empty completion in JSON response", nil)
		}
		c.logger.Debug().Str("model", model).Int("attempts", resp.Retry.Attempts).Msg("Stream answered with a JSON completion")
		return &Stream{
			Stream: &completionStream{content: out.Content},
			usage:  out.Usage,
			retry:  resp.Retry,
		}, nil
	}

	c.logger.Debug().Str("model", model).Int("attempts", resp.Retry.Attempts).Msg("Stream opened")
	dec := sse.NewDecoder(resp.Context(), resp.Body,
		sse.WithParser(parseChunk),
		sse.WithLogger(c.logger),
	)
	return &Stream{Stream: dec, decoder: dec, retry: resp.Retry}, nil
}

// decodeCompletion reads a chat.completion body. A body carrying an error
// object is a provider error.
func decodeCompletion(data []byte) (*llm.Response, error) {
	if gjson.GetBytes(data, "error").Exists() {
		if _, err := sse.ChatDelta(data); err != nil {
			return nil, err
		}
	}
	var chatResp openai.ChatCompletionResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return nil, llm.NewProviderError("invalid completion response", err)
	}
	return FromChatCompletionResponse(chatResp)
}

func isJSON(header http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
