package imagegen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/openai"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"
)

const imageGenerationsPath = "/images/generations"

// AIMLBackend generates images with dall-e-3 through the AIML gateway.
type AIMLBackend struct {
	apiKey    string
	baseURL   string
	transport *transport.Client
	logger    zerolog.Logger
}

var _ Backend = (*AIMLBackend)(nil)

// NewAIMLBackend creates a new AIMLBackend. An empty baseURL uses the AIML
// gateway.
func NewAIMLBackend(apiKey, baseURL string, tr *transport.Client, logger zerolog.Logger) (*AIMLBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("aiml api key is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if baseURL == "" {
		baseURL = openai.AIMLBaseURL
	}
	return &AIMLBackend{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: tr,
		logger:    logger.With().Str("component", "imagegen").Str("backend", "aiml").Logger(),
	}, nil
}

// Name implements Backend.
func (b *AIMLBackend) Name() string { return "aiml" }

// Generate implements Backend.
func (b *AIMLBackend) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(goopenai.ImageRequest{
		Prompt:         prompt,
		Model:          goopenai.CreateImageModelDallE3,
		N:              1,
		Size:           goopenai.CreateImageSize1024x1024,
		Quality:        goopenai.CreateImageQualityHD,
		Style:          goopenai.CreateImageStyleVivid,
		ResponseFormat: goopenai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", fmt.Errorf("encode image request: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.apiKey)
	header.Set("Accept", "application/json")
	header.Set("Cache-Control", "no-cache")

	resp, err := b.transport.Send(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     b.baseURL + imageGenerationsPath,
		Header:  header,
		Body:    body,
		Timeout: transport.DefaultImageTimeout,
	})
	if err != nil {
		return "", err
	}
	data, err := resp.Bytes()
	if err != nil {
		return "", err
	}

	var imgResp goopenai.ImageResponse
	if err := json.Unmarshal(data, &imgResp); err != nil {
		return "", llm.NewProviderError("invalid image response", err)
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].URL == "" {
		return "", llm.NewProviderError("no image URL in response", nil)
	}
	b.logger.Debug().Int("attempts", resp.Retry.Attempts).Msg("Image generated")
	return imgResp.Data[0].URL, nil
}
