package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// ReplicateBaseURL is the Replicate HTTP API.
	ReplicateBaseURL = "https://api.replicate.com/v1"
	// SDXLVersion pins the stability-ai/sdxl model version.
	SDXLVersion = "39ed52f2a78e934b3ba6e2a89f5b1c712de7dfea535525255b1aa35c5565e08b"

	negativePrompt = "low quality, blurry, distorted, disfigured, bad anatomy, ugly, duplicate, error, " +
		"watermark, signature, text, extra limbs, poorly drawn face, poorly drawn hands"
)

type sdxlInput struct {
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumOutputs        int     `json:"num_outputs"`
	Scheduler         string  `json:"scheduler"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	PromptStrength    float64 `json:"prompt_strength"`
}

type predictionRequest struct {
	Version string    `json:"version"`
	Input   sdxlInput `json:"input"`
}

// ReplicateBackend generates images with SDXL on Replicate. Prompts are
// enhanced before submission.
type ReplicateBackend struct {
	token     string
	baseURL   string
	transport *transport.Client
	logger    zerolog.Logger
}

var _ Backend = (*ReplicateBackend)(nil)

// NewReplicateBackend creates a new ReplicateBackend. An empty baseURL uses
// ReplicateBaseURL.
func NewReplicateBackend(token, baseURL string, tr *transport.Client, logger zerolog.Logger) (*ReplicateBackend, error) {
	if token == "" {
		return nil, fmt.Errorf("replicate api token is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if baseURL == "" {
		baseURL = ReplicateBaseURL
	}
	return &ReplicateBackend{
		token:     token,
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: tr,
		logger:    logger.With().Str("component", "imagegen").Str("backend", "replicate").Logger(),
	}, nil
}

// Name implements Backend.
func (b *ReplicateBackend) Name() string { return "replicate" }

// Generate implements Backend. It creates a prediction and waits for it to
// finish within the request.
func (b *ReplicateBackend) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(predictionRequest{
		Version: SDXLVersion,
		Input: sdxlInput{
			Prompt:            EnhancePrompt(prompt),
			NegativePrompt:    negativePrompt,
			Width:             1024,
			Height:            1024,
			NumOutputs:        1,
			Scheduler:         "K_EULER",
			NumInferenceSteps: 25,
			GuidanceScale:     7.5,
			PromptStrength:    0.8,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode prediction: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.token)
	header.Set("Prefer", "wait")

	resp, err := b.transport.Send(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     b.baseURL + "/predictions",
		Header:  header,
		Body:    body,
		Timeout: transport.DefaultImageTimeout,
	})
	if err != nil {
		return "", replicateError(err)
	}
	data, err := resp.Bytes()
	if err != nil {
		return "", err
	}
	return b.outputURL(data)
}

func (b *ReplicateBackend) outputURL(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", llm.NewProviderError("invalid prediction response", nil)
	}
	res := gjson.ParseBytes(data)
	switch status := res.Get("status").String(); status {
	case "failed", "canceled":
		msg := res.Get("error").String()
		if msg == "" {
			msg = "prediction " + status
		}
		return "", llm.NewProviderError(msg, nil)
	}

	output := res.Get("output")
	if output.IsArray() {
		output = output.Get("0")
	}
	url := output.String()
	if url == "" {
		return "", llm.NewProviderError("no image URL in generation output", nil)
	}
	if !strings.HasPrefix(url, "http") {
		return "", llm.NewProviderError("invalid image URL received from generation", nil)
	}
	b.logger.Debug().Str("id", res.Get("id").String()).Msg("Prediction completed")
	return url, nil
}

// replicateError rewrites authentication and quota failures into actionable
// messages.
func replicateError(err error) error {
	var llmErr *llm.Error
	if !errors.As(err, &llmErr) {
		return err
	}
	switch llmErr.StatusCode {
	case http.StatusUnauthorized:
		llmErr.Message = "invalid API key, check the Replicate API configuration"
	case http.StatusForbidden:
		llmErr.Message = "access forbidden, verify the Replicate API permissions"
	case http.StatusTooManyRequests:
		llmErr.Message = "rate limit exceeded, try again later"
	}
	return llmErr
}
