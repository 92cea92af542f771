package imagegen

import (
	"context"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/ratelimit"
	"github.com/rs/zerolog"
)

// Backend turns a validated prompt into an image URL.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Image is a generated image.
type Image struct {
	URL      string
	Prompt   string
	Backend  string
	Duration time.Duration
}

// Service checks the user's image quota, validates the prompt and calls the
// backend. Usage is recorded only after a successful generation.
type Service struct {
	backend Backend
	limiter ratelimit.Limiter
	logger  zerolog.Logger
}

// NewService creates a new Service. A nil limiter disables quota checks.
func NewService(backend Backend, limiter ratelimit.Limiter, logger zerolog.Logger) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("image backend is required")
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Service{
		backend: backend,
		limiter: limiter,
		logger:  logger.With().Str("component", "imagegen").Logger(),
	}, nil
}

// Generate produces one image for prompt on behalf of userID.
func (s *Service) Generate(ctx context.Context, userID, prompt string) (*Image, error) {
	if _, err := ratelimit.Enforce(ctx, s.limiter, userID, ratelimit.KindImage); err != nil {
		return nil, err
	}
	if err := ValidatePrompt(prompt); err != nil {
		return nil, err
	}
	if err := llm.FromContext(ctx, "image generation cancelled"); err != nil {
		return nil, err
	}

	start := time.Now()
	url, err := s.backend.Generate(ctx, prompt)
	if err != nil {
		s.logger.Error().Err(err).Str("backend", s.backend.Name()).Msg("Image generation failed")
		return nil, fmt.Errorf("image generation failed: %w", err)
	}

	if err := s.limiter.Increment(ctx, userID, ratelimit.KindImage); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to record image usage")
	}

	img := &Image{
		URL:      url,
		Prompt:   prompt,
		Backend:  s.backend.Name(),
		Duration: time.Since(start),
	}
	s.logger.Info().Str("backend", img.Backend).Dur("duration", img.Duration).Msg("Image generated")
	return img, nil
}
