// Package chat streams completions from the primary provider and falls back
// to the secondary provider when the primary fails before producing output.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/ratelimit"
	"github.com/rs/zerolog"
)

// NoticeFormat is the increment emitted when switching providers. It takes
// the primary and secondary model display names.
const NoticeFormat = "%s is currently unavailable. Falling back to %s...\n\n"

// Sampling holds per-provider sampling parameters.
type Sampling struct {
	MaxTokens        int
	Temperature      *float32
	TopP             *float32
	PresencePenalty  *float32
	FrequencyPenalty *float32
}

// DefaultPrimarySampling returns the sampling used for the primary provider.
func DefaultPrimarySampling() Sampling {
	return Sampling{
		MaxTokens:        llm.DefaultMaxTokens,
		Temperature:      llm.Float32(llm.DefaultTemperature),
		TopP:             llm.Float32(0.9),
		PresencePenalty:  llm.Float32(0.6),
		FrequencyPenalty: llm.Float32(0.5),
	}
}

// DefaultSecondarySampling returns the sampling used for the secondary provider.
func DefaultSecondarySampling() Sampling {
	return Sampling{
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.Float32(llm.DefaultTemperature),
	}
}

func (s Sampling) apply(req *llm.Request) {
	req.MaxTokens = s.MaxTokens
	req.Temperature = s.Temperature
	req.TopP = s.TopP
	req.PresencePenalty = s.PresencePenalty
	req.FrequencyPenalty = s.FrequencyPenalty
}

// Completion is one chat completion request.
type Completion struct {
	// UserID identifies the caller for rate limiting.
	UserID string
	// Messages holds the prior turns followed by the new user message.
	Messages []llm.Message
	// Model is the selected catalog model id.
	Model string
	// FallbackModel optionally names the secondary model to fall back to.
	// Ids outside the secondary allow-list are replaced by the default.
	FallbackModel string
	// SystemPrompt replaces the default prompt when Messages has no system entry.
	SystemPrompt string
}

// Orchestrator opens completion streams.
type Orchestrator struct {
	primary   llm.Client
	secondary llm.Client
	limiter   ratelimit.Limiter
	registry  *llm.ModelRegistry

	primarySampling   Sampling
	secondarySampling Sampling
	pacingInterval    time.Duration
	coalesceThreshold int
	paceSecondary     bool

	logger zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry replaces the model catalog.
func WithRegistry(r *llm.ModelRegistry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With().Str("component", "chat").Logger()
	}
}

// WithPacing configures pacing of secondary output. An interval of zero
// disables the delay but keeps coalescing.
func WithPacing(interval time.Duration, threshold int) Option {
	return func(o *Orchestrator) {
		o.pacingInterval = interval
		if threshold > 0 {
			o.coalesceThreshold = threshold
		}
	}
}

// WithoutPacing passes secondary deltas through unchanged.
func WithoutPacing() Option {
	return func(o *Orchestrator) {
		o.paceSecondary = false
	}
}

// WithSampling overrides the sampling of both providers.
func WithSampling(primary, secondary Sampling) Option {
	return func(o *Orchestrator) {
		o.primarySampling = primary
		o.secondarySampling = secondary
	}
}

// New creates an Orchestrator. primary may be nil, in which case requests
// for primary models fall back immediately. limiter may be nil to disable
// rate limiting.
func New(primary, secondary llm.Client, limiter ratelimit.Limiter, opts ...Option) (*Orchestrator, error) {
	if secondary == nil {
		return nil, fmt.Errorf("secondary provider is required")
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	o := &Orchestrator{
		primary:           primary,
		secondary:         secondary,
		limiter:           limiter,
		registry:          llm.DefaultRegistry(),
		primarySampling:   DefaultPrimarySampling(),
		secondarySampling: DefaultSecondarySampling(),
		pacingInterval:    DefaultPacingInterval,
		coalesceThreshold: DefaultCoalesceThreshold,
		paceSecondary:     true,
		logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Registry returns the model catalog.
func (o *Orchestrator) Registry() *llm.ModelRegistry {
	return o.registry
}

// StreamCompletion validates c, checks the caller's message quota and
// returns a stream that contacts providers lazily on the first Next.
// No provider is contacted when an error is returned.
func (o *Orchestrator) StreamCompletion(ctx context.Context, c Completion) (*CompletionStream, error) {
	msgs, err := llm.NormalizeMessages(c.Messages, c.SystemPrompt)
	if err != nil {
		return nil, err
	}

	route := o.registry.Resolve(c.Model)
	if route.Fallback != nil && c.FallbackModel != "" {
		fb := o.registry.CoerceSecondary(c.FallbackModel)
		route.Fallback = &fb
	}

	maxTokens := o.samplingFor(route.Model).MaxTokens
	if err := llm.ValidatePromptSize(msgs, route.Model.ContextWindow, maxTokens); err != nil {
		return nil, err
	}

	if cerr := llm.FromContext(ctx, "completion cancelled"); cerr != nil {
		return nil, cerr
	}
	if _, err := ratelimit.Enforce(ctx, o.limiter, c.UserID, ratelimit.KindMessage); err != nil {
		o.logger.Info().Err(err).Str("user_id", c.UserID).Msg("Message rejected by rate limit")
		return nil, err
	}

	o.logger.Debug().
		Str("model", route.Model.ID).
		Bool("has_fallback", route.Fallback != nil).
		Int("messages", len(msgs)).
		Msg("Completion accepted")

	ctx, cancel := context.WithCancel(ctx)
	return &CompletionStream{
		ctx:      ctx,
		cancel:   cancel,
		o:        o,
		userID:   c.UserID,
		messages: msgs,
		route:    route,
		state:    StateIdle,
	}, nil
}

// Complete streams c to completion and returns the concatenated text,
// including any fallback notice.
func (o *Orchestrator) Complete(ctx context.Context, c Completion) (string, error) {
	s, err := o.StreamCompletion(ctx, c)
	if err != nil {
		return "", err
	}
	return llm.Collect(s)
}

func (o *Orchestrator) clientFor(m llm.ModelInfo) llm.Client {
	if o.registry.IsPrimary(m) {
		return o.primary
	}
	return o.secondary
}

func (o *Orchestrator) samplingFor(m llm.ModelInfo) Sampling {
	if o.registry.IsPrimary(m) {
		return o.primarySampling
	}
	return o.secondarySampling
}

func (o *Orchestrator) pacedFor(m llm.ModelInfo) bool {
	return o.paceSecondary && !o.registry.IsPrimary(m)
}
