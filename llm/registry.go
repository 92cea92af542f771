package llm

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
)

const (
	ProviderAIML = "aiml"
	ProviderGroq = "groq"
)

// Catalog model identifiers. These are the ids a caller selects; the
// upstream model actually requested from the vendor may differ.
const (
	ModelGPT4    = "gpt-4"
	ModelMixtral = "mixtral-8x7b-32768"
	ModelLlama70 = "llama-3.1-70b-versatile"
)

// ModelInfo describes a selectable model.
type ModelInfo struct {
	ID            string
	Name          string
	ShortName     string // Used in user-facing notices; empty means Name
	Description   string
	Provider      string
	Upstream      string // Model id sent to the vendor; empty means ID
	ContextWindow int    // Maximum prompt size in tokens
}

// UpstreamModel returns the model id to send to the vendor.
func (m ModelInfo) UpstreamModel() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.ID
}

// DisplayName returns the name used in user-facing notices.
func (m ModelInfo) DisplayName() string {
	if m.ShortName != "" {
		return m.ShortName
	}
	return m.Name
}

// DefaultModels is the built-in model catalog.
var DefaultModels = []ModelInfo{
	{
		ID:            ModelGPT4,
		Name:          "GPT-4",
		Description:   "Most advanced model for complex tasks",
		Provider:      ProviderAIML,
		Upstream:      "gpt-4o-mini-2024-07-18",
		ContextWindow: 32768,
	},
	{
		ID:            ModelMixtral,
		Name:          "Mixtral 8x7B",
		ShortName:     "Mixtral",
		Description:   "Balanced performance and efficiency",
		Provider:      ProviderGroq,
		ContextWindow: 32768,
	},
	{
		ID:            ModelLlama70,
		Name:          "LLaMA3 70B",
		ShortName:     "LLaMA3",
		Description:   "Fast and efficient model",
		Provider:      ProviderGroq,
		ContextWindow: 32768,
	},
}

// Route is the resolved provider plan for one request.
type Route struct {
	Model    ModelInfo
	Fallback *ModelInfo // nil when the selected model is already the secondary
}

// ModelRegistry resolves model ids to providers and enforces the secondary
// provider's allow-list.
type ModelRegistry struct {
	mu               sync.RWMutex
	models           []ModelInfo
	primaryProvider  string
	defaultSecondary string
}

// NewModelRegistry creates a registry over models. primaryProvider names the
// provider whose models fall back to defaultSecondary on failure.
func NewModelRegistry(models []ModelInfo, primaryProvider, defaultSecondary string) (*ModelRegistry, error) {
	r := &ModelRegistry{
		models:           append([]ModelInfo(nil), models...),
		primaryProvider:  primaryProvider,
		defaultSecondary: defaultSecondary,
	}
	def, ok := r.lookupUnlocked(defaultSecondary)
	if !ok {
		return nil, fmt.Errorf("default secondary model %q is not in the catalog", defaultSecondary)
	}
	if def.Provider == primaryProvider {
		return nil, fmt.Errorf("default secondary model %q belongs to the primary provider", defaultSecondary)
	}
	return r, nil
}

// DefaultRegistry returns the registry for the built-in catalog.
func DefaultRegistry() *ModelRegistry {
	r, err := NewModelRegistry(DefaultModels, ProviderAIML, ModelMixtral)
	if err != nil {
		panic(err)
	}
	return r
}

// Models returns a copy of the catalog.
func (r *ModelRegistry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ModelInfo(nil), r.models...)
}

// Lookup returns the catalog entry for id.
func (r *ModelRegistry) Lookup(id string) (ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupUnlocked(id)
}

func (r *ModelRegistry) lookupUnlocked(id string) (ModelInfo, bool) {
	return lo.Find(r.models, func(m ModelInfo) bool { return m.ID == id })
}

// IsPrimary reports whether m is served by the primary provider.
func (r *ModelRegistry) IsPrimary(m ModelInfo) bool {
	return m.Provider == r.primaryProvider
}

// SecondaryModels returns the allow-list of models served by secondary providers.
func (r *ModelRegistry) SecondaryModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.FilterMap(r.models, func(m ModelInfo, _ int) (string, bool) {
		return m.ID, m.Provider != r.primaryProvider
	})
}

// CoerceSecondary returns the catalog entry for id when it is on the
// secondary allow-list, and the default secondary model otherwise.
func (r *ModelRegistry) CoerceSecondary(id string) ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.lookupUnlocked(id); ok && m.Provider != r.primaryProvider {
		return m
	}
	m, _ := r.lookupUnlocked(r.defaultSecondary)
	return m
}

// Resolve returns the route for a selected model id. Primary-provider models
// get the default secondary as fallback. Anything else is coerced onto the
// secondary allow-list and streamed without fallback.
func (r *ModelRegistry) Resolve(id string) Route {
	if m, ok := r.Lookup(id); ok && m.Provider == r.primaryProvider {
		fb := r.CoerceSecondary("")
		return Route{Model: m, Fallback: &fb}
	}
	return Route{Model: r.CoerceSecondary(id)}
}
