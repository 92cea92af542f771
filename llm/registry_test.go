package llm

import (
	"testing"
)

func TestModelRegistry_Lookup(t *testing.T) {
	registry := DefaultRegistry()

	m, ok := registry.Lookup(ModelGPT4)
	if !ok {
		t.Fatal("gpt-4 should be in the catalog")
	}
	if m.Provider != ProviderAIML {
		t.Errorf("Expected gpt-4 to be served by %s, got %s", ProviderAIML, m.Provider)
	}
	if m.UpstreamModel() != "gpt-4o-mini-2024-07-18" {
		t.Errorf("Unexpected upstream model %q", m.UpstreamModel())
	}

	if _, ok := registry.Lookup("gpt-5"); ok {
		t.Error("gpt-5 should not be in the catalog")
	}
}

func TestModelRegistry_SecondaryModels(t *testing.T) {
	registry := DefaultRegistry()
	got := registry.SecondaryModels()
	if len(got) != 2 || got[0] != ModelMixtral || got[1] != ModelLlama70 {
		t.Errorf("Unexpected secondary allow-list %v", got)
	}
}

func TestModelRegistry_CoerceSecondary(t *testing.T) {
	registry := DefaultRegistry()

	tests := []struct {
		in   string
		want string
	}{
		{ModelLlama70, ModelLlama70},
		{ModelMixtral, ModelMixtral},
		{"unknown-model", ModelMixtral},
		{ModelGPT4, ModelMixtral},
		{"", ModelMixtral},
	}
	for _, tt := range tests {
		if got := registry.CoerceSecondary(tt.in).ID; got != tt.want {
			t.Errorf("CoerceSecondary(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestModelRegistry_Resolve(t *testing.T) {
	registry := DefaultRegistry()

	route := registry.Resolve(ModelGPT4)
	if route.Model.ID != ModelGPT4 {
		t.Errorf("Expected gpt-4 route, got %s", route.Model.ID)
	}
	if route.Fallback == nil || route.Fallback.ID != ModelMixtral {
		t.Errorf("Expected mixtral fallback, got %+v", route.Fallback)
	}

	route = registry.Resolve(ModelLlama70)
	if route.Model.ID != ModelLlama70 || route.Fallback != nil {
		t.Errorf("Expected direct llama route without fallback, got %+v", route)
	}

	route = registry.Resolve("made-up")
	if route.Model.ID != ModelMixtral || route.Fallback != nil {
		t.Errorf("Expected unknown model to be coerced to mixtral, got %+v", route)
	}
}

func TestNewModelRegistry_InvalidDefault(t *testing.T) {
	if _, err := NewModelRegistry(DefaultModels, ProviderAIML, "nope"); err == nil {
		t.Error("Expected error for unknown default secondary")
	}
	if _, err := NewModelRegistry(DefaultModels, ProviderAIML, ModelGPT4); err == nil {
		t.Error("Expected error for a primary model as default secondary")
	}
}

func TestModelInfo_DisplayName(t *testing.T) {
	registry := DefaultRegistry()
	m, _ := registry.Lookup(ModelMixtral)
	if m.DisplayName() != "Mixtral" {
		t.Errorf("Expected short name Mixtral, got %q", m.DisplayName())
	}
	m, _ = registry.Lookup(ModelGPT4)
	if m.DisplayName() != "GPT-4" {
		t.Errorf("Expected GPT-4, got %q", m.DisplayName())
	}
}
