package unifiedllm

// ModelInfo describes a model the agent knows how to size requests for.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in catalog. Providers use gollm's names.
var Models = []ModelInfo{
	// OpenAI
	{ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini", ContextWindow: 128000, MaxOutput: 16384, Aliases: []string{"4o-mini"}},
	{ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o", ContextWindow: 128000, MaxOutput: 16384, Aliases: []string{"4o"}},
	{ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1", ContextWindow: 1047576, MaxOutput: 32768},
	{ID: "gpt-4.1-mini", Provider: "openai", DisplayName: "GPT-4.1 mini", ContextWindow: 1047576, MaxOutput: 32768},
	{ID: "o3-mini", Provider: "openai", DisplayName: "o3-mini", ContextWindow: 200000, MaxOutput: 100000},

	// Anthropic
	{ID: "claude-sonnet-4-20250514", Provider: "anthropic", DisplayName: "Claude Sonnet 4", ContextWindow: 200000, MaxOutput: 64000, Aliases: []string{"sonnet", "claude-sonnet-4"}},
	{ID: "claude-3-7-sonnet-latest", Provider: "anthropic", DisplayName: "Claude 3.7 Sonnet", ContextWindow: 200000, MaxOutput: 64000, Aliases: []string{"claude-3-7-sonnet"}},
	{ID: "claude-3-5-haiku-latest", Provider: "anthropic", DisplayName: "Claude 3.5 Haiku", ContextWindow: 200000, MaxOutput: 8192, Aliases: []string{"haiku"}},

	// Groq
	{ID: "llama-3.3-70b-versatile", Provider: "groq", DisplayName: "Llama 3.3 70B", ContextWindow: 131072, MaxOutput: 32768},
}

// GetModelInfo returns the catalog entry for a model ID or alias, or nil if
// the model is unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}
