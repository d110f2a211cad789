package unifiedllm

import "testing"

func TestGetModelInfo(t *testing.T) {
	info := GetModelInfo("gpt-4o-mini")
	if info == nil {
		t.Fatal("expected to find gpt-4o-mini")
	}
	if info.Provider != "openai" {
		t.Errorf("expected provider %q, got %q", "openai", info.Provider)
	}
	if info.ContextWindow != 128000 {
		t.Errorf("expected context window 128000, got %d", info.ContextWindow)
	}

	info = GetModelInfo("sonnet")
	if info == nil {
		t.Fatal("expected to find model by alias 'sonnet'")
	}
	if info.ID != "claude-sonnet-4-20250514" || info.Provider != "anthropic" {
		t.Errorf("unexpected entry %+v", info)
	}

	if info := GetModelInfo("nonexistent-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %v", info)
	}
}

func TestCatalogEntriesAreUsable(t *testing.T) {
	seen := make(map[string]bool)
	for _, m := range Models {
		if m.ContextWindow <= 0 || m.MaxOutput <= 0 {
			t.Errorf("%s: expected positive limits", m.ID)
		}
		if m.MaxOutput > m.ContextWindow {
			t.Errorf("%s: max output exceeds context window", m.ID)
		}
		for _, name := range append([]string{m.ID}, m.Aliases...) {
			if seen[name] {
				t.Errorf("name %q appears twice in the catalog", name)
			}
			seen[name] = true
		}
	}
}
