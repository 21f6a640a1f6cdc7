package stops

import "strings"

// Preset pairs a chat format with its stop markers.
type Preset struct {
	Name  string
	Stops []string
}

type presetEntry struct {
	key    string
	preset Preset
}

// knownPresets is ordered by match priority: more specific keys first.
var knownPresets = []presetEntry{
	{"qwen", Preset{Name: "ChatML (Qwen)", Stops: []string{"<|im_end|>", "<|endoftext|>"}}},
	{"smollm", Preset{Name: "ChatML (SmolLM)", Stops: []string{"<|im_end|>", "<|endoftext|>"}}},
	{"llama 3", Preset{Name: "Llama 3", Stops: []string{"<|eot_id|>", "<|end_of_text|>"}}},
	{"llama3", Preset{Name: "Llama 3", Stops: []string{"<|eot_id|>", "<|end_of_text|>"}}},
	{"gemma", Preset{Name: "Gemma", Stops: []string{"<end_of_turn>", "<eos>"}}},
	{"phi 3", Preset{Name: "Phi-3", Stops: []string{"<|end|>", "<|endoftext|>"}}},
	{"phi3", Preset{Name: "Phi-3", Stops: []string{"<|end|>", "<|endoftext|>"}}},
	{"tinyllama", Preset{Name: "Zephyr (TinyLlama)", Stops: []string{"</s>"}}},
}

// MatchPreset finds the preset for a model description or file name using a
// case-insensitive substring match with '-' and '_' treated as spaces.
func MatchPreset(description, filePath string) (Preset, bool) {
	norm := func(s string) string {
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "-", " ")
		s = strings.ReplaceAll(s, "_", " ")
		return s
	}
	desc, file := norm(description), norm(filePath)
	for _, e := range knownPresets {
		if strings.Contains(desc, e.key) || strings.Contains(file, e.key) {
			return e.preset, true
		}
	}
	return Preset{}, false
}

// ForModel builds a registry for the model. Explicit stop strings win,
// then a matching preset, then DefaultStrings.
func ForModel(description, filePath string, explicit []string) *Registry {
	if len(explicit) > 0 {
		return NewRegistry(explicit...)
	}
	if p, ok := MatchPreset(description, filePath); ok {
		return NewRegistry(p.Stops...)
	}
	return NewRegistry()
}
