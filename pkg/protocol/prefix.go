package protocol

import (
	"strings"

	"mercator-hq/saturn/pkg/store"
)

// displayPrefixes maps provider types to the bracketed prefix shown in model
// lists. A prefixed model name arriving in a request pins the provider type.
var displayPrefixes = map[store.ProviderType]string{
	store.TypeGeminiCLIOAuth:     "[Gemini CLI]",
	store.TypeGeminiAntigravity:  "[Antigravity]",
	store.TypeClaudeKiroOAuth:    "[Kiro]",
	store.TypeClaudeCustom:       "[Claude]",
	store.TypeOpenAICustom:       "[OpenAI]",
	store.TypeOpenAIResponses:    "[Responses]",
	store.TypeOpenAIQwenOAuth:    "[Qwen]",
	store.TypeOpenAIIFlow:        "[iFlow]",
	store.TypeOpenAICodexOAuth:   "[Codex]",
	store.TypeClaudeOrchidsOAuth: "[Orchids]",
	store.TypeForwardAPI:         "[Forward]",
}

// PrefixModel prepends the provider's display prefix to a model name.
func PrefixModel(t store.ProviderType, model string) string {
	prefix, ok := displayPrefixes[t]
	if !ok {
		return model
	}
	return prefix + " " + model
}

// StripModelPrefix removes a leading display prefix and reports which
// provider type it named. Unprefixed names pass through unchanged.
func StripModelPrefix(model string) (string, store.ProviderType, bool) {
	if !strings.HasPrefix(model, "[") {
		return model, "", false
	}
	for t, prefix := range displayPrefixes {
		if strings.HasPrefix(model, prefix) {
			stripped := strings.TrimPrefix(model, prefix)
			return strings.TrimLeft(stripped, " "), t, true
		}
	}
	return model, "", false
}

// DialectFor maps a provider type to the wire dialect its upstream speaks.
func DialectFor(t store.ProviderType) Dialect {
	switch t {
	case store.TypeGeminiCLIOAuth, store.TypeGeminiAntigravity:
		return DialectGemini
	case store.TypeClaudeKiroOAuth, store.TypeClaudeCustom, store.TypeClaudeOrchidsOAuth:
		return DialectClaude
	case store.TypeOpenAIResponses, store.TypeOpenAICodexOAuth:
		return DialectOpenAIResponses
	default:
		return DialectOpenAI
	}
}
