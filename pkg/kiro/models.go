package kiro

import "strings"

// modelMap translates public Claude model names to CodeWhisperer internal
// identifiers. Unknown names fall through to the derived form.
var modelMap = map[string]string{
	"claude-sonnet-4-20250514":    "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-5-20250929":  "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-haiku-4-5-20251001":   "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-opus-4-20250514":      "CLAUDE_OPUS_4_20250514_V1_0",
	"claude-opus-4-1-20250805":    "CLAUDE_OPUS_4_1_20250805_V1_0",
	"claude-3-7-sonnet-20250219":  "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-haiku-20241022":   "CLAUDE_3_5_HAIKU_20241022_V1_0",
}

// UpstreamModelID maps a public model name to its CodeWhisperer identifier.
func UpstreamModelID(model string) string {
	if id, ok := modelMap[model]; ok {
		return id
	}
	// Derive: uppercase, dashes and dots to underscores, V1_0 suffix.
	derived := strings.ToUpper(model)
	derived = strings.NewReplacer("-", "_", ".", "_").Replace(derived)
	return derived + "_V1_0"
}

// KnownModels lists the public model names this path serves, for model-list
// responses.
func KnownModels() []string {
	out := make([]string, 0, len(modelMap))
	for model := range modelMap {
		out = append(out, model)
	}
	return out
}
