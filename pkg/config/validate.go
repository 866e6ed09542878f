package config

import (
	"fmt"
	"log/slog"

	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/store"
)

// Validate checks invariants and normalises the fallback configuration.
// A fallback entry crossing protocol families is a configuration mistake,
// not a fatal one: it is dropped with a warning so the rest of the chain
// still works.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	switch cfg.Prompt.SystemPromptMode {
	case "override", "append":
	default:
		return fmt.Errorf("systemPromptMode %q, want override or append", cfg.Prompt.SystemPromptMode)
	}
	switch cfg.Prompt.LogPrompts {
	case "", "console", "file":
	default:
		return fmt.Errorf("logPrompts %q, want console or file", cfg.Prompt.LogPrompts)
	}
	if cfg.Pool.DefaultProvider != "" &&
		!store.ValidProviderType(store.ProviderType(cfg.Pool.DefaultProvider)) {
		return fmt.Errorf("defaultProvider %q is not a known provider type", cfg.Pool.DefaultProvider)
	}

	logger := slog.Default().With("component", "config")
	for primary, chain := range cfg.Pool.ProviderFallbackChain {
		if !store.ValidProviderType(primary) {
			return fmt.Errorf("fallback chain key %q is not a known provider type", primary)
		}
		family := pool.ProtocolFamily(primary)
		kept := chain[:0]
		for _, fb := range chain {
			if !store.ValidProviderType(fb) {
				return fmt.Errorf("fallback chain for %s names unknown type %q", primary, fb)
			}
			if pool.ProtocolFamily(fb) != family {
				logger.Warn("dropping cross-family fallback entry",
					"primary", primary, "fallback", fb)
				continue
			}
			kept = append(kept, fb)
		}
		cfg.Pool.ProviderFallbackChain[primary] = kept
	}

	for model, mf := range cfg.Pool.ModelFallbackMapping {
		if !store.ValidProviderType(mf.TargetProviderType) {
			return fmt.Errorf("model fallback for %q names unknown type %q", model, mf.TargetProviderType)
		}
	}
	return nil
}
