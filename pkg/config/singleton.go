package config

import "sync"

var (
	current *Config
	mu      sync.RWMutex
)

// Current returns the process-wide configuration, nil before Replace.
func Current() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Replace installs a new process-wide configuration.
func Replace(cfg *Config) {
	mu.Lock()
	current = cfg
	mu.Unlock()
}
