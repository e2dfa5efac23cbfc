package surface

import (
	"fmt"
	"sort"
)

// Config carries adapter construction settings. Fields are optional; each
// adapter documents which ones it reads.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// PromptTransform, when set, is prepended to every query as a framing
	// instruction (AI assistant surfaces only).
	PromptTransform string
}

// Factory creates an adapter from config.
type Factory func(cfg Config) (Adapter, error)

var registry = map[string]Factory{}

// Register adds an adapter factory under a surface name. Adapter packages
// call this from init.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New creates a registered adapter by name.
func New(name string, cfg Config) (Adapter, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown surface: %s (available: %v)", name, Available())
	}
	return factory(cfg)
}

// Available returns the registered surface names, sorted.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
