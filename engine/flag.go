package engine

import "sync"

// FlagProvider answers boolean feature-flag lookups for the featureFlag
// gateway strategy. Implementations may call out to an external flag
// service and may return an error; the strategy converts provider errors
// into a fallback decision rather than failing the instance.
type FlagProvider interface {
	IsEnabled(flagKey string) (bool, error)
}

// StaticFlagProvider is an in-memory FlagProvider for tests and for
// embedding applications without a flag service. Flags default to off.
type StaticFlagProvider struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewStaticFlagProvider creates a provider seeded with the given flags.
func NewStaticFlagProvider(flags map[string]bool) *StaticFlagProvider {
	m := make(map[string]bool, len(flags))
	for k, v := range flags {
		m[k] = v
	}
	return &StaticFlagProvider{flags: m}
}

// IsEnabled implements FlagProvider. Unknown flags are off, not errors.
func (p *StaticFlagProvider) IsEnabled(flagKey string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flags[flagKey], nil
}

// Set updates a flag value at runtime.
func (p *StaticFlagProvider) Set(flagKey string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags[flagKey] = enabled
}
