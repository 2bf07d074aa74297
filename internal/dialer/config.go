package dialer

import (
	"context"
	"errors"
	"sync"
)

// ProviderConfig holds one owner's dial credentials.
//
// The voice-agent path is selected when both AgentID (from the request,
// campaign, or this config) and AgentAPIKey are present; otherwise the native
// telephony path is used. Both paths route through the same telephony
// account, so polling always uses the Twilio credentials.
type ProviderConfig struct {
	TwilioAccountSID string
	TwilioAuthToken  string
	FromNumber       string

	AgentID            string
	AgentAPIKey        string
	AgentPhoneNumberID string
}

var ErrConfigNotFound = errors.New("dialer: provider config not found")

// ConfigResolver resolves an owner's dial credentials. Implementations may
// hit storage; wrap with NewCachingResolver inside a single scheduler tick to
// avoid redundant lookups. Never cache across ticks; credentials go stale.
type ConfigResolver interface {
	Resolve(ctx context.Context, ownerID string) (ProviderConfig, error)
}

// StaticResolver serves the platform-level fallback credentials to every
// owner. Useful for single-tenant deployments and tests.
type StaticResolver struct {
	Config ProviderConfig
}

func (r StaticResolver) Resolve(ctx context.Context, ownerID string) (ProviderConfig, error) {
	return r.Config, nil
}

// CachingResolver memoizes lookups for the lifetime of one scheduler tick.
type CachingResolver struct {
	inner ConfigResolver

	mu    sync.Mutex
	cache map[string]ProviderConfig
}

func NewCachingResolver(inner ConfigResolver) *CachingResolver {
	return &CachingResolver{inner: inner, cache: map[string]ProviderConfig{}}
}

func (r *CachingResolver) Resolve(ctx context.Context, ownerID string) (ProviderConfig, error) {
	r.mu.Lock()
	if cfg, ok := r.cache[ownerID]; ok {
		r.mu.Unlock()
		return cfg, nil
	}
	r.mu.Unlock()

	cfg, err := r.inner.Resolve(ctx, ownerID)
	if err != nil {
		return ProviderConfig{}, err
	}

	r.mu.Lock()
	r.cache[ownerID] = cfg
	r.mu.Unlock()
	return cfg, nil
}
