/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vasayxtx/go-glob"
)

// Registry holds named limiter policies and is the single entry point for
// admission checks. It is safe for concurrent use. Limiter state is kept per
// policy, so two policies never share counters even with identical settings.
type Registry struct {
	policies map[string]*registryPolicy
}

type registryPolicy struct {
	strategy PartitionStrategy
	limiter  limiter

	// matchKey reports whether the key is subject to limiting.
	// nil means all keys are.
	matchKey func(key string) bool
}

// RegistryOption customizes Registry construction.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	now func() time.Time
}

// WithTimeNowFunc overrides the time source used by limiters. Intended for tests.
func WithTimeNowFunc(now func() time.Time) RegistryOption {
	return func(o *registryOptions) {
		o.now = now
	}
}

// NewRegistry builds a Registry from the validated configuration.
// Any invalid policy makes construction fail with *ConfigurationError.
func NewRegistry(cfg *Config, options ...RegistryOption) (*Registry, error) {
	opts := registryOptions{now: time.Now}
	for _, opt := range options {
		opt(&opts)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policies := make(map[string]*registryPolicy, len(cfg.Policies))
	for name, policyCfg := range cfg.Policies {
		policyCfg := policyCfg
		lim, err := newLimiter(name, &policyCfg, opts.now)
		if err != nil {
			return nil, &ConfigurationError{Policy: name, Err: err}
		}
		policies[name] = &registryPolicy{
			strategy: policyCfg.PartitionStrategy,
			limiter:  lim,
			matchKey: makeKeyMatcher(&policyCfg),
		}
	}
	return &Registry{policies: policies}, nil
}

// makeKeyMatcher compiles included/excluded glob patterns into a predicate
// reporting whether a key is subject to limiting. An excluded key bypasses the
// policy, and with an inclusion list only matching keys are limited.
func makeKeyMatcher(cfg *PolicyConfig) func(key string) bool {
	if len(cfg.IncludedKeys) == 0 && len(cfg.ExcludedKeys) == 0 {
		return nil
	}
	compile := func(patterns []string) []func(string) bool {
		matchers := make([]func(string) bool, 0, len(patterns))
		for _, pattern := range patterns {
			matchers = append(matchers, glob.Compile(pattern))
		}
		return matchers
	}
	if len(cfg.ExcludedKeys) != 0 {
		matchers := compile(cfg.ExcludedKeys)
		return func(key string) bool {
			for _, m := range matchers {
				if m(key) {
					return false
				}
			}
			return true
		}
	}
	matchers := compile(cfg.IncludedKeys)
	return func(key string) bool {
		for _, m := range matchers {
			if m(key) {
				return true
			}
		}
		return false
	}
}

// Acquire performs an admission check against the named policy.
// It blocks while the request is queued and returns the final outcome as a
// Lease. Referencing an undefined policy is a configuration defect and yields
// *ConfigurationError, not a rejection.
func (r *Registry) Acquire(ctx context.Context, policyName string, attrs RequestAttrs) (*Lease, error) {
	p, ok := r.policies[policyName]
	if !ok {
		return nil, &ConfigurationError{Policy: policyName, Err: fmt.Errorf("policy is not defined")}
	}
	key := p.strategy.PartitionKey(attrs)
	if p.matchKey != nil && !p.matchKey(key) {
		return bypassedLease(policyName, key), nil
	}
	return p.limiter.acquire(ctx, key)
}

// HasPolicy reports whether the named policy is defined.
func (r *Registry) HasPolicy(name string) bool {
	_, ok := r.policies[name]
	return ok
}

// PolicyNames returns the names of all defined policies in unspecified order.
func (r *Registry) PolicyNames() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	return names
}
