/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Policy kinds.
const (
	KindFixedWindow   = "fixed_window"
	KindSlidingWindow = "sliding_window"
	KindTokenBucket   = "token_bucket"
	KindLeakyBucket   = "leaky_bucket"
	KindConcurrency   = "concurrency"
)

// QueueOrderOldestFirst is the only supported queue ordering:
// queued requests are resumed in strict enqueue order.
const QueueOrderOldestFirst = "oldest_first"

// ConfigurationError is a fatal setup error: an invalid policy configuration
// or a reference to a policy that is not defined. It is never produced as a
// reaction to request traffic.
type ConfigurationError struct {
	Policy string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Policy == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("policy %q: %s", e.Policy, e.Err.Error())
}

// Unwrap returns the next error in the error chain.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Config represents a set of named limiter policies.
// Configuration can be loaded in different formats (YAML, JSON) using
// LoadConfigFromFile/LoadConfigFromReader, viper, or with json.Unmarshal/yaml.Unmarshal directly.
type Config struct {
	// Policies contains limiter policies. Key is a policy's name,
	// and value is a policy's configuration.
	Policies map[string]PolicyConfig `mapstructure:"policies" yaml:"policies" json:"policies"`
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if len(c.Policies) == 0 {
		return &ConfigurationError{Err: fmt.Errorf("no policies defined")}
	}
	for name, policy := range c.Policies {
		if err := policy.Validate(); err != nil {
			return &ConfigurationError{Policy: name, Err: err}
		}
	}
	return nil
}

// PolicyConfig represents a configuration of a single limiter policy.
type PolicyConfig struct {
	// Kind determines the admission algorithm
	// (fixed_window, sliding_window, token_bucket, leaky_bucket or concurrency).
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind"`

	// PermitLimit bounds grants per window (window kinds), burst size before
	// smoothing (leaky_bucket) or simultaneously held leases (concurrency).
	PermitLimit int `mapstructure:"permitLimit" yaml:"permitLimit" json:"permitLimit"`

	// Window is the window length for fixed_window, sliding_window and leaky_bucket kinds.
	Window TimeDuration `mapstructure:"window" yaml:"window" json:"window"`

	// SegmentsPerWindow is the number of equal segments the sliding window is divided into.
	SegmentsPerWindow int `mapstructure:"segmentsPerWindow" yaml:"segmentsPerWindow" json:"segmentsPerWindow"`

	// TokenLimit is the token bucket capacity.
	TokenLimit int `mapstructure:"tokenLimit" yaml:"tokenLimit" json:"tokenLimit"`

	// TokensPerPeriod is the number of tokens added per replenishment period.
	TokensPerPeriod int `mapstructure:"tokensPerPeriod" yaml:"tokensPerPeriod" json:"tokensPerPeriod"`

	// ReplenishmentPeriod is the token bucket replenishment tick.
	ReplenishmentPeriod TimeDuration `mapstructure:"replenishmentPeriod" yaml:"replenishmentPeriod" json:"replenishmentPeriod"`

	// BurstLimit is the extra burst allowance for the leaky_bucket kind.
	BurstLimit int `mapstructure:"burstLimit" yaml:"burstLimit" json:"burstLimit"`

	// QueueLimit is the maximum number of requests suspended per partition when
	// the limit is reached. 0 disables queueing. Token and leaky bucket kinds do not queue.
	QueueLimit int `mapstructure:"queueLimit" yaml:"queueLimit" json:"queueLimit"`

	// QueueOrder determines resumption order of queued requests.
	// Only "oldest_first" is supported (and is the default).
	QueueOrder string `mapstructure:"queueOrder" yaml:"queueOrder" json:"queueOrder"`

	// QueueWaitTimeout bounds the time a request may spend in the queue.
	// 0 means queued requests wait until capacity frees or the caller gives up.
	QueueWaitTimeout TimeDuration `mapstructure:"queueWaitTimeout" yaml:"queueWaitTimeout" json:"queueWaitTimeout"`

	// PartitionStrategy determines how requests are mapped to partition keys.
	// Defaults to "global".
	PartitionStrategy PartitionStrategy `mapstructure:"partitionStrategy" yaml:"partitionStrategy" json:"partitionStrategy"`

	// MaxPartitions bounds the number of live partition states per policy,
	// evicting the least recently used ones. 0 means unbounded.
	MaxPartitions int `mapstructure:"maxPartitions" yaml:"maxPartitions" json:"maxPartitions"`

	// IncludedKeys lists glob patterns of partition keys to limit;
	// all other keys bypass the policy. Cannot be combined with ExcludedKeys.
	IncludedKeys []string `mapstructure:"includedKeys" yaml:"includedKeys" json:"includedKeys"`

	// ExcludedKeys lists glob patterns of partition keys that bypass the policy.
	ExcludedKeys []string `mapstructure:"excludedKeys" yaml:"excludedKeys" json:"excludedKeys"`

	// DryRun makes rejections observable (logged, counted) without actually
	// refusing requests.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`
}

// Validate validates policy configuration.
// nolint: gocyclo // kind-by-kind parameter checks are clearer in one place.
func (c *PolicyConfig) Validate() error {
	if c.QueueLimit < 0 {
		return fmt.Errorf("queue limit should be >= 0, got %d", c.QueueLimit)
	}
	if c.QueueOrder != "" && c.QueueOrder != QueueOrderOldestFirst {
		return fmt.Errorf("unsupported queue order %q, only %q is supported", c.QueueOrder, QueueOrderOldestFirst)
	}
	if c.QueueWaitTimeout < 0 {
		return fmt.Errorf("queue wait timeout should be >= 0, got %s", time.Duration(c.QueueWaitTimeout))
	}
	if c.MaxPartitions < 0 {
		return fmt.Errorf("max partitions should be >= 0, got %d", c.MaxPartitions)
	}
	if err := c.PartitionStrategy.validate(); err != nil {
		return err
	}
	if len(c.IncludedKeys) != 0 && len(c.ExcludedKeys) != 0 {
		return fmt.Errorf("included and excluded keys cannot be specified at the same time")
	}

	switch c.Kind {
	case KindFixedWindow:
		return c.validateWindowParams()
	case KindSlidingWindow:
		if err := c.validateWindowParams(); err != nil {
			return err
		}
		if c.SegmentsPerWindow < 1 {
			return fmt.Errorf("segments per window should be >= 1, got %d", c.SegmentsPerWindow)
		}
		return nil
	case KindTokenBucket:
		if c.TokenLimit < 1 {
			return fmt.Errorf("token limit should be >= 1, got %d", c.TokenLimit)
		}
		if c.TokensPerPeriod < 1 {
			return fmt.Errorf("tokens per period should be >= 1, got %d", c.TokensPerPeriod)
		}
		if c.ReplenishmentPeriod <= 0 {
			return fmt.Errorf("replenishment period should be positive, got %s", time.Duration(c.ReplenishmentPeriod))
		}
		if c.QueueLimit != 0 {
			return fmt.Errorf("token bucket policies do not support queueing, queue limit should be 0")
		}
		return nil
	case KindLeakyBucket:
		if err := c.validateWindowParams(); err != nil {
			return err
		}
		if c.BurstLimit < 0 {
			return fmt.Errorf("burst limit should be >= 0, got %d", c.BurstLimit)
		}
		if c.QueueLimit != 0 {
			return fmt.Errorf("leaky bucket policies do not support queueing, queue limit should be 0")
		}
		return nil
	case KindConcurrency:
		if c.PermitLimit < 1 {
			return fmt.Errorf("permit limit should be >= 1, got %d", c.PermitLimit)
		}
		return nil
	case "":
		return fmt.Errorf("policy kind is missing")
	}
	return fmt.Errorf("unknown policy kind %q", c.Kind)
}

func (c *PolicyConfig) validateWindowParams() error {
	if c.PermitLimit < 1 {
		return fmt.Errorf("permit limit should be >= 1, got %d", c.PermitLimit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", time.Duration(c.Window))
	}
	return nil
}

// TimeDuration represents a time duration that can be parsed from JSON and YAML.
// Both integers (nanoseconds) and strings in time.ParseDuration format ("10s", "1m") are accepted.
type TimeDuration time.Duration

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *TimeDuration) UnmarshalJSON(data []byte) error {
	if num, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*d = TimeDuration(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.unmarshal(s)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	var num int64
	if err := value.Decode(&num); err == nil {
		*d = TimeDuration(num)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.unmarshal(s)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface,
// which is used by mapstructure.TextUnmarshallerHookFunc.
func (d *TimeDuration) UnmarshalText(text []byte) error {
	return d.unmarshal(string(text))
}

func (d *TimeDuration) unmarshal(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = TimeDuration(dur)
	return nil
}

// String returns a string representation of the duration.
// Implements fmt.Stringer interface.
func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements the encoding.TextMarshaler interface.
func (d TimeDuration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle custom types.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}
