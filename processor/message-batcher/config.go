package messagebatcher

import (
	"fmt"
	"time"

	"github.com/shijie-nv/houseagent/transport"
)

// Config holds configuration for the message batcher.
type Config struct {
	// InputTopic is the subject raw events are collected from (wildcards allowed).
	InputTopic string `json:"input_topic" yaml:"input_topic"`

	// BundleTopic is the subject bundles are published to.
	BundleTopic string `json:"bundle_topic" yaml:"bundle_topic"`

	// BundleInterval is the flush cadence.
	BundleInterval time.Duration `json:"bundle_interval" yaml:"bundle_interval"`

	// SuppressEmpty skips publishing bundles for windows with no messages.
	// By default empty bundles are published as heartbeats.
	SuppressEmpty bool `json:"suppress_empty" yaml:"suppress_empty"`

	// Include and Exclude are topic glob patterns applied before batching.
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// PublishTimeout bounds a single bundle publish.
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"publish_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BundleTopic:    "houseagent.bundles",
		BundleInterval: 30 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.InputTopic == "" {
		return fmt.Errorf("input_topic is required")
	}
	if c.BundleTopic == "" {
		return fmt.Errorf("bundle_topic is required")
	}
	if c.InputTopic == c.BundleTopic {
		return fmt.Errorf("input_topic and bundle_topic must differ")
	}
	// A collector subscribed to its own bundles would batch them again.
	input, bundle := transport.SubjectFromTopic(c.InputTopic), transport.SubjectFromTopic(c.BundleTopic)
	if transport.SubjectMatches(input, bundle) {
		return fmt.Errorf("input_topic %q matches bundle_topic %q", c.InputTopic, c.BundleTopic)
	}
	if c.BundleInterval <= 0 {
		return fmt.Errorf("bundle_interval must be positive")
	}
	if c.PublishTimeout < 0 {
		return fmt.Errorf("publish_timeout must not be negative")
	}
	return nil
}
