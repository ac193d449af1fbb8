package agentlistener

import (
	"fmt"
	"time"
)

// Config holds configuration for the agent listener.
type Config struct {
	// BundleTopic is the subject bundles are consumed from.
	BundleTopic string `json:"bundle_topic" yaml:"bundle_topic"`

	// QueueSize bounds bundles waiting behind the one being processed.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// GenerateTimeout bounds one reasoning request, retries included.
	GenerateTimeout time.Duration `json:"generate_timeout" yaml:"generate_timeout"`

	// CheckpointBucket names the KV bucket the state window is saved to.
	// Empty disables checkpointing. Requires a JetStream-enabled broker.
	CheckpointBucket string `json:"checkpoint_bucket,omitempty" yaml:"checkpoint_bucket,omitempty"`

	// CheckpointKey separates agents sharing one bucket.
	CheckpointKey string `json:"checkpoint_key,omitempty" yaml:"checkpoint_key,omitempty"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		BundleTopic:     "houseagent.bundles",
		QueueSize:       16,
		GenerateTimeout: 3 * time.Minute,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BundleTopic == "" {
		return fmt.Errorf("bundle_topic is required")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	if c.GenerateTimeout < 0 {
		return fmt.Errorf("generate_timeout must not be negative")
	}
	return nil
}
