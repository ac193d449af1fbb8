// Package config provides configuration loading and management for houseagent.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shijie-nv/houseagent/housebot"
	"github.com/shijie-nv/houseagent/llm"
	"github.com/shijie-nv/houseagent/model"
	agentlistener "github.com/shijie-nv/houseagent/processor/agent-listener"
	messagebatcher "github.com/shijie-nv/houseagent/processor/message-batcher"
	"github.com/shijie-nv/houseagent/transport"
)

// Config represents the complete houseagent configuration
type Config struct {
	Broker    BrokerConfig          `yaml:"broker"`
	Collector messagebatcher.Config `yaml:"collector"`
	Agent     agentlistener.Config  `yaml:"agent"`
	Model     ModelConfig           `yaml:"model"`
	Prompts   PromptsConfig         `yaml:"prompts"`
	Output    OutputConfig          `yaml:"output"`
	Metrics   MetricsConfig         `yaml:"metrics"`
}

// BrokerConfig configures the message broker connection
type BrokerConfig struct {
	// URL is the broker URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
	// Address and Port, when Address is set, take precedence over URL
	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	// KeepAlive is the ping interval
	KeepAlive time.Duration `yaml:"keep_alive"`
	// ClientName identifies this process on the broker
	ClientName string `yaml:"client_name"`
	// MaxReconnects caps reconnect attempts (-1 = forever)
	MaxReconnects int `yaml:"max_reconnects"`
	// ReconnectWait is the delay between reconnect attempts
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// Stream is an optional JetStream stream that persists bundles
	Stream string `yaml:"stream,omitempty"`
	// Embedded runs an in-process broker instead of dialing URL
	Embedded bool `yaml:"embedded"`
}

// ServerURL returns the URL to dial.
func (b BrokerConfig) ServerURL() string {
	if b.Address == "" {
		return b.URL
	}
	port := b.Port
	if port == 0 {
		port = 4222
	}
	return "nats://" + net.JoinHostPort(b.Address, strconv.Itoa(port))
}

// ModelConfig configures the reasoning model
type ModelConfig struct {
	// Endpoints are tried in order
	Endpoints []model.EndpointConfig `yaml:"endpoints"`
	// Temperature controls randomness (0.0-2.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps each response (0 = endpoint setting)
	MaxTokens int `yaml:"max_tokens,omitempty"`
	// Timeout is the HTTP timeout for one request
	Timeout time.Duration      `yaml:"timeout"`
	Retry   llm.RetryConfig    `yaml:"retry"`
	Health  model.HealthConfig `yaml:"health"`
}

// PromptsConfig locates the prompt templates
type PromptsConfig struct {
	Dir              string `yaml:"dir"`
	SystemFile       string `yaml:"system_file"`
	HumanFile        string `yaml:"human_file"`
	DefaultStateFile string `yaml:"default_state_file"`
	// Watch reloads templates when they change
	Watch bool `yaml:"watch"`
}

// OutputConfig configures where responses go besides the log
type OutputConfig struct {
	// ResponseTopic republishes responses when set
	ResponseTopic string `yaml:"response_topic,omitempty"`
	// JournalPath stores responses in SQLite when set
	JournalPath string `yaml:"journal_path,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr serves /metrics and /healthz when set (e.g. ":9090")
	Addr string `yaml:"addr,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	nats := transport.DefaultNATSConfig()
	bot := housebot.DefaultConfig()
	return &Config{
		Broker: BrokerConfig{
			URL:           nats.URL,
			KeepAlive:     nats.PingInterval,
			ClientName:    nats.Name,
			MaxReconnects: nats.MaxReconnects,
			ReconnectWait: nats.ReconnectWait,
		},
		Collector: messagebatcher.DefaultConfig(),
		Agent:     agentlistener.DefaultConfig(),
		Model: ModelConfig{
			Endpoints:   []model.EndpointConfig{model.DefaultEndpoint()},
			Temperature: bot.Temperature,
			Timeout:     3 * time.Minute,
			Retry:       llm.DefaultRetryConfig(),
			Health:      model.DefaultHealthConfig(),
		},
		Prompts: PromptsConfig{
			Dir:              bot.Dir,
			SystemFile:       bot.SystemFile,
			HumanFile:        bot.HumanFile,
			DefaultStateFile: bot.DefaultStateFile,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if !c.Broker.Embedded && c.Broker.ServerURL() == "" {
		return fmt.Errorf("broker.url is required unless broker.embedded is set")
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 0 and 65535")
	}
	if c.Broker.KeepAlive < 0 {
		return fmt.Errorf("broker.keep_alive must not be negative")
	}
	if len(c.Model.Endpoints) == 0 {
		return fmt.Errorf("model.endpoints must list at least one endpoint")
	}
	for _, ep := range c.Model.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("model.endpoints: %w", err)
		}
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature must be between 0 and 2")
	}
	if err := c.Model.Retry.Validate(); err != nil {
		return fmt.Errorf("model.retry: %w", err)
	}
	if c.Model.Health.FailureThreshold < 1 {
		return fmt.Errorf("model.health.failure_threshold must be at least 1")
	}
	if c.Collector.BundleInterval <= 0 {
		return fmt.Errorf("collector.bundle_interval must be positive")
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if c.Prompts.Dir == "" {
		return fmt.Errorf("prompts.dir is required")
	}
	return nil
}

// NATSConfig builds the transport settings. Bundles are persisted to
// Broker.Stream when one is configured.
func (c *Config) NATSConfig() transport.NATSConfig {
	cfg := transport.DefaultNATSConfig()
	cfg.URL = c.Broker.ServerURL()
	if c.Broker.ClientName != "" {
		cfg.Name = c.Broker.ClientName
	}
	if c.Broker.KeepAlive > 0 {
		cfg.PingInterval = c.Broker.KeepAlive
	}
	cfg.MaxReconnects = c.Broker.MaxReconnects
	if c.Broker.ReconnectWait > 0 {
		cfg.ReconnectWait = c.Broker.ReconnectWait
	}
	if c.Broker.Stream != "" {
		cfg.Stream = c.Broker.Stream
		cfg.StreamSubjects = []string{c.Collector.BundleTopic}
	}
	return cfg
}

// HouseBotConfig builds the prompt and sampling settings for housebot.
func (c *Config) HouseBotConfig() housebot.Config {
	cfg := housebot.DefaultConfig()
	cfg.Dir = c.Prompts.Dir
	if c.Prompts.SystemFile != "" {
		cfg.SystemFile = c.Prompts.SystemFile
	}
	if c.Prompts.HumanFile != "" {
		cfg.HumanFile = c.Prompts.HumanFile
	}
	cfg.DefaultStateFile = c.Prompts.DefaultStateFile
	cfg.Watch = c.Prompts.Watch
	cfg.Temperature = c.Model.Temperature
	cfg.MaxTokens = c.Model.MaxTokens
	return cfg
}

// Registry builds the model endpoint registry.
func (c *Config) Registry() (*model.Registry, error) {
	r, err := model.NewRegistry(c.Model.Endpoints)
	if err != nil {
		return nil, err
	}
	r.SetHealthConfig(c.Model.Health)
	return r, nil
}

// NormalizeTopics converts MQTT-style topics to NATS subjects.
func (c *Config) NormalizeTopics() {
	c.Collector.InputTopic = transport.SubjectFromTopic(c.Collector.InputTopic)
	c.Collector.BundleTopic = transport.SubjectFromTopic(c.Collector.BundleTopic)
	c.Agent.BundleTopic = transport.SubjectFromTopic(c.Agent.BundleTopic)
	c.Output.ResponseTopic = transport.SubjectFromTopic(c.Output.ResponseTopic)
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	overlay, err := readFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	config.Merge(overlay)
	return config, nil
}

// readFile decodes path into a zero Config so Merge sees only the keys the file sets.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Broker
	b, ob := &c.Broker, other.Broker
	if ob.URL != "" {
		b.URL = ob.URL
	}
	if ob.Address != "" {
		b.Address = ob.Address
	}
	if ob.Port != 0 {
		b.Port = ob.Port
	}
	if ob.KeepAlive != 0 {
		b.KeepAlive = ob.KeepAlive
	}
	if ob.ClientName != "" {
		b.ClientName = ob.ClientName
	}
	if ob.MaxReconnects != 0 {
		b.MaxReconnects = ob.MaxReconnects
	}
	if ob.ReconnectWait != 0 {
		b.ReconnectWait = ob.ReconnectWait
	}
	if ob.Stream != "" {
		b.Stream = ob.Stream
	}
	if ob.Embedded {
		b.Embedded = true
	}

	// Collector
	col, ocol := &c.Collector, other.Collector
	if ocol.InputTopic != "" {
		col.InputTopic = ocol.InputTopic
	}
	if ocol.BundleTopic != "" {
		col.BundleTopic = ocol.BundleTopic
	}
	if ocol.BundleInterval != 0 {
		col.BundleInterval = ocol.BundleInterval
	}
	if ocol.SuppressEmpty {
		col.SuppressEmpty = true
	}
	if len(ocol.Include) > 0 {
		col.Include = ocol.Include
	}
	if len(ocol.Exclude) > 0 {
		col.Exclude = ocol.Exclude
	}
	if ocol.PublishTimeout != 0 {
		col.PublishTimeout = ocol.PublishTimeout
	}

	// Agent
	if other.Agent.BundleTopic != "" {
		c.Agent.BundleTopic = other.Agent.BundleTopic
	}
	if other.Agent.QueueSize != 0 {
		c.Agent.QueueSize = other.Agent.QueueSize
	}
	if other.Agent.GenerateTimeout != 0 {
		c.Agent.GenerateTimeout = other.Agent.GenerateTimeout
	}
	if other.Agent.CheckpointBucket != "" {
		c.Agent.CheckpointBucket = other.Agent.CheckpointBucket
	}
	if other.Agent.CheckpointKey != "" {
		c.Agent.CheckpointKey = other.Agent.CheckpointKey
	}

	// Model
	m, om := &c.Model, other.Model
	if len(om.Endpoints) > 0 {
		m.Endpoints = om.Endpoints
	}
	if om.Temperature != 0 {
		m.Temperature = om.Temperature
	}
	if om.MaxTokens != 0 {
		m.MaxTokens = om.MaxTokens
	}
	if om.Timeout != 0 {
		m.Timeout = om.Timeout
	}
	if om.Retry.MaxAttempts != 0 {
		m.Retry.MaxAttempts = om.Retry.MaxAttempts
	}
	if om.Retry.BackoffBase != 0 {
		m.Retry.BackoffBase = om.Retry.BackoffBase
	}
	if om.Retry.BackoffMultiplier != 0 {
		m.Retry.BackoffMultiplier = om.Retry.BackoffMultiplier
	}
	if om.Retry.MaxBackoff != 0 {
		m.Retry.MaxBackoff = om.Retry.MaxBackoff
	}
	if om.Health.FailureThreshold != 0 {
		m.Health.FailureThreshold = om.Health.FailureThreshold
	}
	if om.Health.RecoveryTimeout != 0 {
		m.Health.RecoveryTimeout = om.Health.RecoveryTimeout
	}

	// Prompts
	p, op := &c.Prompts, other.Prompts
	if op.Dir != "" {
		p.Dir = op.Dir
	}
	if op.SystemFile != "" {
		p.SystemFile = op.SystemFile
	}
	if op.HumanFile != "" {
		p.HumanFile = op.HumanFile
	}
	if op.DefaultStateFile != "" {
		p.DefaultStateFile = op.DefaultStateFile
	}
	if op.Watch {
		p.Watch = true
	}

	// Output
	if other.Output.ResponseTopic != "" {
		c.Output.ResponseTopic = other.Output.ResponseTopic
	}
	if other.Output.JournalPath != "" {
		c.Output.JournalPath = other.Output.JournalPath
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
