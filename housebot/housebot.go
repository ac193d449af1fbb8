// Package housebot turns a pair of world-state snapshots into a short
// natural-language narration using a chat model.
package housebot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shijie-nv/houseagent/llm"
	"github.com/shijie-nv/houseagent/state"
)

// Config holds prompt and sampling settings.
type Config struct {
	// Dir holds the prompt templates and default state.
	Dir string `json:"dir" yaml:"dir"`

	SystemFile       string `json:"system_file" yaml:"system_file"`
	HumanFile        string `json:"human_file" yaml:"human_file"`
	DefaultStateFile string `json:"default_state_file" yaml:"default_state_file"`

	// Temperature is sent with every request.
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// MaxTokens caps the response. 0 uses the endpoint setting.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// Watch reloads the prompt files when they change.
	Watch bool `json:"watch" yaml:"watch"`

	// Debounce is how long to collect file events before reloading.
	Debounce time.Duration `json:"debounce" yaml:"debounce"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Dir:              "prompts",
		SystemFile:       "housebot_system.txt",
		HumanFile:        "housebot_human.txt",
		DefaultStateFile: "default_state.json",
		Temperature:      0.2,
		Debounce:         500 * time.Millisecond,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("prompt dir is required")
	}
	if c.SystemFile == "" || c.HumanFile == "" {
		return fmt.Errorf("system_file and human_file are required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	return nil
}

// HouseBot renders prompts and calls the model.
type HouseBot struct {
	config Config
	client llm.Completer
	logger *slog.Logger

	mu        sync.RWMutex
	templates *Templates
}

// New loads the prompt files and returns a ready HouseBot.
func New(cfg Config, client llm.Completer, logger *slog.Logger) (*HouseBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("llm client required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tpl, err := LoadTemplates(cfg)
	if err != nil {
		return nil, err
	}

	return &HouseBot{
		config:    cfg,
		client:    client,
		logger:    logger,
		templates: tpl,
	}, nil
}

// Templates returns the active templates.
func (h *HouseBot) Templates() *Templates {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.templates
}

// DefaultState returns the currently loaded default state.
func (h *HouseBot) DefaultState() state.Snapshot {
	return h.Templates().DefaultState.Clone()
}

// Reload re-reads the prompt files. On error the previous templates stay active.
func (h *HouseBot) Reload() error {
	tpl, err := LoadTemplates(h.config)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.templates = tpl
	h.mu.Unlock()
	h.logger.Info("Prompt templates reloaded", "dir", h.config.Dir)
	return nil
}

// Generate renders the prompts for the transition previous -> current and
// returns the model's text. A nil def uses the loaded default state.
func (h *HouseBot) Generate(ctx context.Context, current, previous, def state.Snapshot) (string, error) {
	messages := h.Templates().Render(current, previous, def)

	temp := h.config.Temperature
	resp, err := h.client.Complete(ctx, llm.Request{
		Messages:    messages,
		Temperature: &temp,
		MaxTokens:   h.config.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	h.logger.Info("Generated response",
		"model", resp.Model,
		"endpoint", resp.Endpoint,
		"attempts", resp.Attempts,
		"tokens", resp.Usage.TotalTokens)
	return resp.Content, nil
}

// StripEmojis removes code points in U+10000..U+10FFFF, where most emoji live.
func StripEmojis(text string) string {
	return strings.Map(func(r rune) rune {
		if r >= 0x10000 && r <= 0x10FFFF {
			return -1
		}
		return r
	}, text)
}
