package housebot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shijie-nv/houseagent/llm"
	"github.com/shijie-nv/houseagent/state"
)

// Placeholders substituted into both prompt templates.
const (
	PlaceholderDefaultState = "{default_state}"
	PlaceholderCurrentState = "{current_state}"
	PlaceholderLastState    = "{last_state}"
)

// Templates is one loaded generation of the prompt files.
type Templates struct {
	System       string
	Human        string
	DefaultState state.Snapshot
}

// LoadTemplates reads the system and human templates and the default state from cfg.Dir.
// An empty DefaultStateFile yields the empty document.
func LoadTemplates(cfg Config) (*Templates, error) {
	system, err := readTemplate(cfg.Dir, cfg.SystemFile)
	if err != nil {
		return nil, err
	}
	human, err := readTemplate(cfg.Dir, cfg.HumanFile)
	if err != nil {
		return nil, err
	}

	def := state.Empty.Clone()
	if cfg.DefaultStateFile != "" {
		def, err = state.LoadFile(filepath.Join(cfg.Dir, cfg.DefaultStateFile))
		if err != nil {
			return nil, fmt.Errorf("load default state: %w", err)
		}
	}

	return &Templates{System: system, Human: human, DefaultState: def}, nil
}

func readTemplate(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("template file name is required")
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	return string(data), nil
}

// Render fills both templates and returns the system and user messages.
// Doubled braces ("{{", "}}") render as literal braces.
func (t *Templates) Render(current, previous, def state.Snapshot) []llm.Message {
	if len(def) == 0 {
		def = t.DefaultState
	}
	r := strings.NewReplacer(
		PlaceholderDefaultState, def.String(),
		PlaceholderCurrentState, current.String(),
		PlaceholderLastState, previous.String(),
		"{{", "{",
		"}}", "}",
	)
	return []llm.Message{
		{Role: "system", Content: r.Replace(t.System)},
		{Role: "user", Content: r.Replace(t.Human)},
	}
}
