package housebot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijie-nv/houseagent/llm"
	"github.com/shijie-nv/houseagent/llm/testutil"
	"github.com/shijie-nv/houseagent/state"
)

const (
	testSystem = "You watch a house. Normal state: {default_state}. Answer as JSON like {{\"summary\": \"...\"}}."
	testHuman  = "Before: {last_state}\nNow: {current_state}"
)

func writePrompts(t *testing.T, dir, system, human, def string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "housebot_system.txt"), []byte(system), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "housebot_human.txt"), []byte(human), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default_state.json"), []byte(def), 0o644))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	writePrompts(t, dir, testSystem, testHuman, `{"front_door": "closed"}`)
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.Debounce = 20 * time.Millisecond
	return cfg
}

func TestTemplates_Render(t *testing.T) {
	tpl, err := LoadTemplates(testConfig(t))
	require.NoError(t, err)

	msgs := tpl.Render(state.Snapshot(`{"front_door":"open"}`), state.Snapshot(`{}`), nil)
	require.Len(t, msgs, 2)

	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, `You watch a house. Normal state: {"front_door": "closed"}. Answer as JSON like {"summary": "..."}.`, msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "Before: {}\nNow: {\"front_door\":\"open\"}", msgs[1].Content)
}

func TestTemplates_RenderExplicitDefault(t *testing.T) {
	tpl := &Templates{System: "{default_state}", Human: "{current_state}|{last_state}", DefaultState: state.Empty}

	msgs := tpl.Render(nil, nil, state.Snapshot(`{"mode":"away"}`))
	assert.Equal(t, `{"mode":"away"}`, msgs[0].Content)
	assert.Equal(t, "{}|{}", msgs[1].Content)
}

func TestLoadTemplates_Missing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	_, err := LoadTemplates(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "default_state.json"), []byte("{broken"), 0o644))
	_, err = LoadTemplates(cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.DefaultStateFile = ""
	tpl, err := LoadTemplates(cfg)
	require.NoError(t, err)
	assert.Equal(t, state.Empty, tpl.DefaultState)
}

func TestHouseBot_Generate(t *testing.T) {
	mock := &testutil.MockLLMClient{
		Responses: []*llm.Response{{Content: "The front door was opened.", Model: "llama3"}},
	}
	bot, err := New(testConfig(t), mock, nil)
	require.NoError(t, err)

	text, err := bot.Generate(context.Background(), state.Snapshot(`{"front_door":"open"}`), bot.DefaultState(), nil)
	require.NoError(t, err)
	assert.Equal(t, "The front door was opened.", text)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Temperature)
	assert.Equal(t, 0.2, *reqs[0].Temperature)
	assert.Contains(t, reqs[0].Messages[1].Content, `Before: {"front_door": "closed"}`)
}

func TestHouseBot_GenerateError(t *testing.T) {
	mock := &testutil.MockLLMClient{Err: errors.New("connection refused")}
	bot, err := New(testConfig(t), mock, nil)
	require.NoError(t, err)

	_, err = bot.Generate(context.Background(), state.Empty, state.Empty, nil)
	assert.EqualError(t, err, "connection refused")
}

func TestNew_Invalid(t *testing.T) {
	cfg := testConfig(t)
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)

	cfg.Temperature = 3
	_, err = New(cfg, &testutil.MockLLMClient{}, nil)
	assert.Error(t, err)
}

func TestHouseBot_Reload(t *testing.T) {
	cfg := testConfig(t)
	bot, err := New(cfg, &testutil.MockLLMClient{}, nil)
	require.NoError(t, err)

	writePrompts(t, cfg.Dir, "new system", testHuman, `{"front_door": "open"}`)
	require.NoError(t, bot.Reload())
	assert.Equal(t, "new system", bot.Templates().System)
	assert.Equal(t, state.Snapshot(`{"front_door": "open"}`), bot.DefaultState())

	// A broken file keeps the previous generation.
	require.NoError(t, os.Remove(filepath.Join(cfg.Dir, "housebot_human.txt")))
	assert.Error(t, bot.Reload())
	assert.Equal(t, "new system", bot.Templates().System)
}

func TestHouseBot_Watch(t *testing.T) {
	cfg := testConfig(t)
	bot, err := New(cfg, &testutil.MockLLMClient{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bot.Watch(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Dir, "housebot_system.txt"), []byte("watched system"), 0o644))

	require.Eventually(t, func() bool {
		return bot.Templates().System == "watched system"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHouseBot_WatchMissingDir(t *testing.T) {
	cfg := testConfig(t)
	bot, err := New(cfg, &testutil.MockLLMClient{}, nil)
	require.NoError(t, err)

	bot.config.Dir = filepath.Join(cfg.Dir, "gone")
	assert.Error(t, bot.Watch(context.Background()))
}

func TestStripEmojis(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Lights on 🎉 in kitchen", "Lights on  in kitchen"},
		{"no emoji here", "no emoji here"},
		{"🏠🚪", ""},
		{"café ☀ stays", "café ☀ stays"}, // U+2600 is below the astral planes
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripEmojis(tt.in))
	}
}
