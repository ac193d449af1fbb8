package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	s, err := Parse([]byte("  {\"lights\": \"off\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, `{"lights": "off"}`, s.String())

	s, err = Parse(nil)
	require.NoError(t, err)
	assert.True(t, s.Equal(Empty))

	_, err = Parse([]byte("{broken"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default_state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"front_door": "closed"}`), 0644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"front_door": "closed"}`, s.String())

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestClone_Independent(t *testing.T) {
	orig := Snapshot(`{"a":1}`)
	c := orig.Clone()
	c[2] = 'b'
	assert.Equal(t, `{"a":1}`, orig.String())
}
