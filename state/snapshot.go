// Package state holds the opaque world-state documents compared by the agent.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Snapshot is an opaque structured document describing observed world state.
// The pipeline never interprets it; it is forwarded verbatim to the reasoning step.
type Snapshot []byte

// Empty is the document used when no default state is configured.
var Empty = Snapshot(`{}`)

// Parse validates that data is a JSON document and returns it as a Snapshot.
func Parse(data []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Empty.Clone(), nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("state document is not valid JSON")
	}
	return Snapshot(append([]byte(nil), trimmed...)), nil
}

// LoadFile reads a snapshot from disk.
func LoadFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return s, nil
}

// Clone returns an independent copy.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	return append(Snapshot(nil), s...)
}

// String returns the document text, or the empty document for a nil snapshot.
func (s Snapshot) String() string {
	if len(s) == 0 {
		return string(Empty)
	}
	return string(s)
}

// Equal reports whether two snapshots hold the same bytes.
func (s Snapshot) Equal(other Snapshot) bool {
	return bytes.Equal(s, other)
}
