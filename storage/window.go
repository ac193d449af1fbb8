// Package storage keeps the agent's state window in NATS KV so a restarted
// agent describes its first bundle against what it saw last, not the default.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shijie-nv/houseagent/state"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "HOUSEAGENT_WINDOW"

// defaultKey holds the window of a single agent.
const defaultKey = "window"

// Checkpoint is the persisted form of a state window.
type Checkpoint struct {
	Current   json.RawMessage `json:"current"`
	Previous  json.RawMessage `json:"previous"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// opTimeout bounds a single KV operation.
const opTimeout = 5 * time.Second

// WindowStore saves and restores one state window.
type WindowStore struct {
	kv  *natsclient.KVStore
	key string
	now func() time.Time
}

// NewWindowStore opens bucket, creating it if it doesn't exist. An empty key
// uses the default; agents sharing a bucket need distinct keys.
func NewWindowStore(ctx context.Context, client *natsclient.Client, bucket, key string) (*WindowStore, error) {
	if client == nil {
		return nil, fmt.Errorf("NATS client required")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if key == "" {
		key = defaultKey
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Houseagent %s state", strings.ToLower(bucket)),
		History:     5, // Keep last 5 revisions
	})
	if err != nil {
		return nil, fmt.Errorf("open window bucket %s: %w", bucket, err)
	}
	store := client.NewKVStore(kv, func(o *natsclient.KVOptions) {
		o.Timeout = opTimeout
	})
	return &WindowStore{kv: store, key: key, now: time.Now}, nil
}

// Load returns the saved window. ok is false when nothing has been saved.
func (s *WindowStore) Load(ctx context.Context) (current, previous state.Snapshot, ok bool, err error) {
	cp, err := s.Checkpoint(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}

	current, err = state.Parse(cp.Current)
	if err != nil {
		return nil, nil, false, fmt.Errorf("parse saved current state: %w", err)
	}
	previous, err = state.Parse(cp.Previous)
	if err != nil {
		return nil, nil, false, fmt.Errorf("parse saved previous state: %w", err)
	}
	return current, previous, true, nil
}

// Checkpoint returns the raw saved checkpoint.
func (s *WindowStore) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	entry, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(entry.Value, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Save overwrites the saved window.
func (s *WindowStore) Save(ctx context.Context, current, previous state.Snapshot) error {
	cp := Checkpoint{
		Current:   json.RawMessage(current.String()),
		Previous:  json.RawMessage(previous.String()),
		UpdatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.kv.Put(ctx, s.key, data); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}

// Reset deletes the saved window.
func (s *WindowStore) Reset(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
