package storage

import (
	"errors"

	"github.com/c360studio/semstreams/natsclient"
)

// Common storage errors.
var (
	// ErrNotFound is returned when no checkpoint has been saved yet.
	ErrNotFound = errors.New("checkpoint not found")
)

func isNotFound(err error) bool {
	return natsclient.IsKVNotFoundError(err)
}
