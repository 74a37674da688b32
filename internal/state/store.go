// Package state persists daemon state as versioned JSON documents with
// atomic write-tmp-then-rename semantics. Every persisted file carries a
// small envelope ({version, updatedAt, data}) so future readers can detect
// format changes without schema migrations.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
)

// Version is the current envelope version.
const Version = 1

// ErrNotExist is returned by Load when the file has never been written.
var ErrNotExist = errors.New("state file does not exist")

type envelope struct {
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data"`
}

// Store serializes reads and writes of state files. One Store guards the
// whole layout; writes to different files still serialize, which is fine at
// the daemon's write rates and keeps tmp-file collisions impossible.
type Store struct {
	mu sync.Mutex
}

// NewStore creates a Store.
func NewStore() *Store {
	return &Store{}
}

// Save marshals v into a versioned envelope and atomically replaces path.
// Failures are fatal faults: the caller's operation must fail, no retry.
func (s *Store) Save(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "marshaling %s", filepath.Base(path))
	}

	env, err := json.MarshalIndent(envelope{
		Version:   Version,
		UpdatedAt: time.Now().UTC(),
		Data:      data,
	}, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "marshaling envelope for %s", filepath.Base(path))
	}

	if err := writeAtomic(path, env); err != nil {
		log.ErrorErr(log.CatState, "state write failed", err, "path", path)
		return fault.Wrap(fault.Fatal, err, "writing %s", filepath.Base(path))
	}
	return nil
}

// Load reads path and unmarshals the envelope's data into v.
// Returns ErrNotExist (wrapped) when the file is absent.
func (s *Store) Load(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(path) //nolint:gosec // G304: paths come from the workspace layout
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return fault.Wrap(fault.Fatal, err, "reading %s", filepath.Base(path))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fault.Wrap(fault.Fatal, err, "parsing %s", filepath.Base(path))
	}
	if env.Version > Version {
		return fault.New(fault.Fatal, "%s: envelope version %d is newer than supported %d", filepath.Base(path), env.Version, Version)
	}

	if err := json.Unmarshal(env.Data, v); err != nil {
		return fault.Wrap(fault.Fatal, err, "decoding %s", filepath.Base(path))
	}
	return nil
}

// writeAtomic writes data to a temp file in path's directory and renames it
// over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
