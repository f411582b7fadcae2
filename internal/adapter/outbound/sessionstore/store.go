// Package sessionstore implements outbound.SessionStore as a single
// crash-safe JSON file. Every save runs the full
// mutex->flock->backup->tmp-write->fsync->rename sequence so the Runtime
// Daemon's session-recovery ledger survives a crash at any point.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

// FileStore implements outbound.SessionStore over a single JSON file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

var _ outbound.SessionStore = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given file path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// Path implements outbound.SessionStore.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements outbound.SessionStore. A missing file returns a
// zero-session state with SchemaVersion 1, not an error.
func (s *FileStore) Load(_ context.Context) (outbound.SessionStoreState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return outbound.SessionStoreState{SchemaVersion: 1, Sessions: []outbound.SessionRecord{}}, nil
		}
		return outbound.SessionStoreState{}, fmt.Errorf("read session store: %w", err)
	}

	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("runtime-sessions.json has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var state outbound.SessionStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return outbound.SessionStoreState{}, fmt.Errorf("parse session store: %w", err)
	}
	if state.Sessions == nil {
		state.Sessions = []outbound.SessionRecord{}
	}
	return state, nil
}

// Save implements outbound.SessionStore, atomically replacing the file.
func (s *FileStore) Save(_ context.Context, state outbound.SessionStoreState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create session store directory: %w", err)
	}

	state.UpdatedAt = time.Now().UTC()
	if state.SchemaVersion == 0 {
		state.SchemaVersion = 1
	}
	if state.Sessions == nil {
		state.Sessions = []outbound.SessionRecord{}
	}

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		bakPath := s.path + ".bak"
		if writeErr := os.WriteFile(bakPath, currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create session store backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(s.path, 0600); err != nil {
			s.logger.Warn("failed to set permissions on session store", "error", err)
		}
	}

	s.logger.Debug("session store saved", "path", s.path, "sessions", len(state.Sessions))
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp session store file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp session store file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp session store file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp session store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp session store file: %w", err)
	}
	return nil
}
