// Package artifactfs implements outbound.TimelineStore on the local
// filesystem, rooted at `.opta/browser/`. Whole-file JSON documents
// (metadata.json, recordings.json) use an atomic write-tmp-fsync-rename
// sequence guarded by a per-session in-process mutex and a flock on a
// sibling ".lock" file of each document. Append-only logs (steps.jsonl,
// visual-diff-manifest.jsonl, visual-diff-results.jsonl) use a kept-open,
// append-mode file handle per session.
package artifactfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

// Compile-time interface verification.
var _ outbound.TimelineStore = (*Store)(nil)

// ReservedDirs are subdirectories of the store root that are never treated
// as session directories.
var ReservedDirs = map[string]struct{}{
	"profiles":        {},
	"canary-evidence": {},
	"run-corpus":      {},
}

// Store implements outbound.TimelineStore rooted at a single directory.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session in-process mutex, keyed by sessionID

	writers   map[string]*appendWriters
	writersMu sync.Mutex
}

type appendWriters struct {
	mu       sync.Mutex
	steps    *os.File
	manifest *os.File
	results  *os.File
}

// NewStore creates a Store rooted at root (typically `.opta/browser`).
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:    root,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		writers: make(map[string]*appendWriters),
	}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// EnsureSessionDir implements outbound.TimelineStore.
func (s *Store) EnsureSessionDir(_ context.Context, sessionID string) (string, error) {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}
	return dir, nil
}

// WriteArtifact implements outbound.TimelineStore.
func (s *Store) WriteArtifact(_ context.Context, sessionID, actionID string, kind artifact.Kind, sequence int, ext string, data []byte) (artifact.Metadata, error) {
	dir, err := s.EnsureSessionDir(context.Background(), sessionID)
	if err != nil {
		return artifact.Metadata{}, err
	}

	relName := fmt.Sprintf("%04d-%s.%s", sequence, kind, ext)
	absPath := filepath.Join(dir, relName)

	if err := writeFileAtomic(absPath, data, 0600); err != nil {
		return artifact.Metadata{}, fmt.Errorf("write artifact: %w", err)
	}

	return artifact.Metadata{
		ID:           fmt.Sprintf("%s:%s:%s", sessionID, actionID, kind),
		SessionID:    sessionID,
		ActionID:     actionID,
		Kind:         kind,
		CreatedAt:    time.Now().UTC(),
		RelativePath: relName,
		AbsolutePath: absPath,
		MimeType:     mimeForExt(ext),
		SizeBytes:    int64(len(data)),
	}, nil
}

// ReadArtifact implements outbound.TimelineStore.
func (s *Store) ReadArtifact(_ context.Context, sessionID string, relativePath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), relativePath))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", relativePath, err)
	}
	return data, nil
}

// LatestScreenshot implements outbound.TimelineStore.
func (s *Store) LatestScreenshot(ctx context.Context, sessionID string) (artifact.Metadata, bool, error) {
	meta, ok, err := s.ReadMetadata(ctx, sessionID)
	if err != nil || !ok {
		return artifact.Metadata{}, false, err
	}
	var latest artifact.Metadata
	found := false
	for _, a := range meta.Artifacts {
		if a.Kind != artifact.KindScreenshot {
			continue
		}
		if !found || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) getWriters(sessionID string) (*appendWriters, error) {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()

	if w, ok := s.writers[sessionID]; ok {
		return w, nil
	}

	dir, err := s.EnsureSessionDir(context.Background(), sessionID)
	if err != nil {
		return nil, err
	}

	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	}

	steps, err := open("steps.jsonl")
	if err != nil {
		return nil, fmt.Errorf("open steps.jsonl: %w", err)
	}
	manifest, err := open("visual-diff-manifest.jsonl")
	if err != nil {
		_ = steps.Close()
		return nil, fmt.Errorf("open visual-diff-manifest.jsonl: %w", err)
	}
	results, err := open("visual-diff-results.jsonl")
	if err != nil {
		_ = steps.Close()
		_ = manifest.Close()
		return nil, fmt.Errorf("open visual-diff-results.jsonl: %w", err)
	}

	w := &appendWriters{steps: steps, manifest: manifest, results: results}
	s.writers[sessionID] = w
	return w, nil
}

func appendLine(mu *sync.Mutex, f *os.File, v interface{}) error {
	mu.Lock()
	defer mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

// AppendStep implements outbound.TimelineStore.
func (s *Store) AppendStep(_ context.Context, sessionID string, rec artifact.StepRecord) error {
	w, err := s.getWriters(sessionID)
	if err != nil {
		return err
	}
	return appendLine(&w.mu, w.steps, rec)
}

// AppendManifestEntry implements outbound.TimelineStore.
func (s *Store) AppendManifestEntry(_ context.Context, sessionID string, entry artifact.VisualDiffManifestEntry) error {
	w, err := s.getWriters(sessionID)
	if err != nil {
		return err
	}
	return appendLine(&w.mu, w.manifest, entry)
}

// AppendDiffResult implements outbound.TimelineStore.
func (s *Store) AppendDiffResult(_ context.Context, sessionID string, entry artifact.VisualDiffResultEntry) error {
	w, err := s.getWriters(sessionID)
	if err != nil {
		return err
	}
	return appendLine(&w.mu, w.results, entry)
}

// ReadDiffResults implements outbound.TimelineStore. A torn trailing line
// (crash mid-append) or any malformed line is skipped, not surfaced as an
// error.
func (s *Store) ReadDiffResults(_ context.Context, sessionID string) ([]artifact.VisualDiffResultEntry, error) {
	path := filepath.Join(s.sessionDir(sessionID), "visual-diff-results.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read visual-diff-results.jsonl: %w", err)
	}

	var entries []artifact.VisualDiffResultEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry artifact.VisualDiffResultEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping malformed diff result line", "session_id", sessionID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// WriteRecordings implements outbound.TimelineStore.
func (s *Store) WriteRecordings(_ context.Context, sessionID string, entries []artifact.RecordingEntry) error {
	sorted := make([]artifact.RecordingEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	return s.writeJSONLocked(sessionID, "recordings.json", struct {
		Recordings []artifact.RecordingEntry `json:"recordings"`
	}{Recordings: sorted})
}

// WriteMetadata implements outbound.TimelineStore.
func (s *Store) WriteMetadata(_ context.Context, sessionID string, meta artifact.SessionMetadata) error {
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = 1
	}
	return s.writeJSONLocked(sessionID, "metadata.json", meta)
}

// ReadMetadata implements outbound.TimelineStore.
func (s *Store) ReadMetadata(_ context.Context, sessionID string) (artifact.SessionMetadata, bool, error) {
	path := filepath.Join(s.sessionDir(sessionID), "metadata.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return artifact.SessionMetadata{}, false, nil
		}
		return artifact.SessionMetadata{}, false, fmt.Errorf("read metadata.json: %w", err)
	}
	var meta artifact.SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return artifact.SessionMetadata{}, false, fmt.Errorf("parse metadata.json: %w", err)
	}
	return meta, true, nil
}

// ListSessionDirs implements outbound.TimelineStore.
func (s *Store) ListSessionDirs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store root: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, reserved := ReservedDirs[e.Name()]; reserved {
			continue
		}
		dirs = append(dirs, e.Name())
	}
	return dirs, nil
}

// RemoveSessionDir implements outbound.TimelineStore.
func (s *Store) RemoveSessionDir(_ context.Context, sessionID string) error {
	s.writersMu.Lock()
	if w, ok := s.writers[sessionID]; ok {
		_ = w.steps.Close()
		_ = w.manifest.Close()
		_ = w.results.Close()
		delete(s.writers, sessionID)
	}
	s.writersMu.Unlock()

	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}

// writeJSONLocked performs an atomic write of a JSON document under a
// session directory, guarded by a cross-process flock on a sibling ".lock"
// file and an in-process mutex.
func (s *Store) writeJSONLocked(sessionID, name string, v interface{}) error {
	dir, err := s.EnsureSessionDir(context.Background(), sessionID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	lockPath := path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer func() { _ = flockUnlock(lockFile.Fd()) }()

	if current, readErr := os.ReadFile(path); readErr == nil {
		_ = os.WriteFile(path+".bak", current, 0600)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0600); err != nil {
			s.logger.Warn("failed to set permissions", "path", path, "error", err)
		}
	}

	return nil
}

// writeFileAtomic writes data to a temp sibling of path, fsyncs it, and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func mimeForExt(ext string) string {
	switch ext {
	case "html":
		return "text/html"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		if t := mime.TypeByExtension("." + ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
