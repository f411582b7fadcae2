// Package runcorpusfs persists run-corpus snapshots under
// `.opta/browser/run-corpus/`, one atomically-replaced latest.json plus a
// timestamped snapshot per refresh.
package runcorpusfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/corpus"
)

var _ corpus.RunCorpusStore = (*Store)(nil)

// Store implements corpus.RunCorpusStore on the local filesystem.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir (typically
// `.opta/browser/run-corpus`).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// WriteSnapshot implements corpus.RunCorpusStore.
func (s *Store) WriteSnapshot(_ context.Context, summary corpus.Summary) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create run-corpus directory: %w", err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run-corpus summary: %w", err)
	}
	data = append(data, '\n')

	slug := summary.GeneratedAt.UTC().Format("20060102-150405") + ".json"
	if err := writeFileAtomic(filepath.Join(s.dir, slug), data); err != nil {
		return fmt.Errorf("write %s: %w", slug, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "latest.json"), data); err != nil {
		return fmt.Errorf("write latest.json: %w", err)
	}
	return nil
}

// ReadLatest implements corpus.RunCorpusStore.
func (s *Store) ReadLatest(_ context.Context) (corpus.Summary, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "latest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return corpus.Summary{}, false, nil
		}
		return corpus.Summary{}, false, fmt.Errorf("read latest.json: %w", err)
	}
	var summary corpus.Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return corpus.Summary{}, false, fmt.Errorf("parse latest.json: %w", err)
	}
	return summary, true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
