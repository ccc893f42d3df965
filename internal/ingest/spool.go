package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Spool manages the staging directory where the receiver streams incoming
// datasets before commit. Files follow the pattern incoming-*; a file
// still present long after creation belongs to a crashed or aborted
// reception and is swept.
type Spool struct {
	dir string
}

// NewSpool creates the staging directory if needed.
func NewSpool(dir string) (*Spool, error) {
	if dir == "" {
		dir = "./spool"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the staging directory path.
func (s *Spool) Dir() string { return s.dir }

// Create opens a fresh staging file. The caller owns it: hand its path to
// the router (which removes it) or remove it on failure.
func (s *Spool) Create() (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "incoming-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return f, nil
}

// Sweep removes staging files older than maxAge and reports how many were
// removed.
func (s *Spool) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read spool dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "incoming-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
