// Package spill provides temporary on-disk storage for sorted runs of
// batches.  A run is written once, rewound, then read back one batch at a
// time, so a merge never holds more than one decoded batch per run in
// memory.
package spill

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store hands out spill files across a cycling list of directories, naming
// each file with a per-store unique id and an incrementing ordinal so
// concurrent operators never collide.
type Store struct {
	dirs     []string
	name     string
	compress bool
	logger   *zap.Logger

	mu    sync.Mutex
	seq   int
	files map[*File]struct{}
}

// NewStore returns a Store writing to dirs in round-robin order.  An empty
// dirs list falls back to the system temp directory.
func NewStore(dirs []string, compress bool, logger *zap.Logger) *Store {
	if len(dirs) == 0 {
		dirs = []string{os.TempDir()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dirs:     dirs,
		name:     ksuid.New().String(),
		compress: compress,
		logger:   logger,
		files:    make(map[*File]struct{}),
	}
}

// Create opens a new spill file for writing.
func (s *Store) Create() (*File, error) {
	s.mu.Lock()
	dir := s.dirs[s.seq%len(s.dirs)]
	path := filepath.Join(dir, fmt.Sprintf("spool-%s-%04d.spill", s.name, s.seq))
	s.seq++
	s.mu.Unlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("spill: create directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("spill: create %s: %w", path, err)
	}
	file := newFile(f, path, s.compress)
	s.mu.Lock()
	s.files[file] = struct{}{}
	s.mu.Unlock()
	return file, nil
}

func (s *Store) forget(f *File) {
	s.mu.Lock()
	delete(s.files, f)
	s.mu.Unlock()
}

// Remove closes and deletes f.  Deletion failure is logged, never returned:
// cleanup must not fail the query.
func (s *Store) Remove(f *File) {
	s.forget(f)
	if err := f.closeAndRemove(); err != nil {
		s.logger.Warn("spill file cleanup failed",
			zap.String("path", f.Path()), zap.Error(err))
	}
}

// RemoveAll deletes every file the store still tracks, in parallel and
// best-effort.  It is called on operator close to keep the happy path free
// of leftover spill files.
func (s *Store) RemoveAll(ctx context.Context) {
	s.mu.Lock()
	files := make([]*File, 0, len(s.files))
	for f := range s.files {
		files = append(files, f)
	}
	s.files = make(map[*File]struct{})
	s.mu.Unlock()
	g, _ := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := f.closeAndRemove(); err != nil {
				s.logger.Warn("spill file cleanup failed",
					zap.String("path", f.Path()), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}
