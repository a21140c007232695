// Package workstore persists per-cached-file WorkFile metadata beside the
// locally cached content, under a hidden sidecar directory (SPEC_FULL.md
// ยง6 "Persistent state layout"). Grounded on the teacher's
// internal/driveops.SessionStore: JSON files on disk, thread-safe, a
// deterministic file name derived from the logical path.
package workstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mfrisbey/rqtree/internal/overlaytypes"
	"github.com/mfrisbey/rqtree/internal/pathkey"
)

// sidecarDirName is the hidden directory name co-located with cached
// content, holding one work-file per cached file (ยง6).
const sidecarDirName = ".rqtree"

// workFilePerms restricts work-files to owner read/write.
const workFilePerms = 0o600

// dirPerms for the sidecar directory.
const dirPerms = 0o700

// onDiskWorkFile is the JSON shape persisted for a WorkFile.
type onDiskWorkFile struct {
	LastSyncDate       int64  `json:"last_sync_date"` // unix nanoseconds
	RemoteLastModified int64  `json:"remote_last_modified"`
	OriginalName       string `json:"original_name"`
}

// Store manages work-file persistence for one share, rooted at workPath.
// Thread-safe: a per-path mutex serializes read/write/refresh for a given
// logical path (ยง5 "Work-File Store: per-path exclusive").
type Store struct {
	root   string
	logger *slog.Logger

	mu       sync.Mutex
	pathLock map[string]*sync.Mutex
}

// New creates a Store rooted at workPath (the configured work.path, ยง6).
func New(workPath string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		root:     workPath,
		logger:   logger,
		pathLock: make(map[string]*sync.Mutex),
	}
}

// lockFor returns (and lazily creates) the per-path mutex for path.
func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.pathLock[path]
	if !ok {
		l = &sync.Mutex{}
		s.pathLock[path] = l
	}

	return l
}

// sidecarFile computes the on-disk work-file path for a logical path: a
// sha256-derived file name inside a hidden sibling directory of the parent,
// matching ยง6's "<parent>/.rqtree/<name>" layout while avoiding illegal
// filesystem characters in logical names.
func (s *Store) sidecarFile(path string) string {
	parent := pathkey.ParentOf(path)
	name := pathkey.NameOf(path)

	sum := sha256.Sum256([]byte(name))
	fname := hex.EncodeToString(sum[:]) + ".workfile"

	return filepath.Join(s.root, parent, sidecarDirName, fname)
}

// HasWork reports whether a work-file exists for path. A missing work-file
// for a remote-origin cached file is a conflict signal (ยง4.2 invariant).
func (s *Store) HasWork(path string) bool {
	_, err := os.Stat(s.sidecarFile(path))
	return err == nil
}

// ReadWork reads the work-file for path. Returns overlaytypes.ErrNotFound
// (via errors.Is-compatible sentinel) semantics through a bool, matching
// the teacher's Load-returns-nil-for-absent convention.
func (s *Store) ReadWork(path string) (*overlaytypes.WorkFile, bool, error) {
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.sidecarFile(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("workstore: reading work-file for %s: %w", path, err)
	}

	var rec onDiskWorkFile
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("workstore: corrupt work-file, deleting",
			slog.String("path", path), slog.String("error", err.Error()))

		if rmErr := os.Remove(s.sidecarFile(path)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("workstore: failed to remove corrupt work-file", slog.String("path", path))
		}

		return nil, false, nil
	}

	wf := &overlaytypes.WorkFile{
		LastSyncDate:       time.Unix(0, rec.LastSyncDate),
		RemoteLastModified: time.Unix(0, rec.RemoteLastModified),
		OriginalName:       rec.OriginalName,
	}

	return wf, true, nil
}

// WriteWork persists wf for path, creating the sidecar directory as needed.
func (s *Store) WriteWork(path string, wf *overlaytypes.WorkFile) error {
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	return s.writeWorkLocked(path, wf)
}

func (s *Store) writeWorkLocked(path string, wf *overlaytypes.WorkFile) error {
	target := s.sidecarFile(path)

	if err := os.MkdirAll(filepath.Dir(target), dirPerms); err != nil {
		return fmt.Errorf("workstore: creating sidecar dir for %s: %w", path, err)
	}

	rec := onDiskWorkFile{
		LastSyncDate:       wf.LastSyncDate.UnixNano(),
		RemoteLastModified: wf.RemoteLastModified.UnixNano(),
		OriginalName:       wf.OriginalName,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("workstore: encoding work-file for %s: %w", path, err)
	}

	if err := os.WriteFile(target, data, workFilePerms); err != nil {
		return fmt.Errorf("workstore: writing work-file for %s: %w", path, err)
	}

	return nil
}

// RefreshWork sets LastSyncDate = now and copies localLastModified into the
// RemoteLastModified baseline (ยง4.2). Used after a successful sync of path.
func (s *Store) RefreshWork(path string, now, localLastModified time.Time) error {
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	wf := &overlaytypes.WorkFile{
		LastSyncDate:       now,
		RemoteLastModified: localLastModified,
		OriginalName:       pathkey.NameOf(path),
	}

	return s.writeWorkLocked(path, wf)
}

// Remove deletes the work-file for path, if any.
func (s *Store) Remove(path string) error {
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.sidecarFile(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workstore: removing work-file for %s: %w", path, err)
	}

	return nil
}

// Move transfers the work-file from oldPath to newPath, taking both
// per-path locks in deterministic lexicographic order to avoid deadlock
// with a concurrent reverse rename (ยง5 "rename takes both source and
// destination locks in deterministic order").
func (s *Store) Move(oldPath, newPath string) error {
	first, second := oldPath, newPath
	if second < first {
		first, second = second, first
	}

	l1 := s.lockFor(first)
	l2 := s.lockFor(second)

	l1.Lock()
	defer l1.Unlock()

	if first != second {
		l2.Lock()
		defer l2.Unlock()
	}

	data, err := os.ReadFile(s.sidecarFile(oldPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("workstore: reading work-file for move from %s: %w", oldPath, err)
	}

	target := s.sidecarFile(newPath)
	if err := os.MkdirAll(filepath.Dir(target), dirPerms); err != nil {
		return fmt.Errorf("workstore: creating sidecar dir for %s: %w", newPath, err)
	}

	if err := os.WriteFile(target, data, workFilePerms); err != nil {
		return fmt.Errorf("workstore: writing moved work-file for %s: %w", newPath, err)
	}

	if err := os.Remove(s.sidecarFile(oldPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workstore: removing old work-file for %s: %w", oldPath, err)
	}

	return nil
}
