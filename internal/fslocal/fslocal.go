// Package fslocal is a concrete overlaytypes.LocalTree backed by the host
// filesystem, rooted at a configured cache directory. It is the default
// local backend wired by cmd/rqtreectl; overlay/syncproc never import it
// directly (the leaf-interface boundary of SPEC_FULL.md §1/§6).
package fslocal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mfrisbey/rqtree/internal/overlaytypes"
	"github.com/mfrisbey/rqtree/internal/pathkey"
)

// minReservedDiskSpace is the minimum free space writeFrom insists on
// leaving on the cache volume, guarding against runaway local writes
// filling the disk.
const minReservedDiskSpace = 64 * 1024 * 1024

// ErrInsufficientDiskSpace is returned when writing would leave the cache
// volume with less than minReservedDiskSpace free.
var ErrInsufficientDiskSpace = errors.New("fslocal: insufficient disk space")

// Tree is a LocalTree backed by a directory tree on disk. Logical paths
// ("/foo/bar") map to filepath.Join(root, "foo", "bar"); the sidecar
// ".rqtree" work-file directories created by internal/workstore live
// alongside content under the same root and are filtered out of listings.
type Tree struct {
	root string

	// diskSpaceFunc reports available bytes on the cache volume; overridable
	// in tests. Mirrors the teacher's SafetyChecker.statfsFunc injection
	// point (internal/sync/safety.go).
	diskSpaceFunc func(path string) (uint64, error)
}

// New creates a Tree rooted at root, creating the directory if absent.
func New(root string) (*Tree, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("fslocal: creating root %s: %w", root, err)
	}

	return &Tree{root: root, diskSpaceFunc: availableDiskSpace}, nil
}

func (t *Tree) diskPath(path string) string {
	return filepath.Join(t.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

// List returns the immediate children of parent, skipping the ".rqtree"
// work-file sidecar directory.
func (t *Tree) List(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	dirPath := t.diskPath(parent)

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, overlaytypes.ErrNotFound
		}

		return nil, fmt.Errorf("fslocal: listing %s: %w", parent, err)
	}

	out := make([]overlaytypes.FileEntry, 0, len(entries))

	for _, de := range entries {
		if de.Name() == ".rqtree" {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		out = append(out, overlaytypes.FileEntry{
			Path:         pathkey.Join(parent, de.Name()),
			IsDirectory:  de.IsDir(),
			Size:         info.Size(),
			Created:      info.ModTime(),
			LastModified: info.ModTime(),
			LastChanged:  info.ModTime(),
			LastAccessed: info.ModTime(),
			Origin:       overlaytypes.LocalOnly,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

type fileHandle struct {
	*os.File
	size         int64
	lastModified time.Time
}

func (h *fileHandle) Size() int64             { return h.size }
func (h *fileHandle) LastModified() time.Time { return h.lastModified }

// Open returns a read handle for path.
func (t *Tree) Open(ctx context.Context, path string) (overlaytypes.Handle, error) {
	f, err := os.Open(t.diskPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, overlaytypes.ErrNotFound
		}

		return nil, fmt.Errorf("fslocal: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fslocal: statting %s: %w", path, err)
	}

	return &fileHandle{File: f, size: info.Size(), lastModified: info.ModTime()}, nil
}

// CreateDirectory creates path as a directory, including parents.
func (t *Tree) CreateDirectory(ctx context.Context, path string) error {
	if err := os.MkdirAll(t.diskPath(path), 0o700); err != nil {
		return fmt.Errorf("fslocal: creating directory %s: %w", path, err)
	}

	return nil
}

// Delete removes path, recursively if it is a directory.
func (t *Tree) Delete(ctx context.Context, path string) error {
	if err := os.RemoveAll(t.diskPath(path)); err != nil {
		return fmt.Errorf("fslocal: deleting %s: %w", path, err)
	}

	return nil
}

// Rename moves oldPath to newPath on disk, creating the destination's
// parent directory if needed.
func (t *Tree) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := os.MkdirAll(filepath.Dir(t.diskPath(newPath)), 0o700); err != nil {
		return fmt.Errorf("fslocal: preparing destination for rename: %w", err)
	}

	if err := os.Rename(t.diskPath(oldPath), t.diskPath(newPath)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return overlaytypes.ErrNotFound
		}

		return fmt.Errorf("fslocal: renaming %s to %s: %w", oldPath, newPath, err)
	}

	return nil
}

// Download copies remote's content for path through to the local cache.
func (t *Tree) Download(ctx context.Context, remote overlaytypes.RemoteTree, path string) (int64, error) {
	h, err := remote.Open(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("fslocal: opening remote %s for download: %w", path, err)
	}
	defer h.Close()

	return t.writeFrom(path, h)
}

// WriteFile materializes r's content as path's local file.
func (t *Tree) WriteFile(ctx context.Context, path string, r io.Reader) error {
	_, err := t.writeFrom(path, r)
	return err
}

func (t *Tree) writeFrom(path string, r io.Reader) (int64, error) {
	target := t.diskPath(path)

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, fmt.Errorf("fslocal: preparing parent dir for %s: %w", path, err)
	}

	if avail, err := t.diskSpaceFunc(t.root); err == nil && avail < minReservedDiskSpace {
		return 0, ErrInsufficientDiskSpace
	}

	tmp := target + ".part"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("fslocal: creating %s: %w", path, err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)

		return 0, fmt.Errorf("fslocal: writing %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("fslocal: closing %s: %w", path, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		return 0, fmt.Errorf("fslocal: finalizing %s: %w", path, err)
	}

	return n, nil
}
