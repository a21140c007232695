// Package overlay implements the Overlay Tree (SPEC_FULL.md §4.4): the
// three-way merge of remote listing, local cache, and queued work-file
// metadata that backs the file-sharing protocol server's view of a share.
// Grounded on the teacher's internal/sync executor (which drives the same
// kind of remote/local reconciliation, internal/sync/executor.go) adapted
// from a one-shot sync pass to an on-demand, per-call overlay.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/overlaytypes"
	"github.com/mfrisbey/rqtree/internal/pathkey"
	"github.com/mfrisbey/rqtree/internal/share"
)

// conflictEpsilon bounds clock-skew tolerance when comparing lastModified
// against creation time or sync baseline (§4.4 "lastModified > created +
// epsilon", "lastModified <= work.lastSyncDate + tolerance").
const conflictEpsilon = 2 * time.Second

// Tree is one open handle onto a share's overlay of remote and local
// content. Multiple Tree values may be opened concurrently against the
// same Share; all share-wide state (queue, list cache, download
// coordinator, work-file store, event bus) is accessed through the
// injected *share.Share, never through package-level state (§9).
type Tree struct {
	share  *share.Share
	remote overlaytypes.RemoteTree
	local  overlaytypes.LocalTree
	logger *slog.Logger
}

// New creates a Tree handle backed by remote and local, sharing state with
// every other handle opened against sh.
func New(sh *share.Share, remote overlaytypes.RemoteTree, local overlaytypes.LocalTree) *Tree {
	logger := sh.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tree{share: sh, remote: remote, local: local, logger: logger}
}

func (t *Tree) normalize(p string) string {
	return pathkey.Normalize(p, t.share.Config.NoUnicodeNormalize)
}

func (t *Tree) publish(kind events.Kind, path string, err error, data any) {
	t.share.Bus.Publish(events.Event{Kind: kind, Path: path, Err: err, Data: data})
}

// Exists reports whether path is visible, following §4.4's visibility
// rule: temp paths consult Local only; Local presence wins; a queued
// DELETE hides an otherwise-remote path; otherwise Remote is consulted
// (degrading to false on remote failure per §7).
func (t *Tree) Exists(ctx context.Context, path string) bool {
	path = t.normalize(path)

	if pathkey.IsTempName(path) {
		return t.localExists(ctx, path)
	}

	if t.localExists(ctx, path) {
		return true
	}

	if t.hasQueuedDelete(path) {
		return false
	}

	parent := pathkey.ParentOf(path)
	name := pathkey.NameOf(path)

	entries, err := t.listRemote(ctx, parent)
	if err != nil {
		return false
	}

	for _, e := range entries {
		if pathkey.NameOf(e.Path) == name {
			return true
		}
	}

	return false
}

func (t *Tree) localExists(ctx context.Context, path string) bool {
	h, err := t.local.Open(ctx, path)
	if err != nil {
		return false
	}

	h.Close()

	return true
}

func (t *Tree) hasQueuedDelete(path string) bool {
	entry := t.share.Queue.Peek(pathkey.ParentOf(path), pathkey.NameOf(path))
	return entry != nil && entry.Method == overlaytypes.MethodDelete
}

// Open returns a readable handle for path, downloading through the
// Download Coordinator on a cache miss (§4.4, §4.5). On a cache miss Open
// itself blocks in the Coordinator's Fetch until the download completes
// (joining an in-flight fetch of the same path through
// singleflight.Group.Do), and the returned handle serves the downloaded
// copy. A
// cached copy that is concurrently being refreshed by another caller's
// Fetch (see needsRefresh) is not served — Open fails with ErrNotReady
// rather than risk returning content local.Download is mid-overwriting.
func (t *Tree) Open(ctx context.Context, path string) (overlaytypes.Handle, error) {
	path = t.normalize(path)

	if pathkey.IsTempName(path) {
		h, err := t.local.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("overlay: opening temp path %s: %w", path, err)
		}

		return h, nil
	}

	if t.localExists(ctx, path) {
		if t.share.Download.IsDownloading(path) {
			return nil, overlaytypes.ErrNotReady
		}

		if t.needsRefresh(ctx, path) {
			return t.downloadAndOpen(ctx, path)
		}

		h, err := t.local.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("overlay: opening cached %s: %w", path, err)
		}

		return h, nil
	}

	if t.hasQueuedDelete(path) {
		return nil, overlaytypes.ErrNotFound
	}

	return t.downloadAndOpen(ctx, path)
}

// needsRefresh implements §4.5's freshness check for a cached path: compare
// the remote's current lastModified against the work-file's recorded
// RemoteLastModified baseline. Equal timestamps, or the remote clock having
// moved backward (e.g. a server-side rollback), both mean the cached copy
// is still authoritative and no re-download is warranted — only a
// meaningfully newer remote timestamp triggers one. A file with no
// work-file (locally created, never yet synced) or a remote listing
// failure both skip the check and keep serving the cached copy (§7).
func (t *Tree) needsRefresh(ctx context.Context, path string) bool {
	wf, hasWork, err := t.share.Work.ReadWork(path)
	if err != nil || !hasWork {
		return false
	}

	entries, err := t.listRemote(ctx, pathkey.ParentOf(path))
	if err != nil {
		return false
	}

	name := pathkey.NameOf(path)

	for _, e := range entries {
		if pathkey.NameOf(e.Path) != name {
			continue
		}

		return e.LastModified.After(wf.RemoteLastModified.Add(conflictEpsilon))
	}

	return false
}

func (t *Tree) downloadAndOpen(ctx context.Context, path string) (overlaytypes.Handle, error) {
	_, err := t.share.Download.Fetch(ctx, path, func(ctx context.Context) (any, error) {
		t.publish(events.DownloadStart, path, nil, nil)

		n, derr := t.local.Download(ctx, t.remote, path)
		if derr != nil {
			t.publish(events.DownloadEnd, path, derr, nil)
			return nil, derr
		}

		if werr := t.share.Work.RefreshWork(path, time.Now(), time.Now()); werr != nil {
			t.logger.Warn("overlay: failed writing work-file after download",
				slog.String("path", path), slog.String("error", werr.Error()))
		}

		t.publish(events.DownloadEnd, path, nil, n)
		t.publish(events.DownloadAsset, path, nil, nil)

		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: downloading %s: %w", path, err)
	}

	h, err := t.local.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("overlay: opening downloaded %s: %w", path, err)
	}

	return h, nil
}

// List implements §4.4's list algorithm: remote-supersedes-on-attributes
// merge of remote and local entries, conflict detection for locally
// modified entries lacking a work-file, and propagation of remote
// deletions onto matching, unmodified local copies.
func (t *Tree) List(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	parent = t.normalize(parent)

	if pathkey.IsTempName(parent) {
		return t.local.List(ctx, parent)
	}

	if t.share.Download.IsDownloading(parent) {
		return nil, overlaytypes.ErrNotReady
	}

	localEntries, err := t.local.List(ctx, parent)
	if err != nil {
		localEntries = nil
	}

	localByName := make(map[string]overlaytypes.FileEntry, len(localEntries))
	for _, e := range localEntries {
		localByName[pathkey.NameOf(e.Path)] = e
	}

	remoteEntries, err := t.listRemote(ctx, parent)
	if err != nil {
		// §7: list failures degrade to the local+queued view rather than
		// failing the call.
		return t.localOnlyView(parent, localEntries), nil
	}

	remoteByName := make(map[string]bool, len(remoteEntries))

	out := make([]overlaytypes.FileEntry, 0, len(remoteEntries)+len(localEntries))

	for _, r := range remoteEntries {
		name := pathkey.NameOf(r.Path)
		remoteByName[name] = true

		if t.hasQueuedDelete(pathkey.Join(parent, name)) {
			continue
		}

		if local, ok := localByName[name]; ok {
			if _, hasWork, _ := t.share.Work.ReadWork(local.Path); !hasWork {
				local.Origin = overlaytypes.Both
				out = append(out, local)
				continue
			}
		}

		r.Origin = overlaytypes.RemoteOnly
		out = append(out, r)
	}

	for name, local := range localByName {
		if remoteByName[name] {
			continue
		}

		path := local.Path

		if pathkey.IsTempName(path) {
			out = append(out, local)
			continue
		}

		wf, hasWork, _ := t.share.Work.ReadWork(path)

		if !hasWork {
			if local.LastModified.Sub(local.Created) > conflictEpsilon {
				t.publish(events.SyncConflict, path, nil, nil)
			}

			local.Origin = overlaytypes.LocalOnly
			out = append(out, local)

			continue
		}

		// A work-file's presence means path is remote-origin; its absence
		// from the current remote listing means the remote deleted it.
		if t.canDeleteLocked(path, local, wf) {
			if rerr := t.local.Delete(ctx, path); rerr != nil {
				t.logger.Warn("overlay: failed propagating remote deletion",
					slog.String("path", path), slog.String("error", rerr.Error()))
			} else {
				_ = t.share.Work.Remove(path)
				continue
			}
		} else {
			t.publish(events.SyncConflict, path, nil, nil)
		}

		out = append(out, local)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func (t *Tree) localOnlyView(parent string, localEntries []overlaytypes.FileEntry) []overlaytypes.FileEntry {
	out := make([]overlaytypes.FileEntry, 0, len(localEntries))

	for _, e := range localEntries {
		if t.hasQueuedDelete(e.Path) {
			continue
		}

		out = append(out, e)
	}

	return out
}

func (t *Tree) listRemote(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	if names, ok := t.share.Cache.Get(parent); ok {
		entries := make([]overlaytypes.FileEntry, 0, len(names))

		for _, name := range names {
			entries = append(entries, overlaytypes.FileEntry{Path: pathkey.Join(parent, name), Origin: overlaytypes.RemoteOnly})
		}

		return entries, nil
	}

	entries, err := t.remote.List(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("overlay: listing remote %s: %w", parent, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, pathkey.NameOf(e.Path))
	}

	t.share.Cache.Put(parent, names)

	return entries, nil
}

// CanDelete reports whether path may be silently deleted locally per
// §4.4: not locally created (no queued PUT), not locally modified since
// the last sync (within conflictEpsilon tolerance), and a work-file exists.
func (t *Tree) CanDelete(path string) bool {
	path = t.normalize(path)

	entry := t.share.Queue.Peek(pathkey.ParentOf(path), pathkey.NameOf(path))
	if entry != nil && entry.Method == overlaytypes.MethodPut {
		return false
	}

	wf, hasWork, err := t.share.Work.ReadWork(path)
	if err != nil || !hasWork {
		return false
	}

	h, err := t.local.Open(context.Background(), path)
	if err != nil {
		return false
	}
	defer h.Close()

	return !h.LastModified().After(wf.LastSyncDate.Add(conflictEpsilon))
}

// canDeleteLocked is CanDelete's internal variant taking already-resolved
// local/work-file values, used while iterating List's merge to avoid a
// redundant local.Open.
func (t *Tree) canDeleteLocked(path string, local overlaytypes.FileEntry, wf *overlaytypes.WorkFile) bool {
	entry := t.share.Queue.Peek(pathkey.ParentOf(path), pathkey.NameOf(path))
	if entry != nil && entry.Method == overlaytypes.MethodPut {
		return false
	}

	return !local.LastModified.After(wf.LastSyncDate.Add(conflictEpsilon))
}

// CreateFile creates path locally and enqueues a PUT, unless path is a
// temp path (local only, never synchronized, §4.4).
func (t *Tree) CreateFile(ctx context.Context, path string, r io.Reader) error {
	path = t.normalize(path)

	if !pathkey.IsTempName(path) && t.share.Download.IsDownloading(path) {
		return overlaytypes.ErrNotReady
	}

	if err := t.writeLocalFile(ctx, path, r); err != nil {
		return err
	}

	if pathkey.IsTempName(path) {
		return nil
	}

	t.share.Cache.Invalidate(pathkey.ParentOf(path), false)

	return t.share.Queue.Enqueue(pathkey.ParentOf(path), pathkey.NameOf(path), overlaytypes.MethodPut)
}

func (t *Tree) writeLocalFile(ctx context.Context, path string, r io.Reader) error {
	return t.local.WriteFile(ctx, path, r)
}

// CreateDirectory creates a directory, issuing an immediate remote create
// (directories are never queued, §4.4) plus the local mirror.
func (t *Tree) CreateDirectory(ctx context.Context, path string) error {
	path = t.normalize(path)

	if pathkey.IsTempName(path) {
		return t.local.CreateDirectory(ctx, path)
	}

	if err := t.remote.CreateDirectory(ctx, path); err != nil {
		return fmt.Errorf("overlay: creating remote directory %s: %w", path, err)
	}

	if err := t.local.CreateDirectory(ctx, path); err != nil {
		return fmt.Errorf("overlay: creating local directory %s: %w", path, err)
	}

	t.share.Cache.Invalidate(pathkey.ParentOf(path), false)

	return nil
}

// Delete removes path per §4.4's three cases: temp (local-only, error if
// absent), locally created (queued PUT cancelled, coalesced to nothing),
// or cached/remote-origin (local removed if present, DELETE enqueued).
func (t *Tree) Delete(ctx context.Context, path string) error {
	path = t.normalize(path)
	parent := pathkey.ParentOf(path)
	name := pathkey.NameOf(path)

	if pathkey.IsTempName(path) {
		if !t.localExists(ctx, path) {
			return overlaytypes.ErrNotFound
		}

		return t.local.Delete(ctx, path)
	}

	if t.share.Download.IsDownloading(path) {
		return overlaytypes.ErrNotReady
	}

	if t.localExists(ctx, path) {
		if err := t.local.Delete(ctx, path); err != nil {
			return fmt.Errorf("overlay: deleting local %s: %w", path, err)
		}

		_ = t.share.Work.Remove(path)
	}

	t.share.Cache.Invalidate(parent, false)

	return t.share.Queue.Enqueue(parent, name, overlaytypes.MethodDelete)
}

// DeleteDirectory removes a directory the same way as Delete, since the
// Request Queue's DELETE coalescing applies uniformly to files and
// directories (directories carry no separate queue method, §4.3).
func (t *Tree) DeleteDirectory(ctx context.Context, path string) error {
	return t.Delete(ctx, path)
}

// Rename moves old to new, delegating MOVE coalescing to the Request
// Queue (§4.3 table 2) and moving local content + work-file atomically
// (best-effort; a mid-move failure emits syncconflict rather than
// returning a misleading partial-success error, §4.4).
func (t *Tree) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath = t.normalize(oldPath)
	newPath = t.normalize(newPath)

	srcIsTemp := pathkey.IsTempName(oldPath)
	dstIsTemp := pathkey.IsTempName(newPath)

	if (!srcIsTemp && t.share.Download.IsDownloading(oldPath)) || (!dstIsTemp && t.share.Download.IsDownloading(newPath)) {
		return overlaytypes.ErrNotReady
	}

	srcHasCachedRemote := false
	if !srcIsTemp {
		if _, hasWork, _ := t.share.Work.ReadWork(oldPath); hasWork {
			srcHasCachedRemote = true
		}
	}

	if err := t.local.Rename(ctx, oldPath, newPath); err != nil {
		t.publish(events.SyncConflict, oldPath, err, newPath)
		return fmt.Errorf("overlay: renaming local %s to %s: %w", oldPath, newPath, err)
	}

	if err := t.share.Work.Move(oldPath, newPath); err != nil {
		t.publish(events.SyncConflict, oldPath, err, newPath)
		t.logger.Warn("overlay: failed moving work-file, emitting conflict",
			slog.String("old", oldPath), slog.String("new", newPath), slog.String("error", err.Error()))
	}

	t.share.Cache.Invalidate(pathkey.ParentOf(oldPath), false)
	t.share.Cache.Invalidate(pathkey.ParentOf(newPath), false)

	if srcIsTemp && dstIsTemp {
		return nil
	}

	return t.share.Queue.Move(
		pathkey.ParentOf(oldPath), pathkey.NameOf(oldPath), srcIsTemp,
		pathkey.ParentOf(newPath), pathkey.NameOf(newPath), dstIsTemp,
		srcHasCachedRemote,
	)
}

// DeleteLocalDirectoryRecursive depth-first deletes local content under
// dir, retaining (and emitting syncconflict for) any entry that fails
// CanDelete or carries a queued PUT (§4.4).
func (t *Tree) DeleteLocalDirectoryRecursive(ctx context.Context, dir string) error {
	dir = t.normalize(dir)

	entries, err := t.local.List(ctx, dir)
	if err != nil {
		if errors.Is(err, overlaytypes.ErrNotFound) {
			return nil
		}

		return fmt.Errorf("overlay: listing local %s for recursive delete: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDirectory {
			if err := t.DeleteLocalDirectoryRecursive(ctx, e.Path); err != nil {
				return err
			}

			continue
		}

		entry := t.share.Queue.Peek(pathkey.ParentOf(e.Path), pathkey.NameOf(e.Path))
		if entry != nil && entry.Method == overlaytypes.MethodPut {
			t.publish(events.SyncConflict, e.Path, nil, nil)
			continue
		}

		if !t.CanDelete(e.Path) {
			t.publish(events.SyncConflict, e.Path, nil, nil)
			continue
		}

		if err := t.local.Delete(ctx, e.Path); err != nil {
			return fmt.Errorf("overlay: deleting local %s: %w", e.Path, err)
		}

		_ = t.share.Work.Remove(e.Path)
	}

	remaining, err := t.local.List(ctx, dir)
	if err == nil && len(remaining) == 0 {
		return t.local.Delete(ctx, dir)
	}

	return nil
}

// RefreshWorkFiles rewrites the work-file baseline for each locally
// cached file directly inside path: lastSyncDate = now, remoteLastModified =
// local.lastModified. It is path-scoped and non-recursive: subdirectories
// are skipped, not descended into, and there is no deep-refresh option, so
// refreshing a subtree takes one call per directory level.
func (t *Tree) RefreshWorkFiles(ctx context.Context, path string) error {
	path = t.normalize(path)

	entries, err := t.local.List(ctx, path)
	if err != nil {
		if errors.Is(err, overlaytypes.ErrNotFound) {
			return nil
		}

		return fmt.Errorf("overlay: listing local %s for work-file refresh: %w", path, err)
	}

	now := time.Now()

	for _, e := range entries {
		if e.IsDirectory {
			continue
		}

		if err := t.share.Work.RefreshWork(e.Path, now, e.LastModified); err != nil {
			t.logger.Warn("overlay: failed refreshing work-file",
				slog.String("path", e.Path), slog.String("error", err.Error()))
		}
	}

	return nil
}

// QueueData exposes the Request Queue's enqueue/MOVE/COPY operations
// directly to callers that need to replay a mutation without going
// through the higher-level Create/Delete/Rename entry points (§4.4).
func (t *Tree) QueueData(path string, method overlaytypes.Method, destination string) error {
	path = t.normalize(path)

	parent := pathkey.ParentOf(path)
	name := pathkey.NameOf(path)

	switch method {
	case overlaytypes.MethodMove:
		destination = t.normalize(destination)

		srcIsTemp := pathkey.IsTempName(path)
		dstIsTemp := pathkey.IsTempName(destination)

		_, srcHasCachedRemote, _ := t.share.Work.ReadWork(path)

		return t.share.Queue.Move(parent, name, srcIsTemp,
			pathkey.ParentOf(destination), pathkey.NameOf(destination), dstIsTemp, srcHasCachedRemote)
	case overlaytypes.MethodCopy:
		destination = t.normalize(destination)

		return t.share.Queue.Copy(pathkey.ParentOf(destination), pathkey.NameOf(destination), pathkey.IsTempName(destination))
	default:
		if pathkey.IsTempName(path) {
			return nil
		}

		return t.share.Queue.Enqueue(parent, name, method)
	}
}

// ClearCache invalidates the List Cache entry for path (and all
// descendants when deep is true), per §4.8's invalidateContentCache.
func (t *Tree) ClearCache(path string, deep bool) {
	t.share.Cache.Invalidate(t.normalize(path), deep)
}

// CheckCacheSizeAndConflicts walks the local cache under root, emitting
// cachesize with the total bytes of queued files and syncconflict for any
// entry newly failing CanDelete since the previous sweep (§4.4). prevState
// carries the previous sweep's canDelete-failing path set so only newly
// introduced conflicts are reported; callers persist and pass back the
// returned set across calls. Each call performs one sweep; nothing in this
// package or the Sync Processor calls it on a schedule.
func (t *Tree) CheckCacheSizeAndConflicts(ctx context.Context, root string, prevConflicted map[string]bool) (map[string]bool, error) {
	entries, err := t.local.List(ctx, root)
	if err != nil {
		if errors.Is(err, overlaytypes.ErrNotFound) {
			return prevConflicted, nil
		}

		return nil, fmt.Errorf("overlay: listing local %s for cache sweep: %w", root, err)
	}

	var totalBytes int64

	nowConflicted := make(map[string]bool)

	for _, e := range entries {
		if e.IsDirectory {
			child, err := t.CheckCacheSizeAndConflicts(ctx, e.Path, prevConflicted)
			if err != nil {
				return nil, err
			}

			for k := range child {
				nowConflicted[k] = true
			}

			continue
		}

		queued := t.share.Queue.Peek(pathkey.ParentOf(e.Path), pathkey.NameOf(e.Path))
		if queued != nil {
			totalBytes += e.Size
		}

		if !t.CanDelete(e.Path) {
			nowConflicted[e.Path] = true

			if !prevConflicted[e.Path] {
				t.publish(events.SyncConflict, e.Path, nil, nil)
			}
		}
	}

	t.publish(events.CacheSize, root, nil, totalBytes)

	return nowConflicted, nil
}

// LocalWatcher runs a blocking local-filesystem watch until ctx is
// canceled. Satisfied by internal/fslocal.Watcher; kept as a narrow
// interface here so overlay never imports a concrete local backend (§1's
// external-collaborator boundary — the host wires the concrete watcher).
type LocalWatcher interface {
	Run(ctx context.Context) error
}

// WatchLocal runs w until ctx is canceled, giving the Overlay Tree an
// optional push-based local change signal (SPEC_FULL.md §2 fsnotify
// wiring) as an alternative to relying solely on CheckCacheSizeAndConflicts
// polling. WatchLocal itself performs no reconciliation; w is expected to
// invalidate t.share.Cache and publish events.ExternalChange as it observes
// changes, same as the concrete fslocal.Watcher does.
func (t *Tree) WatchLocal(ctx context.Context, w LocalWatcher) error {
	return w.Run(ctx)
}
