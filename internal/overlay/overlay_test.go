package overlay

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/overlaytypes"
	"github.com/mfrisbey/rqtree/internal/share"
	"github.com/mfrisbey/rqtree/testutil"
)

// fakeFile is one in-memory file or directory used by fakeLocal/fakeRemote.
type fakeFile struct {
	data         []byte
	isDirectory  bool
	created      time.Time
	lastModified time.Time
}

type fakeHandle struct {
	*bytes.Reader
	size         int64
	lastModified time.Time
}

func (h *fakeHandle) Close() error                 { return nil }
func (h *fakeHandle) Size() int64                  { return h.size }
func (h *fakeHandle) LastModified() time.Time      { return h.lastModified }

// fakeRemote is an in-memory overlaytypes.RemoteTree.
type fakeRemote struct {
	mu    sync.Mutex
	files map[string]fakeFile
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string]fakeFile)}
}

func (r *fakeRemote) put(path string, data []byte, lastModified time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.files[path] = fakeFile{data: data, created: lastModified, lastModified: lastModified}
}

func (r *fakeRemote) delete(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.files, path)
}

func (r *fakeRemote) List(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := parent
	if prefix != "/" {
		prefix += "/"
	}

	var out []overlaytypes.FileEntry

	for p, f := range r.files {
		if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
			continue
		}

		rest := p[len(prefix):]
		if containsSlash(rest) {
			continue
		}

		out = append(out, overlaytypes.FileEntry{
			Path: p, IsDirectory: f.isDirectory, Size: int64(len(f.data)),
			Created: f.created, LastModified: f.lastModified, Origin: overlaytypes.RemoteOnly,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func containsSlash(s string) bool {
	for _, c := range s {
		if c == '/' {
			return true
		}
	}

	return false
}

func (r *fakeRemote) Open(ctx context.Context, path string) (overlaytypes.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[path]
	if !ok {
		return nil, overlaytypes.ErrNotFound
	}

	return &fakeHandle{Reader: bytes.NewReader(f.data), size: int64(len(f.data)), lastModified: f.lastModified}, nil
}

func (r *fakeRemote) CreateDirectory(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.files[path] = fakeFile{isDirectory: true, created: time.Now(), lastModified: time.Now()}

	return nil
}

func (r *fakeRemote) Delete(ctx context.Context, path string) error {
	r.delete(path)
	return nil
}

func (r *fakeRemote) Rename(ctx context.Context, oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[oldPath]
	if !ok {
		return overlaytypes.ErrNotFound
	}

	delete(r.files, oldPath)
	r.files[newPath] = f

	return nil
}

func (r *fakeRemote) PostAsset(ctx context.Context, path string, method overlaytypes.Method, reader io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
	buf := make([]byte, size)
	if size > 0 {
		_, _ = reader.ReadAt(buf, 0)
	}

	r.put(path, buf, time.Now())

	if onChunk != nil {
		onChunk(size, size)
	}

	return nil
}

// fakeLocal is an in-memory overlaytypes.LocalTree.
type fakeLocal struct {
	mu    sync.Mutex
	files map[string]fakeFile
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{files: make(map[string]fakeFile)}
}

func (l *fakeLocal) List(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := parent
	if prefix != "/" {
		prefix += "/"
	}

	var out []overlaytypes.FileEntry

	for p, f := range l.files {
		if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
			continue
		}

		rest := p[len(prefix):]
		if containsSlash(rest) {
			continue
		}

		out = append(out, overlaytypes.FileEntry{
			Path: p, IsDirectory: f.isDirectory, Size: int64(len(f.data)),
			Created: f.created, LastModified: f.lastModified, Origin: overlaytypes.LocalOnly,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func (l *fakeLocal) Open(ctx context.Context, path string) (overlaytypes.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.files[path]
	if !ok {
		return nil, overlaytypes.ErrNotFound
	}

	return &fakeHandle{Reader: bytes.NewReader(f.data), size: int64(len(f.data)), lastModified: f.lastModified}, nil
}

func (l *fakeLocal) CreateDirectory(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.files[path] = fakeFile{isDirectory: true, created: time.Now(), lastModified: time.Now()}

	return nil
}

func (l *fakeLocal) Delete(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.files[path]; !ok {
		return overlaytypes.ErrNotFound
	}

	delete(l.files, path)

	return nil
}

func (l *fakeLocal) Rename(ctx context.Context, oldPath, newPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.files[oldPath]
	if !ok {
		return overlaytypes.ErrNotFound
	}

	delete(l.files, oldPath)
	l.files[newPath] = f

	return nil
}

func (l *fakeLocal) Download(ctx context.Context, remote overlaytypes.RemoteTree, path string) (int64, error) {
	h, err := remote.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	data, err := io.ReadAll(h)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.files[path] = fakeFile{data: data, created: h.LastModified(), lastModified: h.LastModified()}
	l.mu.Unlock()

	return int64(len(data)), nil
}

func (l *fakeLocal) WriteFile(ctx context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	now := time.Now()

	l.mu.Lock()
	l.files[path] = fakeFile{data: data, created: now, lastModified: now}
	l.mu.Unlock()

	return nil
}

func (l *fakeLocal) setLastModified(path string, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.files[path]
	f.lastModified = t
	l.files[path] = f
}

func newTestTree(t *testing.T) (*Tree, *fakeRemote, *fakeLocal, *share.Share) {
	t.Helper()

	sh := testutil.NewTestShare(t)

	remote := newFakeRemote()
	local := newFakeLocal()

	tree := New(sh, remote, local)

	return tree, remote, local, sh
}

func TestCreateFileEnqueuesPut(t *testing.T) {
	tree, _, _, sh := newTestTree(t)

	err := tree.CreateFile(context.Background(), "/a.txt", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	entry := sh.Queue.Peek("/", "a.txt")
	require.NotNil(t, entry)
	assert.Equal(t, overlaytypes.MethodPut, entry.Method)
}

func TestCreateTempFileDoesNotEnqueue(t *testing.T) {
	tree, _, _, sh := newTestTree(t)

	err := tree.CreateFile(context.Background(), "/.tmpfile", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	assert.Equal(t, 0, sh.Queue.Len())
	assert.True(t, tree.Exists(context.Background(), "/.tmpfile"))
}

func TestDeleteQueuedPutCoalescesToNothing(t *testing.T) {
	tree, _, _, sh := newTestTree(t)

	require.NoError(t, tree.CreateFile(context.Background(), "/a.txt", bytes.NewReader([]byte("x"))))
	require.NoError(t, tree.Delete(context.Background(), "/a.txt"))

	assert.Equal(t, 0, sh.Queue.Len())
	assert.False(t, tree.Exists(context.Background(), "/a.txt"))
}

func TestDeleteRemoteOriginEnqueuesDelete(t *testing.T) {
	tree, remote, _, sh := newTestTree(t)

	remote.put("/r.txt", []byte("remote"), time.Now())

	require.NoError(t, tree.Delete(context.Background(), "/r.txt"))

	entry := sh.Queue.Peek("/", "r.txt")
	require.NotNil(t, entry)
	assert.Equal(t, overlaytypes.MethodDelete, entry.Method)
}

// TestMoveNormalToNormalQueueCoalescing is spec scenario 4: queueData MOVE
// on a previously unqueued cached /a yields (/a: DELETE, /b: PUT).
func TestMoveNormalToNormalQueueCoalescing(t *testing.T) {
	tree, remote, local, sh := newTestTree(t)

	remote.put("/a", []byte("content"), time.Now())
	_, err := local.Download(context.Background(), remote, "/a")
	require.NoError(t, err)
	require.NoError(t, sh.Work.RefreshWork("/a", time.Now(), time.Now()))

	require.NoError(t, tree.Rename(context.Background(), "/a", "/b"))

	srcEntry := sh.Queue.Peek("/", "a")
	require.NotNil(t, srcEntry)
	assert.Equal(t, overlaytypes.MethodDelete, srcEntry.Method)

	dstEntry := sh.Queue.Peek("/", "b")
	require.NotNil(t, dstEntry)
	assert.Equal(t, overlaytypes.MethodPut, dstEntry.Method)
}

// TestRemoteDeletionPropagation is spec scenario 5: remote deletes /f while
// local has a clean cached copy with matching baseline; list removes it.
func TestRemoteDeletionPropagation(t *testing.T) {
	tree, remote, local, sh := newTestTree(t)

	now := time.Now()
	remote.put("/f", []byte("data"), now)

	_, err := local.Download(context.Background(), remote, "/f")
	require.NoError(t, err)
	require.NoError(t, sh.Work.RefreshWork("/f", now, now))

	remote.delete("/f")

	entries, err := tree.List(context.Background(), "/")
	require.NoError(t, err)

	for _, e := range entries {
		assert.NotEqual(t, "/f", e.Path)
	}

	assert.False(t, tree.Exists(context.Background(), "/f"))
}

// TestRemoteDeletionWithLocalEditsKeepsFileAndEmitsConflict is spec
// scenario 6.
func TestRemoteDeletionWithLocalEditsKeepsFileAndEmitsConflict(t *testing.T) {
	tree, remote, local, sh := newTestTree(t)

	baseline := time.Now().Add(-time.Hour)
	remote.put("/f", []byte("data"), baseline)

	_, err := local.Download(context.Background(), remote, "/f")
	require.NoError(t, err)
	require.NoError(t, sh.Work.RefreshWork("/f", baseline, baseline))

	// Simulate a local edit after the last sync.
	local.setLastModified("/f", time.Now())

	remote.delete("/f")

	var conflicts []string
	sh.Bus.Subscribe(func(e events.Event) {
		if e.Kind == events.SyncConflict {
			conflicts = append(conflicts, e.Path)
		}
	})

	entries, err := tree.List(context.Background(), "/")
	require.NoError(t, err)

	found := false

	for _, e := range entries {
		if e.Path == "/f" {
			found = true
		}
	}

	assert.True(t, found, "locally-edited file must be retained despite remote deletion")
	assert.Contains(t, conflicts, "/f")
}

func TestListRemoteSupersedesOnAttributes(t *testing.T) {
	tree, remote, local, _ := newTestTree(t)

	remote.put("/shared.txt", []byte("remote-version"), time.Now())
	require.NoError(t, local.WriteFile(context.Background(), "/shared.txt", bytes.NewReader([]byte("remote-version"))))

	entries, err := tree.List(context.Background(), "/")
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, overlaytypes.Both, entries[0].Origin)
}

func TestListFailureDegradesToLocalView(t *testing.T) {
	tree, _, local, _ := newTestTree(t)

	require.NoError(t, local.WriteFile(context.Background(), "/local-only.txt", bytes.NewReader([]byte("x"))))

	// Break the remote by pointing at a nil-returning list — simulate via
	// a remote whose List always errors.
	tree.remote = erroringRemote{}

	entries, err := tree.List(context.Background(), "/")
	require.NoError(t, err, "list must degrade gracefully rather than fail")
	require.Len(t, entries, 1)
	assert.Equal(t, "/local-only.txt", entries[0].Path)
}

type erroringRemote struct{}

func (erroringRemote) List(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	return nil, overlaytypes.ErrNetwork
}
func (erroringRemote) Open(ctx context.Context, path string) (overlaytypes.Handle, error) {
	return nil, overlaytypes.ErrNetwork
}
func (erroringRemote) CreateDirectory(ctx context.Context, path string) error { return overlaytypes.ErrNetwork }
func (erroringRemote) Delete(ctx context.Context, path string) error         { return overlaytypes.ErrNetwork }
func (erroringRemote) Rename(ctx context.Context, oldPath, newPath string) error {
	return overlaytypes.ErrNetwork
}
func (erroringRemote) PostAsset(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
	return overlaytypes.ErrNetwork
}

// TestOpenServesCachedWhenRemoteUnchanged is §4.5's freshness check, no-op
// branch: remote lastModified equals the work-file's recorded baseline, so
// Open serves the cached copy without a redownload.
func TestOpenServesCachedWhenRemoteUnchanged(t *testing.T) {
	tree, remote, local, sh := newTestTree(t)

	baseline := time.Now().Add(-time.Hour)
	remote.put("/f", []byte("v1"), baseline)

	_, err := local.Download(context.Background(), remote, "/f")
	require.NoError(t, err)
	require.NoError(t, sh.Work.RefreshWork("/f", baseline, baseline))

	var downloads int
	sh.Bus.Subscribe(func(e events.Event) {
		if e.Kind == events.DownloadStart {
			downloads++
		}
	})

	h, err := tree.Open(context.Background(), "/f")
	require.NoError(t, err)
	defer h.Close()

	data, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, 0, downloads, "unchanged remote lastModified must not trigger a redownload")
}

// TestOpenRedownloadsWhenRemoteNewer is §4.5's freshness check, refresh
// branch: a meaningfully newer remote lastModified triggers a redownload.
func TestOpenRedownloadsWhenRemoteNewer(t *testing.T) {
	tree, remote, local, sh := newTestTree(t)

	baseline := time.Now().Add(-time.Hour)
	remote.put("/f", []byte("v1"), baseline)

	_, err := local.Download(context.Background(), remote, "/f")
	require.NoError(t, err)
	require.NoError(t, sh.Work.RefreshWork("/f", baseline, baseline))

	remote.put("/f", []byte("v2"), baseline.Add(2*time.Hour))

	var downloads int
	sh.Bus.Subscribe(func(e events.Event) {
		if e.Kind == events.DownloadStart {
			downloads++
		}
	})

	h, err := tree.Open(context.Background(), "/f")
	require.NoError(t, err)
	defer h.Close()

	data, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, 1, downloads, "a meaningfully newer remote lastModified must trigger exactly one redownload")
}

// TestOpenServesCachedWhenRemoteTimestampRegressed is §4.5's backward-
// lastModified preference rule: a remote clock rollback must not be
// treated as a newer version, so the cached copy keeps serving.
func TestOpenServesCachedWhenRemoteTimestampRegressed(t *testing.T) {
	tree, remote, local, sh := newTestTree(t)

	baseline := time.Now()
	remote.put("/f", []byte("v1"), baseline)

	_, err := local.Download(context.Background(), remote, "/f")
	require.NoError(t, err)
	require.NoError(t, sh.Work.RefreshWork("/f", baseline, baseline))

	remote.put("/f", []byte("v2"), baseline.Add(-time.Hour))

	var downloads int
	sh.Bus.Subscribe(func(e events.Event) {
		if e.Kind == events.DownloadStart {
			downloads++
		}
	})

	h, err := tree.Open(context.Background(), "/f")
	require.NoError(t, err)
	defer h.Close()

	data, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, 0, downloads, "a backward remote lastModified must not trigger a redownload")
}

// TestMutatingOpsFailNotReadyWhileDownloading is §4.5: "mutating operations
// on a DOWNLOADING path ... fail with NOT_READY". Drives the Download
// Coordinator directly to hold /f DOWNLOADING, then exercises every
// mutating entry point against it.
func TestMutatingOpsFailNotReadyWhileDownloading(t *testing.T) {
	tree, _, _, sh := newTestTree(t)

	const path = "/f"

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = sh.Download.Fetch(context.Background(), path, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()

	<-started

	err := tree.CreateFile(context.Background(), path, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, overlaytypes.ErrNotReady)

	err = tree.Delete(context.Background(), path)
	assert.ErrorIs(t, err, overlaytypes.ErrNotReady)

	err = tree.Rename(context.Background(), path, "/g")
	assert.ErrorIs(t, err, overlaytypes.ErrNotReady)

	_, err = tree.List(context.Background(), path)
	assert.ErrorIs(t, err, overlaytypes.ErrNotReady)

	close(release)
	<-done
}

func TestExistsFalseOnRemoteFailure(t *testing.T) {
	tree, _, _, _ := newTestTree(t)
	tree.remote = erroringRemote{}

	assert.False(t, tree.Exists(context.Background(), "/anything"))
}
