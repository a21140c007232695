package uploader

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/overlaytypes"
)

type fakeRemote struct {
	postAsset func(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error
}

func (f *fakeRemote) List(ctx context.Context, parent string) ([]overlaytypes.FileEntry, error) {
	return nil, overlaytypes.ErrNotImplemented
}

func (f *fakeRemote) Open(ctx context.Context, path string) (overlaytypes.Handle, error) {
	return nil, overlaytypes.ErrNotImplemented
}

func (f *fakeRemote) CreateDirectory(ctx context.Context, path string) error {
	return overlaytypes.ErrNotImplemented
}

func (f *fakeRemote) Delete(ctx context.Context, path string) error {
	return overlaytypes.ErrNotImplemented
}

func (f *fakeRemote) Rename(ctx context.Context, oldPath, newPath string) error {
	return overlaytypes.ErrNotImplemented
}

func (f *fakeRemote) PostAsset(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
	return f.postAsset(ctx, path, method, r, size, chunkSize, fromOffset, onChunk)
}

func TestUploadSuccessEmitsStartThenEnd(t *testing.T) {
	remote := &fakeRemote{
		postAsset: func(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
			onChunk(size, size)
			return nil
		},
	}

	bus := events.New()

	var kinds []events.Kind
	bus.Subscribe(func(e events.Event) { kinds = append(kinds, e.Kind) })

	u := New(remote, bus, nil, 1024, 3, time.Millisecond)

	content := bytes.NewReader([]byte("hello world"))
	err := u.Upload(context.Background(), "/a.txt", overlaytypes.MethodPut, content, int64(content.Len()), 0, nil)
	require.NoError(t, err)

	require.Len(t, kinds, 3)
	assert.Equal(t, events.SyncFileStart, kinds[0])
	assert.Equal(t, events.SyncFileProgress, kinds[1])
	assert.Equal(t, events.SyncFileEnd, kinds[2])
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	var attempts int

	remote := &fakeRemote{
		postAsset: func(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
			attempts++
			if attempts < 2 {
				return &overlaytypes.RemoteStatusError{StatusCode: 503, Err: overlaytypes.ErrNetwork}
			}

			onChunk(size, size)

			return nil
		},
	}

	u := New(remote, events.New(), nil, 1024, 3, time.Millisecond)

	content := bytes.NewReader([]byte("data"))
	err := u.Upload(context.Background(), "/a.txt", overlaytypes.MethodPost, content, int64(content.Len()), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestUploadAccessDeniedDoesNotRetry(t *testing.T) {
	var attempts int

	remote := &fakeRemote{
		postAsset: func(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
			attempts++
			return &overlaytypes.RemoteStatusError{StatusCode: 423, Err: overlaytypes.ErrAccessDenied}
		},
	}

	bus := events.New()

	var sawErr bool
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.SyncFileErr {
			sawErr = true
		}
	})

	u := New(remote, bus, nil, 1024, 3, time.Millisecond)

	content := bytes.NewReader([]byte("data"))
	err := u.Upload(context.Background(), "/locked.txt", overlaytypes.MethodPut, content, int64(content.Len()), 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, overlaytypes.ErrAccessDenied)
	assert.Equal(t, 1, attempts, "locked/checked-out must fail immediately without retry")
	assert.True(t, sawErr)
}

// TestUploadCanceledByOnChunkCallbackSucceedsWithNoError is spec scenario 7:
// an onChunk callback that returns false stops the upload but the callback
// receives no error, and the terminal event is SyncFileEnd, not SyncFileErr.
func TestUploadCanceledByOnChunkCallbackSucceedsWithNoError(t *testing.T) {
	remote := &fakeRemote{
		postAsset: func(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
			onChunk(1, size)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
				return nil
			}
		},
	}

	bus := events.New()

	var kinds []events.Kind
	bus.Subscribe(func(e events.Event) { kinds = append(kinds, e.Kind) })

	u := New(remote, bus, nil, 1024, 3, time.Millisecond)

	content := bytes.NewReader([]byte("data"))
	err := u.Upload(context.Background(), "/a.txt", overlaytypes.MethodPut, content, int64(content.Len()), 0, func(read, total int64) bool {
		return false
	})
	require.NoError(t, err)
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.SyncFileEnd, kinds[len(kinds)-1])
}

// TestExplicitAbortEmitsSyncFileAbort exercises Abort() called from another
// goroutine mid-upload: Upload must return ErrAborted and publish
// SyncFileAbort, not SyncFileErr (§5 "Abort ... emits syncfileabort").
func TestExplicitAbortEmitsSyncFileAbort(t *testing.T) {
	started := make(chan struct{})

	var once sync.Once

	remote := &fakeRemote{
		postAsset: func(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, chunkSize, fromOffset int64, onChunk func(read, total int64)) error {
			for i := int64(0); i < 50; i++ {
				onChunk(i, size)
				once.Do(func() { close(started) })

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Millisecond):
				}
			}

			return nil
		},
	}

	bus := events.New()

	var kinds []events.Kind
	bus.Subscribe(func(e events.Event) { kinds = append(kinds, e.Kind) })

	u := New(remote, bus, nil, 1024, 3, time.Millisecond)

	content := bytes.NewReader([]byte("data"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- u.Upload(context.Background(), "/a.txt", overlaytypes.MethodPut, content, int64(content.Len()), 0, nil)
	}()

	<-started
	u.Abort()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Contains(t, kinds, events.SyncFileAbort)
}

func TestHumanSizeFormatsBytes(t *testing.T) {
	assert.Equal(t, "1.0 MB", HumanSize(1000000))
}
