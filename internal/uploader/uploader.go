// Package uploader implements the Chunked Uploader (SPEC_FULL.md §4.6):
// fixed-size chunked content upload with retry/backoff, pause/abort, and
// progress reporting, grounded on the teacher's internal/graph/upload.go
// (CreateUploadSession/UploadChunk/uploadAllChunks chunk-loop shape) but
// talking to a generic overlaytypes.RemoteTree.PostAsset rather than a
// Graph upload session, since the remote wire protocol here is a single
// chunked multipart endpoint rather than a session-URL handshake.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/overlaytypes"
)

// ErrAborted is returned when Abort is called mid-upload. An onChunk
// callback that returns false stops the upload without an error.
var ErrAborted = errors.New("uploader: aborted by caller")

// ErrPaused is returned when Pause is called mid-upload; the caller may
// resume by invoking Upload again with fromOffset set to the last
// confirmed progress, or simply retry since the underlying request queue
// entry remains pending.
var ErrPaused = errors.New("uploader: paused by caller")

// OnChunk is invoked after each chunk is transmitted. Returning false
// stops the remaining upload; Upload then returns nil (§4.6).
type OnChunk func(read, total int64) (keepGoing bool)

// Uploader drives a chunked upload of local content to the remote asset
// repository, retrying transient failures and emitting the
// SyncFileStart/.../SyncFileEnd|SyncFileAbort|SyncFileErr event sequence
// (§4.6, §6).
type Uploader struct {
	remote     overlaytypes.RemoteTree
	bus        *events.Bus
	logger     *slog.Logger
	chunkSize  int64
	maxRetries int
	retryDelay time.Duration

	mu      chan struct{} // one-slot semaphore guarding the pause flag
	paused  bool
	aborted bool
}

// New creates an Uploader backed by remote, publishing lifecycle events on
// bus, using chunkSize-byte chunks and retrying up to maxRetries times with
// retryDelay between attempts (the configured chunkUploadSize/maxRetries/
// retryDelay, §6).
func New(remote overlaytypes.RemoteTree, bus *events.Bus, logger *slog.Logger, chunkSize int64, maxRetries int, retryDelay time.Duration) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	u := &Uploader{
		remote:     remote,
		bus:        bus,
		logger:     logger,
		chunkSize:  chunkSize,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		mu:         make(chan struct{}, 1),
	}
	u.mu <- struct{}{}

	return u
}

// Pause requests that the in-progress upload for this Uploader stop after
// its current chunk completes. The queue entry is left pending for a later
// retry (§4.6 "pause/abort").
func (u *Uploader) Pause() {
	<-u.mu
	u.paused = true
	u.mu <- struct{}{}
}

// Abort requests that the in-progress upload stop permanently; Upload
// returns ErrAborted and publishes SyncFileAbort rather than SyncFileErr.
func (u *Uploader) Abort() {
	<-u.mu
	u.aborted = true
	u.mu <- struct{}{}
}

func (u *Uploader) resetControlFlags() {
	<-u.mu
	u.paused = false
	u.aborted = false
	u.mu <- struct{}{}
}

func (u *Uploader) checkControlFlags() error {
	<-u.mu
	defer func() { u.mu <- struct{}{} }()

	if u.aborted {
		return ErrAborted
	}

	if u.paused {
		return ErrPaused
	}

	return nil
}

// Upload transmits the content behind r (size bytes, starting at
// fromOffset — 0 for a fresh upload, or the last confirmed progress when
// resuming a paused transfer, §4.6 "fromOffset skips initial bytes") to
// path using method (PUT to replace, POST to create), retrying each chunk
// up to maxRetries times. onChunk, if non-nil, is invoked after every
// chunk; returning false cancels the remaining upload and Upload returns
// nil — the onChunk callback is a caller-directed early stop, not a
// failure, so it terminates with success-so-far and emits SyncFileEnd
// (§4.6, spec scenario 7 "callback receives no error"). An explicit Abort
// call, by contrast, terminates the upload with ErrAborted and
// SyncFileAbort. Upload emits exactly one SyncFileStart at entry and
// exactly one of SyncFileEnd/SyncFileAbort/SyncFileErr before returning
// (§4.6 invariant). A locked/checked-out remote response classifies as
// ErrAccessDenied and is surfaced immediately without retry.
func (u *Uploader) Upload(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, fromOffset int64, onChunk OnChunk) error {
	u.resetControlFlags()
	u.publish(events.SyncFileStart, path, string(method), nil, nil)

	err := u.uploadWithRetry(ctx, path, method, r, size, fromOffset, onChunk)

	if err != nil {
		if errors.Is(err, ErrAborted) {
			u.publish(events.SyncFileAbort, path, string(method), err, nil)
		} else {
			u.publish(events.SyncFileErr, path, string(method), err, nil)
		}

		return err
	}

	u.publish(events.SyncFileEnd, path, string(method), nil, nil)

	return nil
}

func (u *Uploader) uploadWithRetry(ctx context.Context, path string, method overlaytypes.Method, r io.ReaderAt, size, fromOffset int64, onChunk OnChunk) error {
	var lastErr error

	// offset is the last confirmed progress; each retry resumes from it, so
	// only the failed chunk is sent again.
	offset := fromOffset

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if attempt > 0 {
			u.logger.Warn("uploader: retrying chunked upload",
				slog.String("path", path), slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.retryDelay):
			}
		}

		chunkCtx, cancel := context.WithCancel(ctx)

		var userCanceled bool

		var ctlErr error

		startOffset := offset

		err := u.remote.PostAsset(chunkCtx, path, method, r, size, u.chunkSize, offset, func(read, total int64) {
			offset = read
			u.publish(events.SyncFileProgress, path, string(method), nil, progressData{Read: read, Total: total})

			if onChunk != nil && !onChunk(read, total) {
				userCanceled = true
				cancel()

				return
			}

			if e := u.checkControlFlags(); e != nil {
				ctlErr = e
				cancel()
			}
		})

		cancel()

		if userCanceled {
			return nil
		}

		if ctlErr != nil {
			return ctlErr
		}

		if err == nil {
			return nil
		}

		if errors.Is(err, overlaytypes.ErrAccessDenied) {
			return err
		}

		if !isRetryable(err) {
			return err
		}

		lastErr = err

		// A chunk succeeded during this attempt: the chunk that failed gets
		// a fresh retry budget.
		if offset > startOffset {
			attempt = 0
		}
	}

	return fmt.Errorf("uploader: upload of %s failed after %d attempts: %w", path, u.maxRetries+1, lastErr)
}

// progressData is the Event.Data payload for SyncFileProgress (§6).
type progressData struct {
	Read  int64
	Total int64
}

// HumanSize formats a byte count for log messages, using the teacher's
// preferred humanize library rather than hand-rolled unit math.
func HumanSize(n int64) string {
	return humanize.Bytes(uint64(n))
}

func isRetryable(err error) bool {
	var statusErr *overlaytypes.RemoteStatusError
	if errors.As(err, &statusErr) {
		return overlaytypes.IsRetryableStatus(statusErr.StatusCode)
	}

	return errors.Is(err, overlaytypes.ErrNetwork)
}

func (u *Uploader) publish(kind events.Kind, path, method string, err error, data any) {
	if u.bus == nil {
		return
	}

	u.bus.Publish(events.Event{Kind: kind, Path: path, Method: method, Err: err, Data: data})
}
