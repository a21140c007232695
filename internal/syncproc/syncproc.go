// Package syncproc implements the Sync Processor (SPEC_FULL.md §4.7): a
// timer-driven drain of the Request Queue that dispatches each head entry
// to the Chunked Uploader (PUT/POST) or a direct remote call (DELETE),
// retrying on failure and purging poison entries after too many global
// failures. Grounded on the teacher's internal/sync/worker.go +
// internal/sync/transfer_manager.go drain-loop shape, generalized from a
// one-shot delta sync to queue-draining against the Request Queue.
package syncproc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/overlaytypes"
	"github.com/mfrisbey/rqtree/internal/pathkey"
	"github.com/mfrisbey/rqtree/internal/share"
	"github.com/mfrisbey/rqtree/internal/uploader"
)

// maxConcurrentDispatch bounds how many queue entries the processor
// drives at once per drain tick, via errgroup (the teacher's
// internal/sync/transfer.go bounded-dispatch pattern).
const maxConcurrentDispatch = 4

// Processor drains sh.Queue on a timer, uploading/deleting
// against remote, reading cached content from local.
type Processor struct {
	share    *share.Share
	local    overlaytypes.LocalTree
	remote   overlaytypes.RemoteTree
	uploader *uploader.Uploader
	logger   *slog.Logger

	mu      sync.Mutex
	ticker  *time.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a Processor. It does nothing until Start is called;
// SPEC_FULL.md §6's noprocessor config flag governs whether the host
// application calls Start at all.
func New(sh *share.Share, local overlaytypes.LocalTree, remote overlaytypes.RemoteTree, up *uploader.Uploader) *Processor {
	logger := sh.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{share: sh, local: local, remote: remote, uploader: up, logger: logger}
}

// Start begins the drain timer at the configured sync cadence. Calling
// Start while already running is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.ticker = time.NewTicker(p.share.Config.SyncCadence())
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.loop(ctx)
}

// Stop cancels the timer and waits for any in-flight drain to terminate
// (§5 "stop waits for the in-flight entry to terminate").
func (p *Processor) Stop() {
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()
		return
	}

	p.running = false
	close(p.stopCh)
	ticker := p.ticker
	done := p.doneCh

	p.mu.Unlock()

	ticker.Stop()
	<-done
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// DrainOnce runs drain cycles synchronously, repeating them for as long as
// each cycle leaves the queue shorter than before; it returns once a cycle
// does not shrink the queue (for example when every remaining entry failed).
// Exported for callers that want a one-shot sync outside the Start/Stop
// timer loop (e.g. the CLI's "sync" command without --watch).
func (p *Processor) DrainOnce(ctx context.Context) {
	for {
		before := p.share.Queue.Len()
		p.drainOnce(ctx)

		if p.share.Queue.Len() >= before {
			return
		}
	}
}

// drainOnce dispatches up to maxConcurrentDispatch head entries
// concurrently, bounded with errgroup the way the teacher's transfer
// manager bounds concurrent file transfers.
func (p *Processor) drainOnce(ctx context.Context) {
	p.publish(events.SyncStart, "", nil, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatch)

	dispatched := 0

	for _, e := range p.share.Queue.Iterate() {
		if dispatched >= maxConcurrentDispatch {
			break
		}

		dispatched++

		g.Go(func() error {
			p.dispatch(gctx, e)
			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		p.publish(events.SyncAbort, "", ctx.Err(), nil)
		return
	}

	p.publish(events.SyncEnd, "", nil, nil)
}

func (p *Processor) dispatch(ctx context.Context, entry overlaytypes.QueueEntry) {
	path := pathkey.Join(entry.Parent, entry.Name)

	p.publish(events.SyncProgress, path, nil, entry.Method)

	if pathkey.IsTempName(path) {
		p.logger.Warn("syncproc: dropping temp-named queue entry", slog.String("path", path))
		_ = p.share.Queue.Remove(entry.Parent, entry.Name)

		return
	}

	var err error

	switch entry.Method {
	case overlaytypes.MethodPut, overlaytypes.MethodPost:
		err = p.dispatchUpload(ctx, entry, path)
	case overlaytypes.MethodDelete:
		err = p.dispatchDelete(ctx, entry, path)
	default:
		// MOVE/COPY are reduced to PUT/DELETE at enqueue time (§4.3); the
		// processor should never see them directly.
		p.logger.Warn("syncproc: unexpected queue method, dropping",
			slog.String("path", path), slog.String("method", string(entry.Method)))
		_ = p.share.Queue.Remove(entry.Parent, entry.Name)

		return
	}

	if err == nil {
		_ = p.share.Queue.Remove(entry.Parent, entry.Name)
		return
	}

	p.handleFailure(entry, path, err)
}

func (p *Processor) dispatchUpload(ctx context.Context, entry overlaytypes.QueueEntry, path string) error {
	h, err := p.local.Open(ctx, path)
	if err != nil {
		if errors.Is(err, overlaytypes.ErrNotFound) {
			// The local copy is gone (e.g. overwritten then deleted before
			// the processor got to it); nothing to upload.
			return nil
		}

		return err
	}
	defer h.Close()

	data, err := io.ReadAll(h)
	if err != nil {
		return err
	}

	size := int64(len(data))

	if err := p.uploader.Upload(ctx, path, entry.Method, bytes.NewReader(data), size, 0, nil); err != nil {
		return err
	}

	now := time.Now()
	if werr := p.share.Work.RefreshWork(path, now, now); werr != nil {
		p.logger.Warn("syncproc: failed refreshing work-file after upload",
			slog.String("path", path), slog.String("error", werr.Error()))
	}

	return nil
}

func (p *Processor) dispatchDelete(ctx context.Context, entry overlaytypes.QueueEntry, path string) error {
	err := p.remote.Delete(ctx, path)
	if err != nil && errors.Is(err, overlaytypes.ErrNotFound) {
		// Already gone remotely; treat as success.
		return nil
	}

	return err
}

func (p *Processor) handleFailure(entry overlaytypes.QueueEntry, path string, err error) {
	p.publish(events.SyncErr, path, err, nil)

	retries, rerr := p.share.Queue.IncrementRetry(entry.Parent, entry.Name)
	if rerr != nil {
		p.logger.Warn("syncproc: failed incrementing retry counter",
			slog.String("path", path), slog.String("error", rerr.Error()))

		return
	}

	if retries < 0 {
		return
	}

	if retries >= p.share.Config.PurgeAfterFailures {
		_ = p.share.Queue.MarkPurged(entry.Parent, entry.Name)
		p.publish(events.SyncPurged, path, err, retries)

		return
	}

	p.logger.Warn("syncproc: entry failed, will retry",
		slog.String("path", path), slog.Int("retries", retries), slog.String("error", err.Error()))
}

func (p *Processor) publish(kind events.Kind, path string, err error, data any) {
	p.share.Bus.Publish(events.Event{Kind: kind, Path: path, Err: err, Data: data})
}
