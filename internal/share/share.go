// Package share holds the state shared by every overlay.Tree handle opened
// against the same logical share: the Request Queue, List Cache, Download
// Coordinator, Work-File Store, and event bus. SPEC_FULL.md §9 replaces the
// source system's per-share singletons with this explicit context object,
// passed into overlay.New rather than reached for as package-level state.
package share

import (
	"log/slog"

	"github.com/mfrisbey/rqtree/internal/download"
	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/listcache"
	"github.com/mfrisbey/rqtree/internal/queue"
	"github.com/mfrisbey/rqtree/internal/rqconfig"
	"github.com/mfrisbey/rqtree/internal/workstore"
)

// Share bundles the cross-handle state for one configured share.
type Share struct {
	Config   *rqconfig.Config
	Logger   *slog.Logger
	Queue    *queue.Queue
	Cache    *listcache.Cache
	Download *download.Coordinator
	Work     *workstore.Store
	Bus      *events.Bus
}

// New constructs a Share's shared components from cfg, opening (or
// reopening) the durable queue and work-file store rooted at cfg.WorkPath.
func New(cfg *rqconfig.Config, logger *slog.Logger) (*Share, error) {
	if logger == nil {
		logger = slog.Default()
	}

	q, err := queue.New(cfg.WorkPath, logger)
	if err != nil {
		return nil, err
	}

	return &Share{
		Config:   cfg,
		Logger:   logger,
		Queue:    q,
		Cache:    listcache.New(cfg.ContentCacheTTL()),
		Download: download.New(),
		Work:     workstore.New(cfg.WorkPath, logger),
		Bus:      events.New(),
	}, nil
}

// Close releases the Share's durable resources (the queue's log file).
func (s *Share) Close() error {
	return s.Queue.Close()
}
