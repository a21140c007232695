// Package download implements the Download Coordinator (SPEC_FULL.md
// ยง4.5): at most one concurrent fetch per remote path across all open tree
// handles of a share, with all concurrent callers observing the same
// fetched bytes. Built on golang.org/x/sync/singleflight, the sibling
// package of golang.org/x/sync/errgroup that the teacher already depends
// on (internal/sync/transfer.go) — no new module dependency, just a new
// import path within one already present.
package download

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Coordinator deduplicates concurrent fetches of the same path. One
// Coordinator is owned per share (internal/share) and shared across every
// overlay.Tree handle opened against it (ยง4.5, ยง5).
type Coordinator struct {
	group singleflight.Group

	mu          sync.Mutex
	downloading map[string]int // path -> number of callers currently waiting
}

// New creates an empty Download Coordinator.
func New() *Coordinator {
	return &Coordinator{
		downloading: make(map[string]int),
	}
}

// IsDownloading reports whether path currently has an in-flight fetch.
// Mutating operations (open-for-write, create, rename, delete, list-of-
// that-exact-path) must check this and fail with NotReady (ยง4.5).
func (c *Coordinator) IsDownloading(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.downloading[path] > 0
}

// Fetch runs fn for path, collapsing concurrent calls for the same path
// into a single execution (ยง4.5 state machine: IDLE -> DOWNLOADING ->
// IDLE). All concurrent callers block until the single in-flight fetch
// completes and observe the same error (ยง5 "global happens-before").
// fn's return value, if any, is shared with all waiters via the generic
// result parameter.
func (c *Coordinator) Fetch(ctx context.Context, path string, fn func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	c.downloading[path]++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.downloading[path]--
		if c.downloading[path] <= 0 {
			delete(c.downloading, path)
		}
		c.mu.Unlock()
	}()

	v, err, _ := c.group.Do(path, func() (any, error) {
		return fn(ctx)
	})

	return v, err
}

// Forget removes path from the singleflight group's memoized-in-progress
// state without waiting for completion. Used defensively by failure
// containment paths that must not leave a path permanently wedged after a
// panic recovery (ยง5 "per-path locks are released on all exit paths").
func (c *Coordinator) Forget(path string) {
	c.group.Forget(path)
}
