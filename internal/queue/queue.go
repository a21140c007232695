// Package queue implements the durable Request Queue of pending remote
// mutations (SPEC_FULL.md ยง4.3): coalescing of PUT/POST/DELETE, MOVE/COPY
// semantics (including temp-path interaction), and append-with-rewrite
// persistence. Grounded on the teacher's internal/sync/ledger.go lifecycle
// (WriteActions -> Claim -> Complete/Fail/Cancel), adapted from a SQL table
// to a flat append-structured log per SPEC_FULL.md ยง6 "Persistent state
// layout" (no embedded database in this tree).
package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfrisbey/rqtree/internal/overlaytypes"
	"github.com/mfrisbey/rqtree/internal/pathkey"
)

// logFileName is the append-structured persistence file (ยง6).
const logFileName = "queue.log"

// filePerms restricts the queue log to owner read/write.
const filePerms = 0o600

// opKind distinguishes log record kinds for replay.
type opKind string

const (
	opUpsert opKind = "upsert"
	opRemove opKind = "remove"
)

// logRecord is one line of the append-structured queue log.
type logRecord struct {
	Op    opKind                  `json:"op"`
	Entry overlaytypes.QueueEntry `json:"entry,omitempty"`
	Key   string                  `json:"key,omitempty"`
}

// Queue is the durable, ordered Request Queue for one share. At most one
// non-terminal entry exists per (parent, name) (ยง3 QueueEntry invariant,
// ยง8 invariant 3). No entry ever carries a temp name (ยง8 invariant 4) —
// callers are expected to have already filtered temp paths before calling
// Enqueue (the Overlay Tree is responsible for this per ยง4.4); Enqueue
// defensively drops temp-named entries rather than trusting callers.
type Queue struct {
	mu      sync.Mutex
	dir     string
	logger  *slog.Logger
	entries map[string]*overlaytypes.QueueEntry // key -> entry
	order   []string                            // insertion order of keys, oldest first
	logFile *os.File
}

// New creates (or reopens) a Queue persisted under dir, replaying any
// existing log to reconstruct in-memory state.
func New(dir string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("queue: creating work dir %s: %w", dir, err)
	}

	q := &Queue{
		dir:     dir,
		logger:  logger,
		entries: make(map[string]*overlaytypes.QueueEntry),
	}

	if err := q.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(q.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerms)
	if err != nil {
		return nil, fmt.Errorf("queue: opening log for append: %w", err)
	}

	q.logFile = f

	return q, nil
}

func (q *Queue) logPath() string {
	return filepath.Join(q.dir, logFileName)
}

// replay reconstructs in-memory state from the log file, if present.
func (q *Queue) replay() error {
	f, err := os.Open(q.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("queue: opening log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec logRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			q.logger.Warn("queue: skipping corrupt log line", slog.String("error", err.Error()))
			continue
		}

		switch rec.Op {
		case opUpsert:
			entry := rec.Entry
			key := entry.Key()

			if _, exists := q.entries[key]; !exists {
				q.order = append(q.order, key)
			}

			cp := entry
			q.entries[key] = &cp
		case opRemove:
			if _, exists := q.entries[rec.Key]; exists {
				delete(q.entries, rec.Key)
				q.removeFromOrder(rec.Key)
			}
		}
	}

	return scanner.Err()
}

func (q *Queue) removeFromOrder(key string) {
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *Queue) appendRecord(rec logRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: encoding log record: %w", err)
	}

	data = append(data, '\n')

	if _, err := q.logFile.Write(data); err != nil {
		return fmt.Errorf("queue: writing log record: %w", err)
	}

	return q.logFile.Sync()
}

// Close flushes and closes the underlying log file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.logFile == nil {
		return nil
	}

	return q.logFile.Close()
}

// upsertLocked writes entry to memory and to the durable log. Caller must
// hold q.mu.
func (q *Queue) upsertLocked(entry *overlaytypes.QueueEntry) error {
	key := entry.Key()

	if _, exists := q.entries[key]; !exists {
		q.order = append(q.order, key)
	}

	q.entries[key] = entry

	return q.appendRecord(logRecord{Op: opUpsert, Entry: *entry})
}

// removeLocked removes the entry for key from memory and logs the removal.
// No-op (and no log record) if the key is not present. Caller must hold q.mu.
func (q *Queue) removeLocked(key string) error {
	if _, exists := q.entries[key]; !exists {
		return nil
	}

	delete(q.entries, key)
	q.removeFromOrder(key)

	return q.appendRecord(logRecord{Op: opRemove, Key: key})
}

func keyOf(parent, name string) string {
	return parent + "\x00" + name
}

// Enqueue applies the ยง4.3 coalescing table for a single-path PUT/POST/
// DELETE mutation. Temp-named entries are dropped defensively (ยง8 invariant
// 4); callers should not rely on this and should filter before calling.
func (q *Queue) Enqueue(parent, name string, method overlaytypes.Method) error {
	if pathkey.IsTempName(pathkey.Join(parent, name)) {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.enqueueLocked(parent, name, method)
}

// enqueueLocked implements coalescing table 1 (ยง4.3). method is the
// incoming operation (PUT/POST/DELETE); the existing entry (if any)
// determines the resulting state. Caller must hold q.mu.
func (q *Queue) enqueueLocked(parent, name string, method overlaytypes.Method) error {
	key := keyOf(parent, name)
	existing := q.entries[key]

	var existingMethod overlaytypes.Method
	if existing != nil {
		existingMethod = existing.Method
	}

	result, remove := coalesce(existingMethod, method)
	if remove {
		return q.removeLocked(key)
	}

	entry := &overlaytypes.QueueEntry{
		ID:        uuid.NewString(),
		Parent:    parent,
		Name:      name,
		Method:    result,
		Timestamp: time.Now(),
	}

	if existing != nil {
		entry.ID = existing.ID
		entry.Retries = existing.Retries
	}

	return q.upsertLocked(entry)
}

// coalesce implements table 1 of ยง4.3: given the existing queued method
// (zero value "" means no existing entry) and the incoming method, returns
// the resulting method, or remove=true if the entry should disappear
// entirely (incoming DELETE cancels an unsynced PUT).
func coalesce(existing, incoming overlaytypes.Method) (result overlaytypes.Method, remove bool) {
	switch incoming {
	case overlaytypes.MethodPut:
		switch existing {
		case "", overlaytypes.MethodPut:
			return overlaytypes.MethodPut, false
		case overlaytypes.MethodPost, overlaytypes.MethodDelete:
			return overlaytypes.MethodPost, false
		}
	case overlaytypes.MethodPost:
		switch existing {
		case "", overlaytypes.MethodPost, overlaytypes.MethodDelete:
			return overlaytypes.MethodPost, false
		case overlaytypes.MethodPut:
			return overlaytypes.MethodPut, false
		}
	case overlaytypes.MethodDelete:
		switch existing {
		case overlaytypes.MethodPut:
			return "", true
		default:
			return overlaytypes.MethodDelete, false
		}
	}

	return incoming, false
}

// Move applies ยง4.3's MOVE semantics (table 2): remove/adjust the source
// entry per the temp-path interaction rules, then enqueue the destination
// per its natural effect. srcIsTemp/dstIsTemp classify the endpoints
// (ยง4.1 IsTempName); srcHasCachedRemote reports whether the source is a
// cached-or-remote-origin file (as opposed to purely a locally-queued
// create) — the Overlay Tree supplies this from work-file presence, since
// the queue itself has no notion of cache state.
func (q *Queue) Move(srcParent, srcName string, srcIsTemp bool, dstParent, dstName string, dstIsTemp bool, srcHasCachedRemote bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	srcKey := keyOf(srcParent, srcName)
	existingSrc := q.entries[srcKey]

	switch {
	case srcIsTemp:
		// temp source: never tracked, no source-side effect.
	case dstIsTemp:
		if existingSrc != nil && existingSrc.Method == overlaytypes.MethodPut {
			if err := q.removeLocked(srcKey); err != nil {
				return err
			}
		} else if srcHasCachedRemote {
			if err := q.enqueueLocked(srcParent, srcName, overlaytypes.MethodDelete); err != nil {
				return err
			}
		}
	default:
		// normal -> normal MOVE: coalesce a DELETE onto the source.
		if err := q.enqueueLocked(srcParent, srcName, overlaytypes.MethodDelete); err != nil {
			return err
		}
	}

	if !dstIsTemp {
		return q.enqueueLocked(dstParent, dstName, overlaytypes.MethodPut)
	}

	return nil
}

// Copy applies ยง4.3's COPY semantics (table 2): the source is left
// unchanged; the destination is enqueued with its natural PUT effect
// unless it is a temp path.
func (q *Queue) Copy(dstParent, dstName string, dstIsTemp bool) error {
	if dstIsTemp {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.enqueueLocked(dstParent, dstName, overlaytypes.MethodPut)
}

// Head returns a copy of the oldest non-terminal entry for parent, or nil if
// none exists; it does not remove the entry. The entry remains in the log until Remove is called by the
// sync processor after successful execution.
func (q *Queue) Head(parent string) *overlaytypes.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, key := range q.order {
		entry := q.entries[key]
		if entry != nil && entry.Parent == parent {
			cp := *entry
			return &cp
		}
	}

	return nil
}

// HeadAny returns a copy of the globally oldest entry across all parents,
// or nil if the queue is empty; it does not remove the entry.
func (q *Queue) HeadAny() *overlaytypes.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}

	entry := q.entries[q.order[0]]
	if entry == nil {
		return nil
	}

	cp := *entry

	return &cp
}

// Peek returns the current entry for (parent, name), or nil if absent.
func (q *Queue) Peek(parent, name string) *overlaytypes.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[keyOf(parent, name)]
	if !ok {
		return nil
	}

	cp := *entry

	return &cp
}

// Iterate returns a snapshot of all entries in FIFO order.
func (q *Queue) Iterate() []overlaytypes.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]overlaytypes.QueueEntry, 0, len(q.order))
	for _, key := range q.order {
		if e := q.entries[key]; e != nil {
			out = append(out, *e)
		}
	}

	return out
}

// Len reports the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.order)
}

// Remove deletes the entry identified by (parent, name), e.g. after the
// Sync Processor successfully executes it.
func (q *Queue) Remove(parent, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removeLocked(keyOf(parent, name))
}

// IncrementRetry bumps the retry counter for (parent, name) and persists
// the updated entry. Returns the new retry count, or -1 if no entry exists.
func (q *Queue) IncrementRetry(parent, name string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := keyOf(parent, name)

	entry, ok := q.entries[key]
	if !ok {
		return -1, nil
	}

	updated := *entry
	updated.Retries++

	if err := q.upsertLocked(&updated); err != nil {
		return -1, err
	}

	return updated.Retries, nil
}

// MarkPurged removes the entry for (parent, name) after the Sync Processor
// has given up on it (ยง4.7 "after a configured number of global failures,
// emit purged and drop").
func (q *Queue) MarkPurged(parent, name string) error {
	return q.Remove(parent, name)
}

// Compact rewrites the log file to contain only upsert records for
// currently-live entries, dropping historical remove records (ยง6
// "append-with-rewrite"). Safe to call periodically to bound log growth.
func (q *Queue) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.logFile.Close(); err != nil {
		return fmt.Errorf("queue: closing log before compaction: %w", err)
	}

	tmpPath := q.logPath() + ".compact"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerms)
	if err != nil {
		return fmt.Errorf("queue: creating compaction file: %w", err)
	}

	w := bufio.NewWriter(f)

	for _, key := range q.order {
		entry := q.entries[key]
		if entry == nil {
			continue
		}

		data, err := json.Marshal(logRecord{Op: opUpsert, Entry: *entry})
		if err != nil {
			f.Close()
			return fmt.Errorf("queue: encoding entry during compaction: %w", err)
		}

		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("queue: writing entry during compaction: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("queue: flushing compaction file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("queue: closing compaction file: %w", err)
	}

	if err := os.Rename(tmpPath, q.logPath()); err != nil {
		return fmt.Errorf("queue: renaming compaction file: %w", err)
	}

	reopened, err := os.OpenFile(q.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerms)
	if err != nil {
		return fmt.Errorf("queue: reopening log after compaction: %w", err)
	}

	q.logFile = reopened

	return nil
}
