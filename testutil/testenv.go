// Package testutil provides shared test environment helpers. It depends
// only on stdlib plus rqconfig/share so that tests across internal/
// packages can build a throwaway share without repeating boilerplate.
package testutil

import (
	"log/slog"
	"testing"

	"github.com/mfrisbey/rqtree/internal/rqconfig"
	"github.com/mfrisbey/rqtree/internal/share"
)

// NewTestConfig returns a DefaultConfig rooted at a fresh t.TempDir(), with
// the sync cadence and cache-sweep interval shortened so timer-driven
// tests don't need to wait out production-scale intervals.
func NewTestConfig(t *testing.T) *rqconfig.Config {
	t.Helper()

	cfg := rqconfig.DefaultConfig()
	cfg.WorkPath = t.TempDir()
	cfg.SyncCadenceMS = 10
	cfg.CacheSweepMS = 10

	return cfg
}

// NewTestShare builds a Share over a fresh NewTestConfig, closing it
// automatically via t.Cleanup.
func NewTestShare(t *testing.T) *share.Share {
	t.Helper()

	sh, err := share.New(NewTestConfig(t), slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	if err != nil {
		t.Fatalf("testutil: building test share: %v", err)
	}

	t.Cleanup(func() {
		if err := sh.Close(); err != nil {
			t.Logf("testutil: closing test share: %v", err)
		}
	})

	return sh
}

// testWriter adapts testing.T.Log to io.Writer so component loggers emit
// through the test framework's output capture instead of stderr.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)

	return len(p), nil
}
