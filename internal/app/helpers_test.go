package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackwell-systems/flakefinder/internal/config"
	"github.com/blackwell-systems/flakefinder/internal/replay/replaytest"
	"github.com/blackwell-systems/flakefinder/internal/scanner"
)

// useTempDB points the history database at a fresh temp file.
func useTempDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	old := dbPath
	dbPath = path
	t.Cleanup(func() { dbPath = old })
	return path
}

// useSettings replaces the loaded settings for the duration of a test.
func useSettings(t *testing.T, cfg config.Config) {
	t.Helper()
	old, oldLogger := settings, logger
	settings = cfg
	t.Cleanup(func() { settings, logger = old, oldLogger })
}

// useEngine routes remote backend connections to an in-process engine.
func useEngine(t *testing.T, e *replaytest.Engine) {
	t.Helper()
	old := replayDialer
	replayDialer = replaytest.Serve(t, e)
	t.Cleanup(func() { replayDialer = old })
}

func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.rdc")
	if err := os.WriteFile(path, []byte("RDOC capture bytes"), 0644); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return path
}

func remoteParams(capturePath string) scanParams {
	return scanParams{
		capturePath: capturePath,
		host:        "bufnet",
		port:        38920,
		dialTimeout: 5 * time.Second,
		opts: scanner.Options{
			Replays: 2,
			Digest:  scanner.DigestSHA1,
		},
	}
}
