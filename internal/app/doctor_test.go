package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blackwell-systems/flakefinder/internal/config"
	"github.com/blackwell-systems/flakefinder/internal/replay/replaytest"
	"github.com/blackwell-systems/flakefinder/internal/store"
)

// useConfigFile writes body to a temp config file and selects it.
func useConfigFile(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
	useSettings(t, config.Default())
}

func TestRunDoctor_AllChecksPass(t *testing.T) {
	path := useTempDB(t)
	seedHistory(t, path, &store.Run{ID: "r1", CapturePath: "/c/a.rdc", Backend: "remote:bufnet:38920", Replays: 2, Digest: "sha1", StartedAt: time.Now(), Status: store.StatusClean})
	useConfigFile(t, "host: bufnet\n")
	useEngine(t, replaytest.NewEngine(1))

	out, err := runCapture(t, doctorCmd, runDoctor)
	if err != nil {
		t.Fatalf("runDoctor() error = %v\n%s", err, out)
	}
	for _, want := range []string{"✓ Config loaded", "(1 runs)", "Remote backend bufnet:38920 serving", "All checks passed!"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunDoctor_WarningOnlyExitsCode2(t *testing.T) {
	useTempDB(t) // never created
	useConfigFile(t, "host: bufnet\n")
	useEngine(t, replaytest.NewEngine(1))

	out, err := runCapture(t, doctorCmd, runDoctor)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("runDoctor() error = %v, want exit code 2\n%s", err, out)
	}
	if !strings.Contains(out, "⚠ No history database") {
		t.Errorf("expected history warning:\n%s", out)
	}
	if !strings.Contains(out, "Found 1 warning(s)") {
		t.Errorf("expected warning summary:\n%s", out)
	}
}

func TestRunDoctor_InterruptedRunWarns(t *testing.T) {
	path := useTempDB(t)
	seedHistory(t, path, &store.Run{ID: "0190dead-beef", CapturePath: "/c/a.rdc", Backend: "local:x", Replays: 2, Digest: "sha1", StartedAt: time.Now(), Status: store.StatusRunning})
	useConfigFile(t, "host: bufnet\n")
	useEngine(t, replaytest.NewEngine(1))

	out, err := runCapture(t, doctorCmd, runDoctor)
	if ExitCode(err) != 2 {
		t.Fatalf("runDoctor() exit = %d, want 2\n%s", ExitCode(err), out)
	}
	if !strings.Contains(out, "Last run 0190dead never finished") {
		t.Errorf("expected interrupted run warning:\n%s", out)
	}
}

func TestRunDoctor_MissingBackendIsCritical(t *testing.T) {
	useTempDB(t)
	useConfigFile(t, "backend: "+filepath.Join(t.TempDir(), "nope")+"\n")

	out, err := runCapture(t, doctorCmd, runDoctor)
	if err == nil || ExitCode(err) != 1 {
		t.Fatalf("runDoctor() error = %v, want critical failure\n%s", err, out)
	}
	if !strings.Contains(out, "✗ Replay backend not found") {
		t.Errorf("expected backend failure:\n%s", out)
	}
}

func TestRunDoctor_LocalBackendFound(t *testing.T) {
	path := useTempDB(t)
	seedHistory(t, path)
	dir := t.TempDir()
	bin := filepath.Join(dir, "flakefinder-backend")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	useConfigFile(t, "backend: "+dir+"\n")

	out, err := runCapture(t, doctorCmd, runDoctor)
	if err != nil {
		t.Fatalf("runDoctor() error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "✓ Replay backend found: "+bin) {
		t.Errorf("expected backend path:\n%s", out)
	}
}

func TestRunDoctor_InvalidConfigIsCritical(t *testing.T) {
	useTempDB(t)
	useConfigFile(t, "replays: 1\nhost: bufnet\n")
	useEngine(t, replaytest.NewEngine(1))

	out, err := runCapture(t, doctorCmd, runDoctor)
	if ExitCode(err) != 1 {
		t.Fatalf("runDoctor() exit = %d, want 1\n%s", ExitCode(err), out)
	}
	if !strings.Contains(out, "✗ Config invalid") {
		t.Errorf("expected config failure:\n%s", out)
	}
}
