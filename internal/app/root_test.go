package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/blackwell-systems/flakefinder/internal/config"
)

func TestRootCommand(t *testing.T) {
	if RootCmd.Use != "flakefinder" {
		t.Errorf("expected Use to be 'flakefinder', got '%s'", RootCmd.Use)
	}
	if RootCmd.Short == "" {
		t.Error("expected Short description to be set")
	}
	if RootCmd.Long == "" {
		t.Error("expected Long description to be set")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	found := make(map[string]bool)
	for _, cmd := range RootCmd.Commands() {
		found[cmd.Name()] = true
	}

	for _, expected := range []string{"scan", "watch", "history", "show", "doctor"} {
		if !found[expected] {
			t.Errorf("expected command '%s' to be registered", expected)
		}
	}
}

func TestRootCommandHasPersistentFlags(t *testing.T) {
	for _, name := range []string{"db", "config", "verbose"} {
		flag := RootCmd.PersistentFlags().Lookup(name)
		if flag == nil {
			t.Errorf("expected --%s flag to be registered", name)
			continue
		}
		if flag.Usage == "" {
			t.Errorf("expected --%s flag to have usage text", name)
		}
	}
}

func TestGetDBPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		name       string
		dbPathFlag string
		configured string
		want       string
	}{
		{
			name: "default path",
			want: filepath.Join(home, ".flakefinder", "history.db"),
		},
		{
			name:       "configured path",
			configured: "/var/lib/flakefinder.db",
			want:       "/var/lib/flakefinder.db",
		},
		{
			name:       "flag wins over config",
			dbPathFlag: "/tmp/test.db",
			configured: "/var/lib/flakefinder.db",
			want:       "/tmp/test.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldDBPath := dbPath
			dbPath = tt.dbPathFlag
			defer func() { dbPath = oldDBPath }()

			cfg := config.Default()
			cfg.DB = tt.configured
			useSettings(t, cfg)

			got, err := getDBPath()
			if err != nil {
				t.Fatalf("getDBPath() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("getDBPath() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(home, ".flakefinder")); err != nil {
		t.Errorf("default path should create ~/.flakefinder: %v", err)
	}
}

func TestLoadSettings(t *testing.T) {
	useSettings(t, config.Default())
	for _, name := range []string{"FLAKEFINDER_REPLAYS", "FLAKEFINDER_LOG_LEVEL"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("host: gpu-box\nreplays: 4\nlog_level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	oldConfig := configPath
	configPath = path
	defer func() { configPath = oldConfig }()

	if err := loadSettings(RootCmd, nil); err != nil {
		t.Fatalf("loadSettings() error = %v", err)
	}
	if settings.Host != "gpu-box" || settings.Replays != 4 {
		t.Errorf("settings = %+v, want host gpu-box and 4 replays", settings)
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("log_level: info should enable info logging")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("log_level: info should not enable debug logging")
	}

	if err := os.WriteFile(path, []byte("replays: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := loadSettings(RootCmd, nil); err == nil {
		t.Error("loadSettings() should reject replays: 1")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"exit error", &ExitError{Code: 2}, 2},
		{"wrapped exit error", fmt.Errorf("doctor: %w", &ExitError{Code: 2}), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
