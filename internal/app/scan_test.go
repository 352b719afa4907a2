package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/flakefinder/internal/capture"
	"github.com/blackwell-systems/flakefinder/internal/config"
	"github.com/blackwell-systems/flakefinder/internal/replay"
	"github.com/blackwell-systems/flakefinder/internal/replay/replaytest"
	"github.com/blackwell-systems/flakefinder/internal/scanner"
	"github.com/blackwell-systems/flakefinder/internal/store"
)

func TestScanCommand(t *testing.T) {
	if scanCmd.Name() != "scan" {
		t.Errorf("expected name 'scan', got '%s'", scanCmd.Name())
	}
	if scanCmd.Short == "" || scanCmd.Long == "" || scanCmd.Example == "" {
		t.Error("expected Short, Long and Example to be set")
	}
	if scanCmd.RunE == nil {
		t.Error("expected RunE to be set")
	}
}

func TestScanCommandFlags(t *testing.T) {
	tests := []struct {
		flagName     string
		defaultValue string
	}{
		{"capture", ""},
		{"backend", ""},
		{"host", ""},
		{"port", "38920"},
		{"replays", "2"},
		{"digest", "sha1"},
		{"from", "0"},
		{"to", "0"},
		{"timeout", "30s"},
		{"no-history", "false"},
	}

	for _, cmd := range []*cobra.Command{scanCmd, watchCmd} {
		for _, tt := range tests {
			flag := cmd.Flags().Lookup(tt.flagName)
			if flag == nil {
				t.Errorf("%s: expected flag '%s' to be registered", cmd.Name(), tt.flagName)
				continue
			}
			if flag.Usage == "" {
				t.Errorf("%s: expected flag '%s' to have usage text", cmd.Name(), tt.flagName)
			}
			if flag.DefValue != tt.defaultValue {
				t.Errorf("%s: flag '%s' default = %q, want %q", cmd.Name(), tt.flagName, flag.DefValue, tt.defaultValue)
			}
		}
	}
}

// parseScanFlags registers scan flags on a fresh command and parses argv.
func parseScanFlags(t *testing.T, argv ...string) (*cobra.Command, *scanFlags) {
	t.Helper()
	f := &scanFlags{}
	cmd := &cobra.Command{Use: "scan"}
	f.register(cmd)
	require.NoError(t, cmd.ParseFlags(argv))
	return cmd, f
}

func TestScanFlags_Resolve(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "config-host"
	cfg.Replays = 3
	cfg.Digest = "xxh64"
	cfg.Backend = "/opt/replay"
	useSettings(t, cfg)

	t.Run("settings apply when flags are not given", func(t *testing.T) {
		cmd, f := parseScanFlags(t)
		p, err := f.resolve(cmd, []string{"frame.rdc"})
		require.NoError(t, err)

		assert.True(t, filepath.IsAbs(p.capturePath))
		assert.Equal(t, "frame.rdc", filepath.Base(p.capturePath))
		assert.Equal(t, "config-host", p.host)
		assert.Equal(t, replay.DefaultPort, p.port)
		assert.Equal(t, 3, p.opts.Replays)
		assert.Equal(t, "xxh64", p.opts.Digest)
		assert.Equal(t, "/opt/replay", p.backendPath)
		assert.Equal(t, "remote:config-host:38920", p.backendLabel())
	})

	t.Run("flags win", func(t *testing.T) {
		cmd, f := parseScanFlags(t,
			"--capture", "frame.rdc", "--host", "", "--replays", "5", "--digest", "sha1",
			"--from", "10", "--to", "20", "--timeout", "2s", "--no-history")
		p, err := f.resolve(cmd, nil)
		require.NoError(t, err)

		assert.Equal(t, "", p.host)
		assert.Equal(t, 5, p.opts.Replays)
		assert.Equal(t, "sha1", p.opts.Digest)
		assert.Equal(t, capture.EventID(10), p.opts.From)
		assert.Equal(t, capture.EventID(20), p.opts.To)
		assert.Equal(t, 2*time.Second, p.dialTimeout)
		assert.True(t, p.noHistory)
		assert.Equal(t, "local:/opt/replay", p.backendLabel())
	})

	t.Run("same capture twice is accepted", func(t *testing.T) {
		cmd, f := parseScanFlags(t, "--capture", "frame.rdc")
		_, err := f.resolve(cmd, []string{"frame.rdc"})
		assert.NoError(t, err)
	})

	tests := []struct {
		name string
		argv []string
		args []string
		want string
	}{
		{name: "no capture", want: "no capture file given"},
		{name: "two captures", argv: []string{"--capture", "a.rdc"}, args: []string{"b.rdc"}, want: "capture given twice"},
		{name: "one replay", argv: []string{"--replays", "1"}, args: []string{"a.rdc"}, want: "at least 2"},
		{name: "bad digest", argv: []string{"--digest", "md5"}, args: []string{"a.rdc"}, want: "unknown digest"},
		{name: "bad range", argv: []string{"--from", "9", "--to", "3"}, args: []string{"a.rdc"}, want: "invalid event range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, f := parseScanFlags(t, tt.argv...)
			_, err := f.resolve(cmd, tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("one replay is ErrReplayCount", func(t *testing.T) {
		cmd, f := parseScanFlags(t, "--replays", "1")
		_, err := f.resolve(cmd, []string{"a.rdc"})
		assert.ErrorIs(t, err, scanner.ErrReplayCount)
	})
}

func TestExecuteScan_Clean(t *testing.T) {
	dbFile := useTempDB(t)
	e := replaytest.NewEngine(4)
	useEngine(t, e)

	var out bytes.Buffer
	res, err := executeScan(context.Background(), &out, remoteParams(writeCapture(t)))
	require.NoError(t, err)
	assert.True(t, res.Clean())
	assert.Equal(t, 4, res.DrawsChecked)

	text := out.String()
	assert.Contains(t, text, "No discrepancies found!")
	assert.Contains(t, text, "Checked 4/4 draws")
	assert.Contains(t, text, "Run ")
	assert.True(t, e.IsShutdown(), "backend should be shut down after the scan")
	assert.NotEmpty(t, e.Opened())

	db, err := store.New(dbFile)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.ListRuns("", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusClean, runs[0].Status)
	assert.Equal(t, 4, runs[0].DrawsChecked)
	assert.Equal(t, "remote:bufnet:38920", runs[0].Backend)
	assert.EqualValues(t, len("RDOC capture bytes"), runs[0].CaptureSize)
	assert.False(t, runs[0].FinishedAt.IsZero())
}

func TestExecuteScan_Discrepancy(t *testing.T) {
	dbFile := useTempDB(t)
	e := replaytest.NewEngine(6)
	e.MakeFlaky(3, replaytest.ColorTarget)
	useEngine(t, e)

	var out bytes.Buffer
	res, err := executeScan(context.Background(), &out, remoteParams(writeCapture(t)))
	require.NoError(t, err, "a discrepancy is a result, not an error")
	require.NotNil(t, res.Discrepancy)

	assert.Contains(t, out.String(), "Found discrepancy in EID 3, resource ResourceId::100")
	assert.Contains(t, out.String(), "vkCmdDraw(9)")

	db, err := store.New(dbFile)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.ListRuns("", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusDiscrepancy, runs[0].Status)

	d, err := db.GetDiscrepancy(runs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.EqualValues(t, 3, d.EventID)
	assert.EqualValues(t, replaytest.ColorTarget, d.ResourceID)
	assert.Equal(t, "color", d.Kind)
	assert.Equal(t, "vkCmdDraw(9)", d.DrawName)
	assert.NotEqual(t, d.ExpectedDigest, d.ActualDigest)
}

func TestExecuteScan_ReplayFailureIsRecorded(t *testing.T) {
	dbFile := useTempDB(t)
	e := replaytest.NewEngine(5)
	e.FailAt(2, errors.New("VK_ERROR_DEVICE_LOST"))
	useEngine(t, e)

	var out bytes.Buffer
	_, err := executeScan(context.Background(), &out, remoteParams(writeCapture(t)))
	var replayErr *replay.ReplayError
	require.ErrorAs(t, err, &replayErr)
	assert.EqualValues(t, 2, replayErr.EventID)
	assert.NotContains(t, out.String(), "No discrepancies found!")

	db, err := store.New(dbFile)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.ListRuns("", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.StatusError, runs[0].Status)
	assert.Contains(t, runs[0].Error, "EID 2")
	assert.Equal(t, 1, runs[0].DrawsChecked)
}

func TestExecuteScan_MissingCapture(t *testing.T) {
	useTempDB(t)
	useEngine(t, replaytest.NewEngine(1))

	p := remoteParams(filepath.Join(t.TempDir(), "missing.rdc"))
	_, err := executeScan(context.Background(), &bytes.Buffer{}, p)

	var loadErr *replay.CaptureLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExecuteScan_NoHistory(t *testing.T) {
	dbFile := useTempDB(t)
	useEngine(t, replaytest.NewEngine(2))

	p := remoteParams(writeCapture(t))
	p.noHistory = true

	var out bytes.Buffer
	_, err := executeScan(context.Background(), &out, p)
	require.NoError(t, err)
	assert.NotContains(t, out.String(), "recorded")

	_, err = os.Stat(dbFile)
	assert.True(t, os.IsNotExist(err), "no database should be created with --no-history")
}

func TestRunScan_ThroughRootCommand(t *testing.T) {
	dbFile := useTempDB(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	useSettings(t, config.Default())
	e := replaytest.NewEngine(3)
	e.MakeFlaky(2, replaytest.DepthTarget)
	useEngine(t, e)

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"scan", writeCapture(t), "--host", "bufnet", "--replays", "3", "--db", dbFile})
	defer func() {
		RootCmd.SetOut(nil)
		RootCmd.SetArgs(nil)
	}()

	err := RootCmd.Execute()
	require.NoError(t, err)
	assert.Equal(t, 0, ExitCode(err))

	assert.Contains(t, out.String(), "Found discrepancy in EID 2, resource ResourceId::200")
	assert.Equal(t, 3, e.Replays(1))
}
