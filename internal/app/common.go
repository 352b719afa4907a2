package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/flakefinder/internal/capture"
	"github.com/blackwell-systems/flakefinder/internal/replay"
	"github.com/blackwell-systems/flakefinder/internal/scanner"
	"github.com/blackwell-systems/flakefinder/internal/store"
)

// replayDialer, when set, replaces network dialing of remote backends.
var replayDialer func(ctx context.Context, addr string) (net.Conn, error)

// scanFlags are the flags shared by scan and watch.
type scanFlags struct {
	capture     string
	backend     string
	host        string
	port        int
	replays     int
	digest      string
	from        uint32
	to          uint32
	dialTimeout time.Duration
	noHistory   bool
}

func (f *scanFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.capture, "capture", "c", "", "capture file to scan")
	fs.StringVar(&f.backend, "backend", "", "replay backend executable or directory (default: flakefinder-backend in $PATH)")
	fs.StringVar(&f.host, "host", "", "replay on a remote backend at this host")
	fs.IntVar(&f.port, "port", replay.DefaultPort, "remote backend port")
	fs.IntVarP(&f.replays, "replays", "n", scanner.DefaultReplays, "replays per draw (at least 2)")
	fs.StringVar(&f.digest, "digest", scanner.DefaultDigest, "content digest: sha1 or xxh64")
	fs.Uint32Var(&f.from, "from", 0, "first event ID to scan (0: start of capture)")
	fs.Uint32Var(&f.to, "to", 0, "last event ID to scan (0: end of capture)")
	fs.DurationVar(&f.dialTimeout, "timeout", replay.DefaultDialTimeout, "how long to wait for the backend")
	fs.BoolVar(&f.noHistory, "no-history", false, "do not record the run in the history database")
}

// scanParams is one fully resolved scan request.
type scanParams struct {
	capturePath string
	backendPath string
	host        string
	port        int
	dialTimeout time.Duration
	noHistory   bool
	opts        scanner.Options
}

// backendLabel describes where replay happens, for history and output.
func (p scanParams) backendLabel() string {
	if p.host != "" {
		return "remote:" + net.JoinHostPort(p.host, strconv.Itoa(p.port))
	}
	if p.backendPath != "" {
		return "local:" + p.backendPath
	}
	return "local:" + replay.BackendBinaryName
}

// resolve merges settings with flags; a flag given on the command line wins.
func (f *scanFlags) resolve(cmd *cobra.Command, args []string) (scanParams, error) {
	changed := cmd.Flags().Changed

	p := scanParams{
		backendPath: settings.Backend,
		host:        settings.Host,
		port:        settings.Port,
		dialTimeout: settings.DialTimeout,
		noHistory:   f.noHistory,
		opts: scanner.Options{
			Replays: settings.Replays,
			Digest:  settings.Digest,
			From:    capture.EventID(f.from),
			To:      capture.EventID(f.to),
		},
	}
	if changed("backend") {
		p.backendPath = f.backend
	}
	if changed("host") {
		p.host = f.host
	}
	if changed("port") {
		p.port = f.port
	}
	if changed("timeout") {
		p.dialTimeout = f.dialTimeout
	}
	if changed("replays") {
		p.opts.Replays = f.replays
	}
	if changed("digest") {
		p.opts.Digest = f.digest
	}

	switch {
	case len(args) > 0 && f.capture != "" && args[0] != f.capture:
		return p, fmt.Errorf("capture given twice: %q and --capture %q", args[0], f.capture)
	case len(args) > 0:
		p.capturePath = args[0]
	default:
		p.capturePath = f.capture
	}
	if p.capturePath == "" {
		return p, fmt.Errorf("no capture file given (pass it as an argument or with --capture)")
	}
	abs, err := filepath.Abs(p.capturePath)
	if err != nil {
		return p, fmt.Errorf("failed to resolve capture path: %w", err)
	}
	p.capturePath = abs

	if err := p.opts.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// openHistory opens the history database, creating its schema.
func openHistory() (*store.Store, error) {
	path, err := getDBPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get database path: %w", err)
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.CreateSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database schema: %w", err)
	}
	return db, nil
}

// openExistingHistory opens the history database for reading. A database
// that was never created yields store.ErrNotInitialized.
func openExistingHistory() (*store.Store, error) {
	path, err := getDBPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get database path: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, store.ErrNotInitialized
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
