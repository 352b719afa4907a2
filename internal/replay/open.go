package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// BackendBinaryName is looked up in $PATH when no backend path is given.
	BackendBinaryName = "flakefinder-backend"

	// DefaultPort is the port a remote backend listens on.
	DefaultPort = 38920

	// DefaultChunkSize is the transfer chunk size for remote captures.
	DefaultChunkSize = 1 << 20

	// DefaultDialTimeout bounds how long Open waits for a backend to serve.
	DefaultDialTimeout = 30 * time.Second

	shutdownTimeout = 5 * time.Second
)

// Config selects a backend and the capture to open on it.
type Config struct {
	// CapturePath is the capture file on the local machine.
	CapturePath string

	// BackendPath is the backend executable started for local replay.
	// Empty means BackendBinaryName from $PATH.
	BackendPath string
	BackendArgs []string

	// BackendOutput receives the local backend's stdout and stderr.
	BackendOutput io.Writer

	// Host selects remote replay. The capture is copied to the remote
	// before it is opened.
	Host string
	Port int

	DialTimeout time.Duration
	ChunkSize   int

	// Dialer overrides how connections are made, bypassing name resolution.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)

	// Status is called with a short message as the connection advances
	// from starting or dialling the backend to waiting for it to serve.
	Status func(message string)

	// Progress is called while the capture is transferred and opened.
	Progress func(stage string, fraction float64)

	Logger *slog.Logger
}

// Remote reports whether cfg selects a remote backend.
func (cfg Config) Remote() bool {
	return cfg.Host != ""
}

func (cfg Config) status(message string) {
	if cfg.Status != nil {
		cfg.Status(message)
	}
}

// Open connects to the configured backend and opens the capture on it. On
// success the caller owns the returned Client and must Close it.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.CapturePath == "" {
		return nil, &CaptureLoadError{Path: cfg.CapturePath, Err: fmt.Errorf("no capture file given")}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	absPath, err := filepath.Abs(cfg.CapturePath)
	if err != nil {
		return nil, &CaptureLoadError{Path: cfg.CapturePath, Err: err}
	}

	var client *Client
	if cfg.Remote() {
		client, err = connectRemote(ctx, cfg)
	} else {
		client, err = startLocal(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := openCapture(ctx, client, cfg, absPath); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func openCapture(ctx context.Context, client *Client, cfg Config, absPath string) error {
	path := absPath
	if cfg.Remote() {
		f, err := os.Open(absPath)
		if err != nil {
			return &CaptureLoadError{Path: absPath, Err: err}
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return &CaptureLoadError{Path: absPath, Err: err}
		}
		progress := func(f float64) {
			if cfg.Progress != nil {
				cfg.Progress("Transferring capture", f)
			}
		}
		path, err = client.CopyCapture(ctx, filepath.Base(absPath), f, info.Size(), cfg.ChunkSize, progress)
		if err != nil {
			return err
		}
	}

	if err := client.OpenCapture(ctx, path); err != nil {
		return err
	}
	if cfg.Progress != nil {
		cfg.Progress("Opening capture", 1)
	}
	return nil
}

// Ping dials the remote backend selected by cfg and waits for it to report
// SERVING, without opening a capture.
func Ping(ctx context.Context, cfg Config) error {
	if !cfg.Remote() {
		return fmt.Errorf("no remote host configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	conn, err := dial(ctx, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg)
	if err != nil {
		return err
	}
	return conn.Close()
}

func connectRemote(ctx context.Context, cfg Config) (*Client, error) {
	target := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := dial(ctx, target, cfg)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info("connected to remote replay backend", "target", target)
	return NewClient(conn, cfg.Logger), nil
}

func startLocal(ctx context.Context, cfg Config) (*Client, error) {
	path, err := FindBackend(cfg.BackendPath)
	if err != nil {
		return nil, &BackendConnectError{Target: cfg.BackendPath, Stage: StageSpawn, Err: err}
	}

	port, err := freePort()
	if err != nil {
		return nil, &BackendConnectError{Target: path, Stage: StageSpawn, Err: err}
	}

	out := cfg.BackendOutput
	if out == nil {
		out = io.Discard
	}
	args := append(append([]string{}, cfg.BackendArgs...), "--port", strconv.Itoa(port))
	cmd := exec.Command(path, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cfg.status("Starting replay backend " + filepath.Base(path))
	if err := cmd.Start(); err != nil {
		return nil, &BackendConnectError{Target: path, Stage: StageSpawn, Err: err}
	}
	cfg.Logger.Debug("started replay backend", "path", path, "pid", cmd.Process.Pid, "port", port)

	conn, err := dial(ctx, net.JoinHostPort("localhost", strconv.Itoa(port)), cfg)
	if err != nil {
		stopProcess(cmd, cfg.Logger)
		return nil, err
	}
	client := NewClient(conn, cfg.Logger)
	client.proc = cmd
	return client, nil
}

// dial creates the connection and waits until the backend reports SERVING.
func dial(ctx context.Context, target string, cfg Config) (*grpc.ClientConn, error) {
	cfg.status("Waiting for replay backend at " + target)
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(1 << 30)),
	}
	if cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(cfg.Dialer))
		target = "passthrough:///" + target
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, &BackendConnectError{Target: target, Stage: StageDial, Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := WaitForHealth(waitCtx, conn, cfg.Logger); err != nil {
		conn.Close()
		return nil, &BackendConnectError{Target: target, Stage: StageHealth, Err: err}
	}
	return conn, nil
}

// WaitForHealth blocks until the backend's health check reports SERVING or
// ctx ends.
func WaitForHealth(ctx context.Context, conn *grpc.ClientConn, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	hc := healthpb.NewHealthClient(conn)
	backoff := 100 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := hc.Check(callCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
		cancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		if err != nil {
			logger.Debug("waiting for replay backend", "error", err)
		} else {
			logger.Debug("waiting for replay backend", "status", resp.GetStatus().String())
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("backend not serving: %w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("backend not serving: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}

// FindBackend resolves the local backend executable. path may name the
// executable itself or the module directory containing it.
func FindBackend(path string) (string, error) {
	if path == "" {
		p, err := exec.LookPath(BackendBinaryName)
		if err != nil {
			return "", fmt.Errorf("unable to locate the replay backend %q: %w", BackendBinaryName, err)
		}
		return p, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		candidate := filepath.Join(path, BackendBinaryName)
		if _, err := os.Stat(candidate); err != nil {
			return "", fmt.Errorf("%s does not contain %s", path, BackendBinaryName)
		}
		return candidate, nil
	}
	return path, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// stopProcess interrupts a spawned backend and kills it if it has not exited
// within shutdownTimeout.
func stopProcess(cmd *exec.Cmd, logger *slog.Logger) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		cmd.Process.Kill()
	}
	select {
	case err := <-done:
		logger.Debug("replay backend exited", "pid", cmd.Process.Pid, "error", err)
	case <-time.After(shutdownTimeout):
		cmd.Process.Kill()
		<-done
		logger.Warn("replay backend killed after timeout", "pid", cmd.Process.Pid)
	}
}
