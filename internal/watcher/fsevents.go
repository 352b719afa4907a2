package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the capture must be quiet before a rescan.
const DefaultDebounce = 500 * time.Millisecond

// ScanFunc runs one scan. Its error is logged; watching continues.
type ScanFunc func(ctx context.Context) error

// Options tunes a Watcher.
type Options struct {
	Debounce time.Duration
	// Initial runs a scan as soon as the watcher starts.
	Initial bool
	Logger  *slog.Logger
}

// Watcher serialises scans of one capture file, triggered by changes to it.
type Watcher struct {
	path     string
	scan     ScanFunc
	debounce time.Duration
	initial  bool
	logger   *slog.Logger

	fsw      *fsnotify.Watcher
	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Watcher for the capture at path.
func New(path string, scan ScanFunc, opts Options) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("capture path cannot be empty")
	}
	if scan == nil {
		return nil, fmt.Errorf("scan function cannot be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		path:     abs,
		scan:     scan,
		debounce: opts.Debounce,
		initial:  opts.Initial,
		logger:   opts.Logger,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Start begins watching. Scans run with a context derived from ctx that is
// canceled by Stop.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw

	scanCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.initial {
		w.Trigger()
	}

	w.wg.Add(2)
	go w.runEventLoop()
	go w.runScanLoop(scanCtx)

	w.logger.Debug("watching capture", "path", w.path, "debounce", w.debounce)
	return nil
}

// Trigger requests a scan. Requests made while one is already pending are
// merged into it.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Watcher) matches(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}

// runEventLoop debounces file events into scan triggers.
func (w *Watcher) runEventLoop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev) {
				continue
			}
			w.logger.Debug("capture changed", "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "err", err)
		case <-fire:
			fire = nil
			w.Trigger()
		case <-w.stopCh:
			return
		}
	}
}

// runScanLoop runs one scan per trigger, never two at once.
func (w *Watcher) runScanLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.trigger:
			if err := w.scan(ctx); err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return
				}
				w.logger.Error("scan failed", "path", w.path, "err", err)
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the watcher, cancels a running scan and waits for it to return.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.cancel != nil {
			w.cancel()
		}
		if w.fsw != nil {
			err = w.fsw.Close()
		}
		w.wg.Wait()
	})
	return err
}

// Run starts the watcher and blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}
