package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// writerIsTTY returns true if the given writer exposes an Fd() method
// (e.g. *os.File) and that fd is a terminal. Falls back to false for
// plain io.Writer values such as *bytes.Buffer.
func writerIsTTY(w io.Writer) bool {
	type fder interface {
		Fd() uintptr
	}
	if f, ok := w.(fder); ok {
		return isatty.IsTerminal(f.Fd())
	}
	return false
}

// ProgressBar displays a progress bar with percentage and description.
// Example: [=========>          ]  45% EID 1234 vkCmdDrawIndexed(36)
//
// ProgressBar satisfies the scanner's progress interface through Start,
// Step and Finish.
type ProgressBar struct {
	total       int
	current     int
	description string
	width       int
	mu          sync.Mutex
	writer      io.Writer
	finished    bool
}

// NewProgress creates a new progress bar.
func NewProgress(total int, description string) *ProgressBar {
	return &ProgressBar{
		total:       total,
		description: description,
		width:       40,
		writer:      os.Stdout,
	}
}

// SetWidth sets the width of the progress bar in characters.
func (p *ProgressBar) SetWidth(width int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.width = width
}

// SetWriter sets the output writer (useful for testing).
func (p *ProgressBar) SetWriter(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer = w
}

// Start resets the bar for a new run over total items.
func (p *ProgressBar) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = total
	p.current = 0
	p.finished = false
	if writerIsTTY(p.writer) {
		p.render()
	}
}

// Step records that done of total items are complete; name describes the
// item just finished.
func (p *ProgressBar) Step(done, total int, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = total
	p.current = min(done, total)
	if name != "" {
		p.description = name
	}
	if writerIsTTY(p.writer) {
		p.render()
	}
}

// SetFraction moves the bar to fraction (0..1) of its total.
func (p *ProgressBar) SetFraction(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fraction = max(0, min(fraction, 1))
	p.current = int(fraction * float64(p.total))
	if writerIsTTY(p.writer) {
		p.render()
	}
}

// Finish draws the final state and moves to a new line. The bar is left
// where the last Step put it, so an early stop does not read as 100%.
// Calling Finish more than once has no effect.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}
	p.finished = true
	p.render()
	fmt.Fprintln(p.writer)
}

// render draws the progress bar (must be called with lock held).
// On a TTY the line is overwritten in place; otherwise only Finish renders,
// so logs get a single line.
func (p *ProgressBar) render() {
	percentage := 0
	filled := 0
	if p.total > 0 {
		percentage = (p.current * 100) / p.total
		filled = (p.current * p.width) / p.total
	}

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < p.width; i++ {
		switch {
		case i < filled-1:
			bar.WriteString("=")
		case i == filled-1:
			bar.WriteString(">")
		default:
			bar.WriteString(" ")
		}
	}
	bar.WriteString("]")

	line := fmt.Sprintf("%s %3d%% %s", bar.String(), percentage, p.description)
	if writerIsTTY(p.writer) {
		// Pad so a shorter description fully overwrites a longer one.
		fmt.Fprintf(p.writer, "\r%-*s", p.width+80, line)
		return
	}
	fmt.Fprint(p.writer, line)
}

// TransferProgress adapts a ProgressBar to the (stage, fraction) callback
// used while a capture is uploaded and opened. A new bar is started for each
// stage.
type TransferProgress struct {
	w     io.Writer
	stage string
	bar   *ProgressBar
}

// NewTransferProgress creates a TransferProgress writing to w.
func NewTransferProgress(w io.Writer) *TransferProgress {
	return &TransferProgress{w: w}
}

// Update reports fraction (0..1) complete for stage.
func (t *TransferProgress) Update(stage string, fraction float64) {
	if stage != t.stage {
		t.Done()
		t.stage = stage
		t.bar = NewProgress(100, stage)
		t.bar.SetWriter(t.w)
		t.bar.Start(100)
	}
	t.bar.SetFraction(fraction)
}

// Done finishes the current stage's bar, if any.
func (t *TransferProgress) Done() {
	if t.bar != nil {
		t.bar.Finish()
		t.bar = nil
		t.stage = ""
	}
}

// Spinner displays an animated spinner with a message.
// Example: |  Connecting to gpu-box:38920 (27s remaining)
type Spinner struct {
	message   string
	running   bool
	chars     []string
	mu        sync.Mutex
	writer    io.Writer
	ticker    *time.Ticker
	done      chan struct{}
	timeout   time.Duration
	startTime time.Time
}

// NewSpinner creates a new spinner with a message. Call WithTimeout before
// Start to show the time left.
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message: message,
		chars:   []string{"|", "/", "-", "\\"},
		writer:  os.Stdout,
		done:    make(chan struct{}),
	}
}

// WithTimeout shows "message (Xs remaining)" counting down from timeout.
// It returns the spinner for chaining.
func (s *Spinner) WithTimeout(timeout time.Duration) *Spinner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	return s
}

// SetWriter sets the output writer (useful for testing).
func (s *Spinner) SetWriter(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

// Start begins the spinner animation.
// On a non-TTY writer the animation goroutine is not started; the message
// is printed once instead so that non-interactive output stays clean.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.startTime = time.Now()

	if !writerIsTTY(s.writer) {
		fmt.Fprintf(s.writer, "%s...\n", s.message)
		return
	}

	s.ticker = time.NewTicker(100 * time.Millisecond)
	go func() {
		idx := 0
		for {
			select {
			case <-s.ticker.C:
				s.mu.Lock()
				if !s.running {
					s.mu.Unlock()
					return
				}
				fmt.Fprintf(s.writer, "\r%s  %s", s.chars[idx], s.formatMessage())
				idx = (idx + 1) % len(s.chars)
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
	}()
}

// formatMessage must be called with lock held.
func (s *Spinner) formatMessage() string {
	if s.timeout <= 0 {
		return s.message
	}
	remaining := max(s.timeout-time.Since(s.startTime), 0)
	return fmt.Sprintf("%s (%ds remaining)", s.message, int(remaining.Seconds()))
}

// Stop stops the spinner animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.done)

	if writerIsTTY(s.writer) {
		fmt.Fprintf(s.writer, "\r%s\r", strings.Repeat(" ", len(s.formatMessage())+4))
	}
}

// UpdateMessage updates the spinner message while it's running.
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// StopWithMessage stops the spinner and displays a final message.
func (s *Spinner) StopWithMessage(message string) {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.writer, message)
}
