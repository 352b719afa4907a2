package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestProgressBar_NonTTYRendersOnlyOnFinish(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(10, "Scanning")
	p.SetWriter(buf)

	p.Start(10)
	p.Step(1, 10, "vkCmdDraw(3)")
	p.Step(2, 10, "")
	if buf.Len() != 0 {
		t.Errorf("non-TTY progress should be silent until Finish, got %q", buf.String())
	}

	p.Finish()
	out := buf.String()
	if !strings.Contains(out, " 20%") {
		t.Errorf("Finish should render current progress, got %q", out)
	}
	if !strings.Contains(out, "vkCmdDraw(3)") {
		t.Errorf("Finish should render last step name, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("Finish should end the line, got %q", out)
	}
}

func TestProgressBar_EarlyStopIsNotComplete(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(0, "")
	p.SetWriter(buf)

	p.Start(4)
	p.Step(2, 4, "vkCmdDispatch(8, 8, 1)")
	p.Finish()

	if strings.Contains(buf.String(), "100%") {
		t.Errorf("stopped scan should not show 100%%, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), " 50%") {
		t.Errorf("expected 50%%, got %q", buf.String())
	}
}

func TestProgressBar_FinishIsIdempotent(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(3, "Scanning")
	p.SetWriter(buf)

	p.Step(3, 3, "")
	p.Finish()
	p.Finish()

	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("expected exactly one line, got %d in %q", got, buf.String())
	}
}

func TestProgressBar_StepClampsToTotal(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(5, "Scanning")
	p.SetWriter(buf)

	p.Step(9, 5, "")
	p.Finish()

	if !strings.Contains(buf.String(), "100%") {
		t.Errorf("over-limit step should clamp to 100%%, got %q", buf.String())
	}
}

func TestProgressBar_ZeroTotal(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(0, "Empty")
	p.SetWriter(buf)

	p.Start(0)
	p.Finish()

	if !strings.Contains(buf.String(), "  0%") {
		t.Errorf("zero total should render 0%%, got %q", buf.String())
	}
}

func TestProgressBar_VisualRender(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(10, "Scanning")
	p.SetWriter(buf)
	p.SetWidth(10)

	p.Step(5, 10, "")
	p.Finish()

	want := "[====>     ]  50% Scanning\n"
	if buf.String() != want {
		t.Errorf("render = %q, want %q", buf.String(), want)
	}
}

func TestProgressBar_SetFraction(t *testing.T) {
	tests := []struct {
		fraction float64
		want     string
	}{
		{0.25, " 25%"},
		{-1, "  0%"},
		{2, "100%"},
	}

	for _, tt := range tests {
		buf := &bytes.Buffer{}
		p := NewProgress(100, "Transferring capture")
		p.SetWriter(buf)
		p.SetFraction(tt.fraction)
		p.Finish()
		if !strings.Contains(buf.String(), tt.want) {
			t.Errorf("SetFraction(%v) rendered %q, want %q", tt.fraction, buf.String(), tt.want)
		}
	}
}

func TestTransferProgress_OneLinePerStage(t *testing.T) {
	buf := &bytes.Buffer{}
	tp := NewTransferProgress(buf)

	tp.Update("Transferring capture", 0.5)
	tp.Update("Transferring capture", 1)
	tp.Update("Opening capture", 1)
	tp.Done()
	tp.Done()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "100% Transferring capture") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "100% Opening capture") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestProgressBar_Concurrent(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(1000, "Concurrent")
	p.SetWriter(buf)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Step(j+1, 100, "")
				p.SetFraction(float64(j) / 100)
			}
		}()
	}
	wg.Wait()
	p.Step(100, 100, "done")
	p.Finish()

	if !strings.Contains(buf.String(), "100% done") {
		t.Errorf("expected 100%% after concurrent updates, got %q", buf.String())
	}
}

func TestSpinner_NonTTYPrintsOnce(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSpinner("Connecting to gpu-box:38920")
	s.SetWriter(buf)

	s.Start()
	s.Start()
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if got := buf.String(); got != "Connecting to gpu-box:38920...\n" {
		t.Errorf("non-TTY spinner output = %q", got)
	}
}

func TestSpinner_MultipleStops(t *testing.T) {
	s := NewSpinner("Working")
	s.SetWriter(&bytes.Buffer{})
	s.Start()
	s.Stop()
	s.Stop()
}

func TestSpinner_StopWithMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSpinner("Connecting")
	s.SetWriter(buf)

	s.Start()
	s.StopWithMessage("Connected")

	if !strings.HasSuffix(buf.String(), "Connected\n") {
		t.Errorf("expected final message, got %q", buf.String())
	}
}

func TestSpinner_FormatMessage(t *testing.T) {
	s := NewSpinner("Waiting for backend")
	if got := s.formatMessage(); got != "Waiting for backend" {
		t.Errorf("formatMessage() = %q", got)
	}

	s.WithTimeout(30 * time.Second)
	s.startTime = time.Now()
	got := s.formatMessage()
	if !strings.HasPrefix(got, "Waiting for backend (") || !strings.HasSuffix(got, "s remaining)") {
		t.Errorf("formatMessage() with timeout = %q", got)
	}

	s.startTime = time.Now().Add(-time.Minute)
	if got := s.formatMessage(); got != "Waiting for backend (0s remaining)" {
		t.Errorf("expired timeout formatMessage() = %q", got)
	}
}

func TestSpinner_UpdateMessage(t *testing.T) {
	s := NewSpinner("Starting backend")
	s.UpdateMessage("Waiting for backend")
	if s.message != "Waiting for backend" {
		t.Errorf("message = %q", s.message)
	}
}

func BenchmarkProgressBar_Step(b *testing.B) {
	p := NewProgress(b.N, "Benchmark")
	p.SetWriter(&bytes.Buffer{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Step(i, b.N, "vkCmdDraw(3)")
	}
}
