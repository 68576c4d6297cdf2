package subprocess

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mediaforge/forge-api/log"
)

// Reason classifies how a supervised process ended.
type Reason string

const (
	// ReasonOK means the process exited zero.
	ReasonOK Reason = "ok"
	// ReasonExited means the process exited non-zero of its own accord.
	ReasonExited Reason = "exited"
	// ReasonTimeout means the per-process deadline fired and we killed it.
	ReasonTimeout Reason = "timeout"
	// ReasonCancelled means the caller's context was cancelled and we
	// killed it.
	ReasonCancelled Reason = "cancelled"
	// ReasonSpawnFailed means the process never started.
	ReasonSpawnFailed Reason = "spawn_failed"
)

const stderrTailBytes = 500

// Spec describes one process invocation.
type Spec struct {
	// RequestID tags log lines produced while supervising this process.
	RequestID string
	Path      string
	Args      []string
	// Dir is the working directory. Plans use paths relative to it.
	Dir string
	// Timeout bounds the whole run when positive.
	Timeout time.Duration
	// TerminationGrace is how long the process gets between SIGTERM and
	// SIGKILL when we have to stop it.
	TerminationGrace time.Duration
	// DurationHint seeds the progress denominator in seconds, zero when
	// the input duration is unknown.
	DurationHint float64
}

// Result reports the outcome of a supervised run.
type Result struct {
	Reason   Reason
	ExitCode int
	// StderrTail holds the last few hundred characters of stderr for
	// error reporting.
	StderrTail string
}

// ProgressFunc receives completion percentages in [0, 100] plus the most
// recent human-readable stderr line. All calls happen before Run returns.
type ProgressFunc func(percent float64, logLine string)

// Runner supervises ffmpeg-style subprocesses. The interface exists so the
// pipeline can be tested without spawning real encoders.
type Runner interface {
	Run(ctx context.Context, spec Spec, onProgress ProgressFunc) Result
}

type FFmpegRunner struct {
	clock clock.Clock
}

func NewRunner() *FFmpegRunner {
	return &FFmpegRunner{clock: clock.New()}
}

// Run starts the process described by spec and blocks until it finishes or
// has to be stopped. Stops are graceful: SIGTERM first so ffmpeg can flush
// its output trailer, SIGKILL once the grace period elapses. Stdout is
// discarded; stderr feeds the progress parser and the diagnostic tail.
//
// Stderr is consumed by exec's own pipe goroutine, which Wait synchronizes
// with, so every progress callback is delivered before Run returns.
func (r *FFmpegRunner) Run(ctx context.Context, spec Spec, onProgress ProgressFunc) Result {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	grace := spec.TerminationGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	parser := newProgressParser(r.clock, spec.DurationHint, onProgress)
	var tail tailBuffer
	sink := &lineWriter{onLine: func(line string) {
		tail.append(line)
		if onProgress != nil {
			parser.consumeLine(line)
		}
	}}

	cmd := exec.CommandContext(runCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stderr = sink
	cmd.Cancel = func() error {
		log.Log(spec.RequestID, "stopping subprocess", "pid", cmd.Process.Pid)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	// WaitDelay escalates to SIGKILL when the process ignores SIGTERM and
	// force-closes the stderr pipe if an orphaned child keeps it open.
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return Result{Reason: ReasonCancelled, ExitCode: -1, StderrTail: err.Error()}
		}
		return Result{Reason: ReasonSpawnFailed, ExitCode: -1, StderrTail: err.Error()}
	}
	log.Log(spec.RequestID, "started subprocess", "path", spec.Path, "pid", cmd.Process.Pid)

	waitErr := cmd.Wait()
	sink.flush()

	result := Result{StderrTail: tail.String()}
	switch {
	case waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay):
		result.Reason = ReasonOK
	case ctx.Err() != nil:
		result.Reason = ReasonCancelled
		result.ExitCode = exitCode(waitErr)
	case runCtx.Err() == context.DeadlineExceeded:
		result.Reason = ReasonTimeout
		result.ExitCode = exitCode(waitErr)
	default:
		result.Reason = ReasonExited
		result.ExitCode = exitCode(waitErr)
	}
	log.Log(spec.RequestID, "subprocess finished",
		"reason", result.Reason, "exit_code", result.ExitCode)
	return result
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// lineWriter splits a byte stream into lines on both \n and \r, since ffmpeg
// redraws its status line with bare carriage returns. Partial lines are
// buffered across Write calls; call flush once the stream is done.
type lineWriter struct {
	onLine func(string)
	buf    []byte
}

const lineWriterMaxBuffer = 1 << 20

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		next := i + 1
		if w.buf[i] == '\r' && next < len(w.buf) && w.buf[next] == '\n' {
			next++
		}
		w.buf = w.buf[next:]
		if line != "" {
			w.onLine(line)
		}
	}
	// A pathological stream with no line breaks must not grow the buffer
	// without bound.
	if len(w.buf) > lineWriterMaxBuffer {
		w.onLine(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.onLine(string(w.buf))
		w.buf = w.buf[:0]
	}
}

// tailBuffer keeps the last stderrTailBytes characters of what was appended.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) append(line string) {
	if line == "" {
		return
	}
	if len(t.buf) > 0 {
		t.buf = append(t.buf, '\n')
	}
	t.buf = append(t.buf, line...)
	if len(t.buf) > 4*stderrTailBytes {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-2*stderrTailBytes:]...)
	}
}

func (t *tailBuffer) String() string {
	if len(t.buf) <= stderrTailBytes {
		return string(t.buf)
	}
	return string(t.buf[len(t.buf)-stderrTailBytes:])
}
