// Package transcoder supervises one external transcoder process per session:
// it spawns the binary with a profile-resolved argv, pumps stdout into an
// ordered frame channel, tails stderr for diagnostics, and restarts crashed
// processes within a bounded budget.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexbridge/plexbridge/internal/observe"
)

const (
	// frameSize bounds a single stdout read.
	frameSize = 32 << 10

	// stderrWindow is how much recent stderr is retained.
	stderrWindow = 8 << 10

	// maxRestarts within restartWindow before the supervisor goes terminal.
	maxRestarts   = 2
	restartWindow = 30 * time.Second

	// stallTimeout kills a process that stops producing stdout bytes.
	stallTimeout = 15 * time.Second

	// killGrace is the SIGTERM to SIGKILL escalation window.
	killGrace = 3 * time.Second
)

// DefaultMaxRuntime bounds a session's total transcoder lifetime.
const DefaultMaxRuntime = 6 * time.Hour

var (
	ErrStartFailed   = errors.New("transcoder: process failed before producing output")
	ErrRestartBudget = errors.New("transcoder: restart budget exhausted")
	ErrMaxRuntime    = errors.New("transcoder: max runtime reached")
)

// Frame is one event on the supervisor's output channel: a chunk of stdout
// bytes, a clean end, or a terminal error. After End or Err the channel
// closes.
type Frame struct {
	Bytes []byte
	End   bool
	Err   error
}

// Supervisor owns one external process lifecycle. Start may be called once.
type Supervisor struct {
	binary     string
	args       []string
	maxRuntime time.Duration
	metrics    *observe.Metrics
	log        zerolog.Logger

	stderr   *ringBuffer
	lastRead atomic.Int64 // unix nanos of last stdout read

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a supervisor for the given binary and fully-expanded argv.
// maxRuntime <= 0 selects DefaultMaxRuntime.
func New(binary string, args []string, maxRuntime time.Duration, m *observe.Metrics) *Supervisor {
	if maxRuntime <= 0 {
		maxRuntime = DefaultMaxRuntime
	}
	return &Supervisor{
		binary:     binary,
		args:       args,
		maxRuntime: maxRuntime,
		metrics:    m,
		log:        observe.Component("transcoder"),
		stderr:     newRingBuffer(stderrWindow),
		done:       make(chan struct{}),
	}
}

// StderrTail returns the most recent stderr output.
func (s *Supervisor) StderrTail() string {
	return string(s.stderr.Tail())
}

// Start launches the process and returns the ordered frame channel. The
// channel closes after a terminal Frame (End or Err). Cancelling ctx or
// calling Stop reaps the process within the kill grace.
func (s *Supervisor) Start(ctx context.Context) <-chan Frame {
	runCtx, cancel := context.WithTimeout(ctx, s.maxRuntime)
	s.cancel = cancel
	frames := make(chan Frame, 16)
	go s.run(runCtx, frames)
	return frames
}

// Stop cancels the process and blocks until it has been reaped.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// sendTerminal delivers the final frame with a bounded wait so Stop can
// never deadlock behind a consumer that walked away.
func sendTerminal(frames chan<- Frame, f Frame) {
	select {
	case frames <- f:
	case <-time.After(killGrace):
	}
}

func (s *Supervisor) run(ctx context.Context, frames chan<- Frame) {
	defer close(s.done)
	defer close(frames)

	var restarts []time.Time
	for {
		produced, err := s.runOnce(ctx, frames)
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				sendTerminal(frames, Frame{Err: ErrMaxRuntime})
			} else {
				sendTerminal(frames, Frame{End: true})
			}
			return
		}
		if err == nil {
			sendTerminal(frames, Frame{End: true})
			return
		}
		if produced == 0 {
			// Non-zero exit with no stdout is a fatal start error; restarting
			// a misconfigured argv would just burn the budget.
			s.log.Error().Err(err).Str("stderr", s.StderrTail()).Msg("process failed to start")
			sendTerminal(frames, Frame{Err: fmt.Errorf("%w: %v", ErrStartFailed, err)})
			return
		}

		now := time.Now()
		recent := restarts[:0]
		for _, t := range restarts {
			if now.Sub(t) < restartWindow {
				recent = append(recent, t)
			}
		}
		restarts = recent
		if len(restarts) >= maxRestarts {
			s.log.Error().Err(err).Int("restarts", len(restarts)).Msg("restart budget exhausted")
			sendTerminal(frames, Frame{Err: ErrRestartBudget})
			return
		}
		restarts = append(restarts, now)
		if s.metrics != nil {
			s.metrics.SupervisorRestart.Inc()
		}
		s.log.Warn().Err(err).Int("attempt", len(restarts)).Msg("process died, restarting")
	}
}

// runOnce runs a single process incarnation until exit, stall, or
// cancellation. Returns bytes produced and the exit error.
func (s *Supervisor) runOnce(ctx context.Context, frames chan<- Frame) (int64, error) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	cmd := exec.CommandContext(attemptCtx, s.binary, s.args...)
	cmd.Stderr = s.stderr
	// SIGTERM first so ffmpeg can flush; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	s.log.Info().Int("pid", cmd.Process.Pid).Str("binary", s.binary).Msg("process started")
	s.lastRead.Store(time.Now().UnixNano())

	// Stall watchdog: no stdout bytes for stallTimeout kills this attempt.
	// The flag records that the watchdog fired; a cancelled attemptCtx alone
	// cannot distinguish a stall kill from a clean exit.
	var stalled atomic.Bool
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				last := time.Unix(0, s.lastRead.Load())
				if time.Since(last) > stallTimeout {
					s.log.Warn().Dur("stalled", time.Since(last)).Msg("stdout stalled, killing process")
					stalled.Store(true)
					cancelAttempt()
					return
				}
			}
		}
	}()

	var produced int64
	buf := make([]byte, frameSize)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			s.lastRead.Store(time.Now().UnixNano())
			produced += int64(n)
			out := make([]byte, n)
			copy(out, buf[:n])
			select {
			case frames <- Frame{Bytes: out}:
			case <-attemptCtx.Done():
				readErr = attemptCtx.Err()
			}
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	cancelAttempt()
	<-watchdogDone

	if stalled.Load() && waitErr == nil {
		// The watchdog killed a stalled process that still exited zero.
		waitErr = errors.New("stalled")
	}
	return produced, waitErr
}
