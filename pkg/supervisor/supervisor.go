// Package supervisor runs command handlers as child processes with a
// timeout, captured output and debounced partial flushes.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sys/unix"

	"github.com/morezero/hostagent/pkg/protocol"
)

const logPrefix = "supervisor:supervisor"

// waitDelay bounds how long Wait keeps reading pipes held open by
// descendants that escaped the process group kill.
const waitDelay = 2 * time.Second

// Invocation describes one handler run.
type Invocation struct {
	Path string
	// Command is passed as the sole positional argument. Empty means probe mode.
	Command   string
	Arguments map[string]string
	Timeout   time.Duration
}

// Partial is the output captured since the previous flush.
type Partial struct {
	Seq    int
	Stdout []byte
	Stderr []byte
}

// Result is the terminal outcome of an invocation.
type Result struct {
	ExitCode int
	// Stdout is the live output, everything before the sentinel line.
	Stdout []byte
	Stderr []byte
	// Payload is everything after the sentinel line.
	Payload    []byte
	HasPayload bool
	TimedOut   bool
	Truncated  bool
	Started    time.Time
	Finished   time.Time
}

// Duration returns how long the child ran.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Options configures a Supervisor.
type Options struct {
	Sentinel       string
	MaxOutputBytes int
	Flush          FlushPolicy
	// Clock drives the flusher. Defaults to the real clock.
	Clock clock.Clock
}

// Supervisor spawns handler processes.
type Supervisor struct {
	opts Options
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Supervisor{opts: opts}
}

// Invoke runs the handler and blocks until it exits or is killed. onFlush,
// when non-nil, receives partial output while the child runs and is never
// called after Invoke returns. Cancelling ctx kills the child like a timeout
// does, without setting TimedOut.
func (s *Supervisor) Invoke(ctx context.Context, inv Invocation, onFlush func(Partial)) Result {
	started := time.Now()

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
	}
	defer cancel()

	var args []string
	if inv.Command != "" {
		args = []string{inv.Command}
	}
	cmd := exec.CommandContext(runCtx, inv.Path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	var timedOut atomic.Bool
	cmd.Cancel = func() error {
		expired := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return killGroup(cmd.Process.Pid, expired, &timedOut)
	}

	if inv.Command != "" {
		stdin, err := EncodeArguments(inv.Arguments)
		if err != nil {
			return notRunnable(started, err)
		}
		cmd.Stdin = bytes.NewReader(stdin)
	}

	out := newOutput(s.opts.Sentinel, s.opts.MaxOutputBytes)
	cmd.Stdout = out.stdoutWriter()
	cmd.Stderr = out.stderrWriter()

	var flusher *Flusher
	if onFlush != nil {
		seq := 0
		flusher = NewFlusher(s.opts.Clock, s.opts.Flush, func() {
			stdout, stderr := out.delta()
			seq++
			onFlush(Partial{Seq: seq, Stdout: stdout, Stderr: stderr})
		})
		out.observe = flusher.Observe
	}

	if err := cmd.Start(); err != nil {
		slog.Warn(fmt.Sprintf("%s - cannot start %s: %v", logPrefix, inv.Path, err))
		return notRunnable(started, err)
	}
	if flusher != nil {
		flusher.Start()
	}
	slog.Debug(fmt.Sprintf("%s - started %s %s pid=%d timeout=%s", logPrefix, inv.Path, inv.Command, cmd.Process.Pid, inv.Timeout))

	waitErr := cmd.Wait()
	if flusher != nil {
		flusher.Stop()
	}
	out.finish()

	res := Result{Started: started, Finished: time.Now(), TimedOut: timedOut.Load()}
	out.fill(&res)
	res.ExitCode = exitCode(cmd, waitErr)

	slog.Debug(fmt.Sprintf("%s - %s %s exited code=%d timedOut=%t in %s", logPrefix, inv.Path, inv.Command, res.ExitCode, res.TimedOut, res.Duration()))
	return res
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		slog.Warn(fmt.Sprintf("%s - wait failed without process state: %v", logPrefix, waitErr))
		return protocol.ExitSignaled
	}
	if !state.Exited() {
		return protocol.ExitSignaled
	}
	return state.ExitCode()
}

func notRunnable(started time.Time, err error) Result {
	return Result{
		ExitCode: protocol.ExitNotRunnable,
		Stderr:   []byte(err.Error()),
		Started:  started,
		Finished: time.Now(),
	}
}

// killGroup sends SIGKILL to the process group led by pid. The run counts as
// timed out only when the deadline expired and the group was still there to
// kill.
func killGroup(pid int, expired bool, timedOut *atomic.Bool) error {
	// Negative pid targets the whole process group.
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil && expired {
		timedOut.Store(true)
	}
	return err
}
