// Package dispatcher turns inbound command requests into handler runs and
// reports their partial and terminal results.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/morezero/hostagent/pkg/events"
	"github.com/morezero/hostagent/pkg/handlers"
	"github.com/morezero/hostagent/pkg/protocol"
	"github.com/morezero/hostagent/pkg/supervisor"
)

const logPrefix = "dispatcher:dispatch"

// Sender delivers responses to the controller. Responses for one invocation
// must be delivered in the order they are sent.
type Sender interface {
	Send(resp *protocol.Response) error
}

// Presence reports whether a peer is currently online.
type Presence interface {
	IsPresent(identity string) bool
}

// Verifier authenticates a request. A non-nil error means unverified.
type Verifier interface {
	Check(req *protocol.CommandRequest) error
}

// HandlerLookup resolves a command name to its handler.
type HandlerLookup interface {
	Lookup(command string) (handlers.Entry, bool)
}

// Runner executes a handler.
type Runner interface {
	Invoke(ctx context.Context, inv supervisor.Invocation, onFlush func(supervisor.Partial)) supervisor.Result
}

// Policy supplies per-command overrides.
type Policy interface {
	Timeout(command string, def time.Duration) time.Duration
	Denied(command string) bool
}

// Deps are the collaborators a Dispatcher needs.
type Deps struct {
	Sender   Sender
	Presence Presence
	Verifier Verifier
	Handlers HandlerLookup
	Runner   Runner
	// Optional.
	Policy    Policy
	Publisher events.Publisher
}

// Options configures a Dispatcher.
type Options struct {
	AgentID        string
	DefaultTimeout time.Duration
	// MaxTimeout caps every invocation. Requests asking for more are
	// rejected as malformed. Zero means no cap beyond what a Duration holds.
	MaxTimeout time.Duration
	Versions       *protocol.VersionGate
	Clock          clock.Clock
}

// Dispatcher validates requests, enforces one run per command name, runs
// handlers and sends their responses.
type Dispatcher struct {
	deps    Deps
	opts    Options
	running *RunningTable

	mu       sync.Mutex
	active   int
	quiesced bool
	inflight sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(deps Deps, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if deps.Publisher == nil {
		deps.Publisher = &events.NoOpPublisher{}
	}
	return &Dispatcher{
		deps:    deps,
		opts:    opts,
		running: NewRunningTable(opts.Clock),
	}
}

// Handle processes one inbound command message. Accepted commands run on
// their own goroutine; Handle itself never blocks on a child process. ctx
// bounds the lifetime of the spawned children.
func (d *Dispatcher) Handle(ctx context.Context, msg *protocol.Message) {
	req, err := protocol.DecodeCommand(msg)
	if err != nil {
		d.rejectUndecodable(msg, err)
		return
	}

	if !d.deps.Presence.IsPresent(req.From) {
		slog.Warn(fmt.Sprintf("%s - Dropping %s from absent peer %s", logPrefix, req.Command, req.From))
		return
	}

	if err := req.Validate(d.opts.Versions); err != nil {
		code := protocol.ExitMalformed
		if errors.Is(err, protocol.ErrUnsupportedProtocol) {
			code = protocol.ExitUnsupportedProtocol
		}
		slog.Warn(fmt.Sprintf("%s - Rejecting request %s from %s: %v", logPrefix, req.ID, req.From, err))
		d.reject(req, code, err.Error())
		return
	}
	if d.opts.MaxTimeout > 0 && req.TimeoutSeconds != nil && req.Timeout(0) > d.opts.MaxTimeout {
		slog.Warn(fmt.Sprintf("%s - Rejecting request %s from %s: timeout %ds exceeds %s", logPrefix, req.ID, req.From, *req.TimeoutSeconds, d.opts.MaxTimeout))
		d.reject(req, protocol.ExitMalformed, fmt.Sprintf("%v: %ds exceeds %s", protocol.ErrTimeoutRange, *req.TimeoutSeconds, d.opts.MaxTimeout))
		return
	}

	if err := d.deps.Verifier.Check(req); err != nil {
		slog.Error(fmt.Sprintf("%s - Signature check failed for %s from %s: %v", logPrefix, req.Command, req.From, err))
		d.reject(req, protocol.ExitUnverified, "signature verification failed")
		return
	}

	if d.deps.Policy != nil && d.deps.Policy.Denied(req.Command) {
		slog.Warn(fmt.Sprintf("%s - Command %s denied by policy", logPrefix, req.Command))
		d.reject(req, protocol.ExitUnknownCommand, fmt.Sprintf("unknown command: %s", req.Command))
		return
	}
	entry, ok := d.deps.Handlers.Lookup(req.Command)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - No handler for %s", logPrefix, req.Command))
		d.reject(req, protocol.ExitUnknownCommand, fmt.Sprintf("unknown command: %s", req.Command))
		return
	}

	if !d.begin() {
		d.reject(req, protocol.ExitShuttingDown, "agent is shutting down")
		return
	}

	timeout := req.Timeout(d.defaultTimeout(req.Command))
	if d.opts.MaxTimeout > 0 {
		timeout = min(timeout, d.opts.MaxTimeout)
	}
	token, ok := d.running.Acquire(req.Command, timeout)
	if !ok {
		d.end()
		slog.Info(fmt.Sprintf("%s - %s is already running, rejecting %s", logPrefix, req.Command, req.ID))
		d.reject(req, protocol.ExitAlreadyRunning, fmt.Sprintf("%s is already running", req.Command))
		return
	}

	go d.run(ctx, req, entry, token, timeout)
}

func (d *Dispatcher) run(ctx context.Context, req *protocol.CommandRequest, entry handlers.Entry, token uint64, timeout time.Duration) {
	defer d.end()

	slog.Info(fmt.Sprintf("%s - Running %s for %s (request %s, timeout %s)", logPrefix, req.Command, req.From, req.ID, timeout))
	d.publish(ctx, req, events.PhaseStarted, 0, false, 0, "")

	// Partials are emitted under the flusher lock, so seq is never written concurrently.
	seq := 0
	res := d.deps.Runner.Invoke(ctx, supervisor.Invocation{
		Path:      entry.Path,
		Command:   req.Command,
		Arguments: req.Arguments,
		Timeout:   timeout,
	}, func(p supervisor.Partial) {
		seq = p.Seq
		resp := req.NewResponse()
		resp.Partial = true
		resp.Seq = p.Seq
		resp.Stdout = p.Stdout
		resp.Stderr = p.Stderr
		d.send(resp)
	})

	d.running.Release(req.Command, token)

	resp := req.NewResponse()
	resp.ExitCode = res.ExitCode
	resp.Stdout = res.Stdout
	resp.Stderr = res.Stderr
	resp.Payload = res.Payload
	resp.TimedOut = res.TimedOut
	resp.Truncated = res.Truncated
	resp.Seq = seq + 1
	d.send(resp)

	level := slog.LevelInfo
	if res.ExitCode != 0 {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, fmt.Sprintf("%s - %s finished exit=%d timedOut=%t in %s", logPrefix, req.Command, res.ExitCode, res.TimedOut, res.Duration()))
	d.publish(ctx, req, events.PhaseFinished, res.ExitCode, res.TimedOut, res.Duration(), "")
}

// rejectUndecodable answers a message that did not decode, when it is at
// least addressed by a present peer.
func (d *Dispatcher) rejectUndecodable(msg *protocol.Message, err error) {
	if msg == nil || msg.From == "" || !d.deps.Presence.IsPresent(msg.From) {
		slog.Warn(fmt.Sprintf("%s - Dropping undecodable message: %v", logPrefix, err))
		return
	}
	slog.Warn(fmt.Sprintf("%s - Rejecting malformed message %s from %s: %v", logPrefix, msg.ID, msg.From, err))
	d.reject(&protocol.CommandRequest{ID: msg.ID, From: msg.From, To: msg.To}, protocol.ExitMalformed, err.Error())
}

func (d *Dispatcher) reject(req *protocol.CommandRequest, code int, detail string) {
	d.send(req.Terminal(code, detail))
	d.publish(context.Background(), req, events.PhaseRejected, code, false, 0, protocol.ExitCodeName(code))
}

func (d *Dispatcher) send(resp *protocol.Response) {
	if err := d.deps.Sender.Send(resp); err != nil {
		slog.Error(fmt.Sprintf("%s - Failed to send response for %s (partial=%t): %v", logPrefix, resp.RequestID, resp.Partial, err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, req *protocol.CommandRequest, phase string, code int, timedOut bool, dur time.Duration, reason string) {
	event := &events.CommandEvent{
		Agent:      d.opts.AgentID,
		RequestID:  req.ID,
		Command:    req.Command,
		From:       req.From,
		Phase:      phase,
		ExitCode:   code,
		TimedOut:   timedOut,
		DurationMs: dur.Milliseconds(),
		Reason:     reason,
		Timestamp:  d.opts.Clock.Now().UTC().Format(time.RFC3339Nano),
	}
	// Finished events are still recorded while the agent shuts down.
	if err := d.deps.Publisher.PublishCommand(context.WithoutCancel(ctx), event); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to publish %s event for %s: %v", logPrefix, phase, req.Command, err))
	}
}

func (d *Dispatcher) defaultTimeout(command string) time.Duration {
	if d.deps.Policy != nil {
		return d.deps.Policy.Timeout(command, d.opts.DefaultTimeout)
	}
	return d.opts.DefaultTimeout
}

func (d *Dispatcher) begin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quiesced {
		return false
	}
	d.active++
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) end() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	d.inflight.Done()
}

// Active returns the number of running invocations.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// QuiesceIfIdle stops accepting new commands, but only when none is running.
// It reports whether the dispatcher is now quiesced.
func (d *Dispatcher) QuiesceIfIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active > 0 {
		return false
	}
	d.quiesced = true
	return true
}

// Quiesce stops accepting new commands regardless of running ones.
func (d *Dispatcher) Quiesce() {
	d.mu.Lock()
	d.quiesced = true
	d.mu.Unlock()
}

// Wait blocks until every accepted invocation has sent its terminal response.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}
