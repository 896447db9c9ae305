// Package session keeps the agent's bus presence: it tracks which peers are
// online, receives addressed messages, and delivers responses in order with
// acknowledgement.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostagent/pkg/commsutil"
	"github.com/morezero/hostagent/pkg/protocol"
)

const logPrefix = "session:session"

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("session closed")
	// ErrNotStarted is returned when the session has no connection yet.
	ErrNotStarted = errors.New("session not started")
)

// Spool keeps terminal responses that could not be delivered.
type Spool interface {
	Put(resp *protocol.Response) error
	Replay(deliver func(resp *protocol.Response) error) (int, error)
}

// Options configures a Session.
type Options struct {
	Identity     string
	AckTimeout   time.Duration
	IdleWatchdog time.Duration
	QueueSize    int
	Clock        clock.Clock
	// Optional.
	Compressor *protocol.Compressor
	Spool      Spool
	// Catalog answers catalog requests. Nil disables the catalog subject.
	Catalog func() interface{}
}

type outgoing struct {
	resp   *protocol.Response
	replay bool
}

// Session is the agent's connection-level state on the bus.
type Session struct {
	opts     Options
	presence *PresenceSet
	watchdog *Watchdog

	mu     sync.RWMutex
	nc     *comms.Conn
	subs   []*comms.Subscription
	closed bool

	queue chan outgoing
	done  chan struct{}
}

// New creates a Session. It does nothing on the bus until Start.
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	s := &Session{
		opts:     opts,
		presence: NewPresenceSet(),
		queue:    make(chan outgoing, opts.QueueSize),
		done:     make(chan struct{}),
	}
	s.watchdog = NewWatchdog(opts.Clock, opts.IdleWatchdog, s.kick)
	return s
}

// Start subscribes to the agent inbox, the presence subject and the catalog
// subject, then announces the agent and probes for peers. onCommand receives
// every command message addressed to the agent.
func (s *Session) Start(nc *comms.Conn, onCommand func(msg *protocol.Message)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.nc = nc
	s.mu.Unlock()

	inbox := commsutil.BuildPeerSubject(s.opts.Identity)
	var subs []*comms.Subscription
	fail := func(err error) error {
		unsubscribeAll(subs)
		s.mu.Lock()
		s.nc = nil
		s.mu.Unlock()
		return err
	}

	sub, err := nc.Subscribe(inbox, func(m *comms.Msg) { s.onInbox(m, onCommand) })
	if err != nil {
		return fail(fmt.Errorf("%s - subscribe %s: %w", logPrefix, inbox, err))
	}
	subs = append(subs, sub)

	sub, err = nc.Subscribe(commsutil.SubjectPresence, s.onPresence)
	if err != nil {
		return fail(fmt.Errorf("%s - subscribe %s: %w", logPrefix, commsutil.SubjectPresence, err))
	}
	subs = append(subs, sub)

	if s.opts.Catalog != nil {
		catalog := commsutil.BuildCatalogSubject(s.opts.Identity)
		sub, err = nc.Subscribe(catalog, s.onCatalog)
		if err != nil {
			return fail(fmt.Errorf("%s - subscribe %s: %w", logPrefix, catalog, err))
		}
		subs = append(subs, sub)
	}

	if err := s.Announce(protocol.PresenceAvailable); err != nil {
		return fail(err)
	}
	if err := s.Announce(protocol.PresenceProbe); err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()

	go s.sendLoop()
	if s.opts.IdleWatchdog > 0 {
		s.watchdog.Start()
	}
	slog.Info(fmt.Sprintf("%s - Session started as %s on %s", logPrefix, s.opts.Identity, inbox))
	return nil
}

// IsPresent reports whether a peer is online.
func (s *Session) IsPresent(identity string) bool {
	return s.presence.IsPresent(identity)
}

// Announce publishes the agent's presence status.
func (s *Session) Announce(status string) error {
	nc := s.conn()
	if nc == nil {
		return ErrNotStarted
	}
	msg, err := protocol.NewMessage(protocol.TypePresence, s.opts.Identity, "", protocol.PresenceUpdate{Status: status})
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	data, err := commsutil.EncodePayload(msg)
	if err != nil {
		return fmt.Errorf("%s - encode presence: %w", logPrefix, err)
	}
	if err := nc.Publish(commsutil.SubjectPresence, data); err != nil {
		return fmt.Errorf("%s - publish presence %s: %w", logPrefix, status, err)
	}
	return nil
}

// Send queues resp for delivery. Responses are delivered one at a time in the
// order they were queued.
func (s *Session) Send(resp *protocol.Response) error {
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	s.watchdog.Reset()
	return s.enqueue(outgoing{resp: resp})
}

// Reconnected re-announces the agent, probes for peers and replays spooled
// responses. It is meant for the bus reconnect hook.
func (s *Session) Reconnected() {
	if s.conn() == nil {
		return
	}
	if err := s.Announce(protocol.PresenceAvailable); err != nil {
		slog.Warn(fmt.Sprintf("%s - Re-announce after reconnect failed: %v", logPrefix, err))
	}
	if err := s.Announce(protocol.PresenceProbe); err != nil {
		slog.Warn(fmt.Sprintf("%s - Probe after reconnect failed: %v", logPrefix, err))
	}
	s.watchdog.Reset()
	slog.Info(fmt.Sprintf("%s - Reconnected, known peers before re-probe: %v", logPrefix, s.presence.Peers()))
	if s.opts.Spool != nil {
		if err := s.enqueue(outgoing{replay: true}); err != nil {
			slog.Warn(fmt.Sprintf("%s - Could not schedule outbox replay: %v", logPrefix, err))
		}
	}
}

// Close stops accepting responses, waits for the queued ones to be delivered
// (or ctx to end) and unsubscribes. The bus connection itself is left open.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.nc != nil
	close(s.queue)
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.watchdog.Stop()

	var err error
	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("%s - sender not drained: %w", logPrefix, ctx.Err())
		}
	}
	unsubscribeAll(subs)
	return err
}

func unsubscribeAll(subs []*comms.Subscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
			slog.Warn(fmt.Sprintf("%s - Unsubscribe %s: %v", logPrefix, sub.Subject, err))
		}
	}
}

func (s *Session) conn() *comms.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nc
}

func (s *Session) enqueue(item outgoing) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.queue <- item
	return nil
}

func (s *Session) sendLoop() {
	defer close(s.done)
	for item := range s.queue {
		if item.replay {
			s.replay()
			continue
		}
		s.deliverOrSpool(item.resp)
	}
}

func (s *Session) deliverOrSpool(resp *protocol.Response) {
	if err := s.opts.Compressor.Apply(resp); err != nil {
		slog.Warn(fmt.Sprintf("%s - Compression failed for %s, sending raw: %v", logPrefix, resp.RequestID, err))
	}
	err := s.deliver(resp)
	if err == nil {
		return
	}
	if errors.Is(err, comms.ErrNoResponders) {
		if s.presence.Remove(resp.To) {
			slog.Warn(fmt.Sprintf("%s - %s has no inbox, marking absent", logPrefix, resp.To))
		}
		return
	}
	slog.Warn(fmt.Sprintf("%s - Delivery of %s to %s failed: %v", logPrefix, resp.ID, resp.To, err))
	if resp.Partial || s.opts.Spool == nil {
		return
	}
	if perr := s.opts.Spool.Put(resp); perr != nil {
		slog.Error(fmt.Sprintf("%s - Could not spool %s: %v", logPrefix, resp.ID, perr))
		return
	}
	slog.Info(fmt.Sprintf("%s - Spooled terminal response %s for request %s", logPrefix, resp.ID, resp.RequestID))
}

func (s *Session) replay() {
	n, err := s.opts.Spool.Replay(s.deliver)
	if n > 0 {
		slog.Info(fmt.Sprintf("%s - Replayed %d spooled responses", logPrefix, n))
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Outbox replay stopped: %v", logPrefix, err))
	}
}

// deliver sends resp to its recipient's inbox and waits for the ack.
func (s *Session) deliver(resp *protocol.Response) error {
	nc := s.conn()
	if nc == nil {
		return ErrNotStarted
	}
	msg, err := protocol.NewMessage(protocol.TypeResult, s.opts.Identity, resp.To, resp)
	if err != nil {
		return err
	}
	msg.ID = resp.ID
	data, err := commsutil.EncodePayload(msg)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AckTimeout)
	defer cancel()
	if _, err := nc.RequestWithContext(ctx, commsutil.BuildPeerSubject(resp.To), data); err != nil {
		return err
	}
	return nil
}

func (s *Session) onInbox(m *comms.Msg, onCommand func(msg *protocol.Message)) {
	s.watchdog.Reset()
	if m.Reply != "" {
		if err := m.Respond(nil); err != nil {
			slog.Warn(fmt.Sprintf("%s - Ack failed: %v", logPrefix, err))
		}
	}

	msg, err := commsutil.DecodeMessage(m.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping undecodable inbox message: %v", logPrefix, err))
		return
	}
	switch msg.Type {
	case protocol.TypeCommand:
		onCommand(msg)
	case protocol.TypePing:
	default:
		slog.Debug(fmt.Sprintf("%s - Ignoring %s message from %s", logPrefix, msg.Type, msg.From))
	}
}

func (s *Session) onPresence(m *comms.Msg) {
	msg, err := commsutil.DecodeMessage(m.Data)
	if err != nil || msg.Type != protocol.TypePresence {
		slog.Debug(fmt.Sprintf("%s - Ignoring presence payload: %v", logPrefix, err))
		return
	}
	if msg.From == "" || msg.From == s.opts.Identity {
		return
	}
	var update protocol.PresenceUpdate
	if err := commsutil.DecodePayload(msg.Body, &update); err != nil {
		slog.Debug(fmt.Sprintf("%s - Bad presence body from %s: %v", logPrefix, msg.From, err))
		return
	}

	switch update.Status {
	case protocol.PresenceAvailable:
		s.presence.Add(msg.From, s.opts.Clock.Now())
	case protocol.PresenceUnavailable:
		s.presence.Remove(msg.From)
	case protocol.PresenceProbe:
		s.presence.Add(msg.From, s.opts.Clock.Now())
		if err := s.Announce(protocol.PresenceAvailable); err != nil {
			slog.Warn(fmt.Sprintf("%s - Answering probe from %s: %v", logPrefix, msg.From, err))
		}
	default:
		slog.Debug(fmt.Sprintf("%s - Unknown presence status %q from %s", logPrefix, update.Status, msg.From))
	}
}

func (s *Session) onCatalog(m *comms.Msg) {
	if m.Reply == "" {
		return
	}
	data, err := commsutil.EncodePayload(s.opts.Catalog())
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Encode catalog: %v", logPrefix, err))
		return
	}
	if err := m.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - Catalog reply failed: %v", logPrefix, err))
	}
}

func (s *Session) kick() {
	nc := s.conn()
	if nc == nil {
		return
	}
	if err := nc.ForceReconnect(); err != nil {
		slog.Error(fmt.Sprintf("%s - Forced reconnect failed: %v", logPrefix, err))
	}
}
