// Package agent wires the host agent together: handler discovery, the bus
// session, the dispatcher, the optional journal and outbox, and the memory
// self-check.
package agent

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostagent/internal/config"
	"github.com/morezero/hostagent/pkg/commsutil"
	"github.com/morezero/hostagent/pkg/dispatcher"
	"github.com/morezero/hostagent/pkg/events"
	"github.com/morezero/hostagent/pkg/handlers"
	"github.com/morezero/hostagent/pkg/health"
	"github.com/morezero/hostagent/pkg/journal"
	"github.com/morezero/hostagent/pkg/outbox"
	"github.com/morezero/hostagent/pkg/policy"
	"github.com/morezero/hostagent/pkg/protocol"
	"github.com/morezero/hostagent/pkg/session"
	"github.com/morezero/hostagent/pkg/signature"
	"github.com/morezero/hostagent/pkg/supervisor"
)

const logPrefix = "agent:agent"

// drainTimeout bounds how long shutdown waits for queued responses.
const drainTimeout = 30 * time.Second

// SetupLogging installs the default slog text handler at the given level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// NewSupervisor builds the process supervisor from config.
func NewSupervisor(cfg *config.Config) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Sentinel:       cfg.ResultSentinel,
		MaxOutputBytes: cfg.MaxOutputBytes,
		Flush: supervisor.FlushPolicy{
			MinBytes:      cfg.FlushMinBytes,
			MinInterval:   cfg.FlushMinInterval,
			ForceInterval: cfg.FlushForceInterval,
		},
	})
}

// LoadTrustedKey reads the controller's public key from TRUSTED_KEY_FILE or,
// failing that, TRUSTED_KEY.
func LoadTrustedKey(cfg *config.Config) (*rsa.PublicKey, error) {
	if cfg.TrustedKeyFile != "" {
		return signature.LoadPublicKeyFile(cfg.TrustedKeyFile)
	}
	return signature.LoadPublicKey([]byte(cfg.TrustedKey))
}

// Run starts the agent and blocks until ctx is cancelled, a shutdown signal
// arrives, or the memory guard stops the agent. Handler discovery completes
// before the agent joins the bus.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting hostagent %s as %s", logPrefix, cfg.AgentVersion, cfg.AgentID))

	// Step 1: request gating
	pol, err := policy.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load policy: %w", logPrefix, err)
	}
	key, err := LoadTrustedKey(cfg)
	if err != nil {
		return fmt.Errorf("%s - failed to load trusted key: %w", logPrefix, err)
	}
	verifier, err := signature.NewVerifier(key, cfg.SignatureHash)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	versions, err := protocol.NewVersionGate(cfg.SupportedProtocols)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	compressor, err := protocol.NewCompressor(cfg.Compression, cfg.CompressThreshold)
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}

	// Step 2: discover handlers
	sup := NewSupervisor(cfg)
	registry := handlers.Discover(ctx, sup, cfg.HandlerProbeTimeout, cfg.HandlerPaths)
	if ctx.Err() != nil {
		return nil
	}
	if registry.Len() == 0 {
		slog.Warn(fmt.Sprintf("%s - No handlers registered; every command will be rejected", logPrefix))
	}

	// Step 3: outbox
	var box *outbox.Outbox
	var spool session.Spool
	if cfg.OutboxPath != "" {
		box, err = outbox.Open(cfg.OutboxPath)
		if err != nil {
			return fmt.Errorf("%s - %w", logPrefix, err)
		}
		defer box.Close()
		spool = box
		slog.Info(fmt.Sprintf("%s - Outbox at %s holds %d responses", logPrefix, cfg.OutboxPath, box.Len()))
	}

	// Step 4: session and bus connection
	sess := session.New(session.Options{
		Identity:     cfg.AgentID,
		AckTimeout:   cfg.AckTimeout,
		IdleWatchdog: cfg.IdleWatchdog,
		Compressor:   compressor,
		Spool:        spool,
		Catalog:      func() interface{} { return registry.Commands() },
	})
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, &commsutil.Hooks{
		OnReconnect: func(*comms.Conn) { sess.Reconnected() },
	})
	if err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	defer nc.Close()

	// Step 5: journal
	var pool *pgxpool.Pool
	publishers := events.Fanout{events.NewCommsPublisher(nc, nil)}
	if cfg.JournalDatabaseURL != "" {
		pool, err = openJournal(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		publishers = append(publishers, journal.NewRecorder(journal.NewRepository(pool)))
	}

	// Step 6: dispatcher
	disp := dispatcher.NewDispatcher(dispatcher.Deps{
		Sender:    sess,
		Presence:  sess,
		Verifier:  verifier,
		Handlers:  registry,
		Runner:    sup,
		Policy:    pol,
		Publisher: publishers,
	}, dispatcher.Options{
		AgentID:        cfg.AgentID,
		DefaultTimeout: cfg.DefaultCommandTimeout,
		MaxTimeout:     cfg.MaxCommandTimeout,
		Versions:       versions,
	})

	// Children outlive ctx until shutdown kills them explicitly.
	runCtx, killChildren := context.WithCancel(context.Background())
	defer killChildren()

	if err := sess.Start(nc, func(msg *protocol.Message) { disp.Handle(runCtx, msg) }); err != nil {
		return fmt.Errorf("%s - failed to start session: %w", logPrefix, err)
	}

	// Step 7: memory guard
	guardCtx, stopGuard := context.WithCancel(ctx)
	defer stopGuard()
	guardErr := make(chan error, 1)
	go func() {
		guard := &health.MemoryGuard{
			Ceiling:  cfg.MemoryCeilingBytes(),
			Interval: cfg.MemoryCheckInterval,
			Quiesce:  disp.QuiesceIfIdle,
		}
		guardErr <- guard.Run(guardCtx)
	}()

	slog.Info(fmt.Sprintf("%s - hostagent is ready with %d commands", logPrefix, registry.Len()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case <-ctx.Done():
		slog.Info(fmt.Sprintf("%s - Context cancelled, shutting down", logPrefix))
	case err := <-guardErr:
		if err != nil {
			runErr = err
		}
	}

	// Graceful shutdown
	disp.Quiesce()
	if err := sess.Announce(protocol.PresenceUnavailable); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to announce unavailability: %v", logPrefix, err))
	}
	if n := disp.Active(); n > 0 {
		slog.Info(fmt.Sprintf("%s - Killing %d running commands", logPrefix, n))
	}
	killChildren()
	disp.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := sess.Close(drainCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	}
	if err := nc.Drain(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
		slog.Warn(fmt.Sprintf("%s - Drain failed: %v", logPrefix, err))
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return runErr
}

func openJournal(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := journal.NewPool(ctx, cfg.JournalDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if cfg.RunMigrations {
		migrations, err := journal.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - %w", logPrefix, err)
		}
		if _, err := journal.Migrate(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - %w", logPrefix, err)
		}
	}
	return pool, nil
}
