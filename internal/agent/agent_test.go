package agent

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostagent/internal/config"
	"github.com/morezero/hostagent/pkg/commsutil"
	"github.com/morezero/hostagent/pkg/handlers"
	"github.com/morezero/hostagent/pkg/protocol"
	"github.com/morezero/hostagent/pkg/signature"
)

const (
	testPrefix   = "agent:agent_test"
	agentID      = "web01@fleet/agent"
	ctlID        = "ctrl@x/console"
	testSentinel = "--8<-- result --8<--"
)

const handlerScript = `#!/bin/sh
if [ $# -eq 0 ]; then
  echo "system.uptime"
  echo "system.sleep seconds"
  exit 0
fi
read args
case "$1" in
  system.uptime)
    echo 3600
    echo "` + testSentinel + `"
    echo '{"exit":0}'
    ;;
  system.sleep)
    sleep 30
    ;;
esac
`

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type harness struct {
	t         *testing.T
	ctl       *comms.Conn
	responses chan *protocol.Response
	presence  *comms.Subscription
	cancel    context.CancelFunc
	done      chan error
}

func startAgent(t *testing.T, port int) *harness {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: port, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", testPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", testPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "system"), []byte(handlerScript), 0o755); err != nil {
		t.Fatalf("%s - write handler: %v", testPrefix, err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&signingKey(t).PublicKey)
	if err != nil {
		t.Fatalf("%s - marshal key: %v", testPrefix, err)
	}

	cfg := &config.Config{
		COMMSURL:              ns.ClientURL(),
		COMMSName:             "hostagent-test",
		AgentID:               agentID,
		AgentVersion:          "test",
		HandlerPaths:          []string{dir},
		HandlerProbeTimeout:   5 * time.Second,
		DefaultCommandTimeout: 30 * time.Second,
		ResultSentinel:        testSentinel,
		MaxOutputBytes:        1 << 20,
		FlushMinBytes:         4096,
		FlushMinInterval:      time.Second,
		FlushForceInterval:    time.Minute,
		MemoryCheckInterval:   time.Minute,
		TrustedKey:            string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
		SignatureHash:         "sha256",
		SupportedProtocols:    ">= 1, <= 2",
		IdleWatchdog:          10 * time.Minute,
		AckTimeout:            2 * time.Second,
		Compression:           "none",
		CompressThreshold:     65536,
		MigrationPath:         "migrations",
	}

	ctl, err := comms.Connect(ns.ClientURL(), comms.Name("controller"))
	if err != nil {
		t.Fatalf("%s - controller connect: %v", testPrefix, err)
	}
	t.Cleanup(ctl.Close)

	h := &harness{t: t, ctl: ctl, responses: make(chan *protocol.Response, 32), done: make(chan error, 1)}
	h.presence, err = ctl.SubscribeSync(commsutil.SubjectPresence)
	if err != nil {
		t.Fatalf("%s - subscribe presence: %v", testPrefix, err)
	}
	h.subscribeInbox(ctlID, h.responses)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- Run(ctx, cfg) }()
	t.Cleanup(h.stop)

	h.waitAvailable()
	h.announce(protocol.PresenceProbe)
	h.waitAvailable()
	return h
}

func (h *harness) subscribeInbox(identity string, out chan<- *protocol.Response) {
	h.t.Helper()
	_, err := h.ctl.Subscribe(commsutil.BuildPeerSubject(identity), func(m *comms.Msg) {
		m.Respond(nil)
		msg, err := commsutil.DecodeMessage(m.Data)
		if err != nil || msg.Type != protocol.TypeResult {
			return
		}
		var resp protocol.Response
		if commsutil.DecodePayload(msg.Body, &resp) == nil {
			out <- &resp
		}
	})
	if err != nil {
		h.t.Fatalf("%s - subscribe inbox: %v", testPrefix, err)
	}
	h.ctl.Flush()
}

func (h *harness) announce(status string) {
	h.t.Helper()
	msg, _ := protocol.NewMessage(protocol.TypePresence, ctlID, "", protocol.PresenceUpdate{Status: status})
	data, _ := commsutil.EncodePayload(msg)
	h.ctl.Publish(commsutil.SubjectPresence, data)
	h.ctl.Flush()
}

func (h *harness) waitAvailable() {
	h.t.Helper()
	for {
		m, err := h.presence.NextMsg(15 * time.Second)
		if err != nil {
			h.t.Fatalf("%s - agent never announced itself: %v", testPrefix, err)
		}
		msg, err := commsutil.DecodeMessage(m.Data)
		if err != nil || msg.From != agentID {
			continue
		}
		var u protocol.PresenceUpdate
		if commsutil.DecodePayload(msg.Body, &u) == nil && u.Status == protocol.PresenceAvailable {
			return
		}
	}
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(15 * time.Second):
		h.t.Errorf("%s - agent did not shut down", testPrefix)
	}
}

func request(id, from, command string, args map[string]string) *protocol.CommandRequest {
	return &protocol.CommandRequest{ID: id, From: from, To: agentID, Command: command, Arguments: args, ProtocolVersion: 1}
}

// send signs req (unless it already carries a signature) and delivers it to
// the agent inbox as from.
func (h *harness) send(req *protocol.CommandRequest) {
	h.t.Helper()
	if req.Signature == nil {
		if err := signature.Sign(signingKey(h.t), "sha256", req); err != nil {
			h.t.Fatalf("%s - sign: %v", testPrefix, err)
		}
	}
	msg, _ := protocol.NewMessage(protocol.TypeCommand, req.From, agentID, req)
	msg.ID = req.ID
	data, _ := commsutil.EncodePayload(msg)
	if _, err := h.ctl.Request(commsutil.BuildPeerSubject(agentID), data, 5*time.Second); err != nil {
		h.t.Fatalf("%s - command %s not acknowledged: %v", testPrefix, req.ID, err)
	}
}

// terminal waits for the terminal response of requestID, skipping partials.
func terminal(t *testing.T, ch <-chan *protocol.Response, requestID string) *protocol.Response {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case r := <-ch:
			if r.RequestID == requestID && !r.Partial {
				return r
			}
		case <-deadline:
			t.Fatalf("%s - no terminal response for %s", testPrefix, requestID)
			return nil
		}
	}
}

func TestAgent_RunsSignedCommand(t *testing.T) {
	h := startAgent(t, 14260)

	h.send(request("req-1", ctlID, "system.uptime", nil))
	r := terminal(t, h.responses, "req-1")

	if r.ExitCode != 0 {
		t.Fatalf("%s - exitCode = %d, stderr=%q", testPrefix, r.ExitCode, r.Stderr)
	}
	if !strings.Contains(string(r.Stdout), "3600") {
		t.Errorf("%s - stdout = %q, want 3600", testPrefix, r.Stdout)
	}
	if strings.TrimSpace(string(r.Payload)) != `{"exit":0}` {
		t.Errorf("%s - payload = %q", testPrefix, r.Payload)
	}
	if r.From != agentID || r.To != ctlID || r.Command != "system.uptime" {
		t.Errorf("%s - addressing = %s -> %s (%s)", testPrefix, r.From, r.To, r.Command)
	}
}

func TestAgent_AbsentSenderGetsNoResponse(t *testing.T) {
	h := startAgent(t, 14261)
	stranger := "stranger@x/console"
	strangerInbox := make(chan *protocol.Response, 4)
	h.subscribeInbox(stranger, strangerInbox)

	h.send(request("req-absent", stranger, "system.uptime", nil))

	select {
	case r := <-strangerInbox:
		t.Fatalf("%s - absent sender got a response: %+v", testPrefix, r)
	case <-time.After(time.Second):
	}
}

func TestAgent_RejectsTamperedSignature(t *testing.T) {
	h := startAgent(t, 14262)

	req := request("req-tampered", ctlID, "system.sleep", map[string]string{"seconds": "1"})
	if err := signature.Sign(signingKey(t), "sha256", req); err != nil {
		t.Fatalf("%s - sign: %v", testPrefix, err)
	}
	req.Arguments["seconds"] = "3600"
	h.send(req)

	r := terminal(t, h.responses, "req-tampered")
	if r.ExitCode != protocol.ExitUnverified {
		t.Errorf("%s - exitCode = %d, want %d", testPrefix, r.ExitCode, protocol.ExitUnverified)
	}
}

func TestAgent_UnknownCommand(t *testing.T) {
	h := startAgent(t, 14263)

	h.send(request("req-unknown", ctlID, "pkg.install", nil))
	r := terminal(t, h.responses, "req-unknown")
	if r.ExitCode != protocol.ExitUnknownCommand {
		t.Errorf("%s - exitCode = %d, want %d", testPrefix, r.ExitCode, protocol.ExitUnknownCommand)
	}
}

func TestAgent_TimeoutKillsHandler(t *testing.T) {
	h := startAgent(t, 14264)

	req := request("req-timeout", ctlID, "system.sleep", nil)
	one := 1
	req.TimeoutSeconds = &one
	h.send(req)

	r := terminal(t, h.responses, "req-timeout")
	if !r.TimedOut {
		t.Errorf("%s - expected timedOut, got exitCode=%d", testPrefix, r.ExitCode)
	}

	// The slot is free again once the terminal response went out.
	again := request("req-after", ctlID, "system.sleep", nil)
	again.TimeoutSeconds = &one
	h.send(again)
	if r := terminal(t, h.responses, "req-after"); !r.TimedOut {
		t.Errorf("%s - second run exitCode = %d, want a timed out run", testPrefix, r.ExitCode)
	}
}

func TestAgent_AlreadyRunningAndShutdown(t *testing.T) {
	h := startAgent(t, 14265)

	h.send(request("req-first", ctlID, "system.sleep", nil))
	h.send(request("req-second", ctlID, "system.sleep", nil))

	second := terminal(t, h.responses, "req-second")
	if second.ExitCode != protocol.ExitAlreadyRunning {
		t.Fatalf("%s - second exitCode = %d, want %d", testPrefix, second.ExitCode, protocol.ExitAlreadyRunning)
	}

	// Shutdown kills the running handler but still reports its outcome.
	time.Sleep(200 * time.Millisecond)
	h.cancel()
	first := terminal(t, h.responses, "req-first")
	if first.ExitCode != protocol.ExitSignaled || first.TimedOut {
		t.Errorf("%s - first = exit %d timedOut %t, want killed without timeout", testPrefix, first.ExitCode, first.TimedOut)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("%s - Run = %v", testPrefix, err)
		}
		h.done <- err
	case <-time.After(15 * time.Second):
		t.Fatalf("%s - agent did not stop", testPrefix)
	}
}

func TestAgent_AnswersCatalog(t *testing.T) {
	h := startAgent(t, 14266)

	reply, err := h.ctl.Request(commsutil.BuildCatalogSubject(agentID), nil, 5*time.Second)
	if err != nil {
		t.Fatalf("%s - catalog request: %v", testPrefix, err)
	}
	var entries []handlers.Entry
	if err := commsutil.DecodePayload(reply.Data, &entries); err != nil {
		t.Fatalf("%s - decode catalog: %v", testPrefix, err)
	}
	if len(entries) != 2 || entries[0].Command != "system.sleep" || entries[1].Command != "system.uptime" {
		t.Fatalf("%s - catalog = %+v", testPrefix, entries)
	}
	if len(entries[0].ArgSpec) != 1 || entries[0].ArgSpec[0] != "seconds" || entries[0].Digest == "" {
		t.Errorf("%s - system.sleep entry = %+v", testPrefix, entries[0])
	}
}

func TestRun_RejectsIncompleteConfig(t *testing.T) {
	err := Run(context.Background(), &config.Config{})
	if err == nil || !strings.Contains(err.Error(), "AGENT_ID") {
		t.Errorf("%s - Run with empty config = %v", testPrefix, err)
	}
}
