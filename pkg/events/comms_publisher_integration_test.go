package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("events:comms_publisher_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("events:comms_publisher_integration_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func subscribeEvents(t *testing.T, nc *comms.Conn, subject string) chan *CommandEvent {
	t.Helper()
	received := make(chan *CommandEvent, 4)
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event CommandEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe to %s: %v", subject, err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return received
}

func waitEvent(t *testing.T, ch chan *CommandEvent, what string) *CommandEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(5 * time.Second):
		t.Fatalf("events:comms_publisher_integration_test - timeout waiting for %s event", what)
	}
	return nil
}

func TestCommsPublisher_GranularAndGlobal(t *testing.T) {
	nc, cleanup := startTestServer(t, 14230)
	defer cleanup()

	publisher := NewCommsPublisher(nc, nil)
	granular := subscribeEvents(t, nc, "hostagent.events.web01@fleet/agent.service_control")
	global := subscribeEvents(t, nc, "hostagent.events")
	wildcard := subscribeEvents(t, nc, "hostagent.events.*.>")

	event := &CommandEvent{
		Agent:      "web01@fleet/agent",
		RequestID:  "r-42",
		Command:    "service.control",
		From:       "ctrl@x/console",
		Phase:      PhaseFinished,
		ExitCode:   3,
		DurationMs: 1200,
		Timestamp:  "2026-01-01T00:00:00Z",
	}
	if err := publisher.PublishCommand(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishCommand failed: %v", err)
	}
	nc.Flush()

	got := waitEvent(t, granular, "granular")
	if got.RequestID != "r-42" || got.ExitCode != 3 || got.Phase != PhaseFinished {
		t.Errorf("events:comms_publisher_integration_test - granular event = %+v", got)
	}
	waitEvent(t, global, "global")
	waitEvent(t, wildcard, "wildcard")
}

func TestCommsPublisher_CustomGlobalSubject(t *testing.T) {
	nc, cleanup := startTestServer(t, 14231)
	defer cleanup()

	customSubject := "fleet.audit.commands"
	publisher := NewCommsPublisher(nc, &CommsPublisherOpts{GlobalSubject: customSubject})
	received := subscribeEvents(t, nc, customSubject)

	event := &CommandEvent{Agent: "db1@fleet", Command: "pkg.install", Phase: PhaseRejected, ExitCode: -409, Reason: "ALREADY_RUNNING"}
	if err := publisher.PublishCommand(context.Background(), event); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishCommand failed: %v", err)
	}
	nc.Flush()

	got := waitEvent(t, received, "custom global")
	if got.Reason != "ALREADY_RUNNING" {
		t.Errorf("events:comms_publisher_integration_test - Reason = %q", got.Reason)
	}
}
