// Package protocol defines the request/response model exchanged with the controller.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Message types carried in the bus envelope.
const (
	TypeCommand  = "command"
	TypeResult   = "result"
	TypePresence = "presence"
	TypePing     = "ping"
)

var (
	// ErrMalformed is returned when a message body cannot be decoded.
	ErrMalformed = errors.New("malformed request")
	// ErrMissingCommand is returned when a request names no command.
	ErrMissingCommand = errors.New("request has no command name")
	// ErrMissingSender is returned when a request has no sender identity.
	ErrMissingSender = errors.New("request has no sender")
	// ErrUnsupportedProtocol is returned when the protocol version is outside the supported range.
	ErrUnsupportedProtocol = errors.New("unsupported protocol version")
	// ErrTimeoutRange is returned when a requested timeout cannot be represented.
	ErrTimeoutRange = errors.New("timeout out of range")
)

// MaxTimeoutSeconds is the largest timeout, in seconds, that fits a time.Duration.
const MaxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

// Message is the JSON envelope for everything sent over the bus.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// CommandRequest asks the agent to run one command.
type CommandRequest struct {
	ID              string            `json:"id"`
	From            string            `json:"from"`
	To              string            `json:"to"`
	Command         string            `json:"command"`
	Arguments       map[string]string `json:"arguments,omitempty"`
	Signature       []byte            `json:"signature,omitempty"`
	ProtocolVersion int               `json:"protocolVersion"`
	TimeoutSeconds  *int              `json:"timeoutSeconds,omitempty"`
}

// Response reports the partial or terminal outcome of a CommandRequest.
type Response struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exitCode"`
	Stdout    []byte `json:"stdout,omitempty"`
	Stderr    []byte `json:"stderr,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	// Encoding names the codec applied to Stdout, Stderr and Payload ("" = raw).
	Encoding  string `json:"encoding,omitempty"`
	TimedOut  bool   `json:"timedOut"`
	Truncated bool   `json:"truncated,omitempty"`
	Partial   bool   `json:"partial"`
	Seq       int    `json:"seq"`
	Timestamp string `json:"timestamp"`
}

// DecodeCommand extracts a CommandRequest from a bus message. The envelope's
// From/To take precedence over values repeated in the body, since the
// transport addressing is what presence and signatures are checked against.
func DecodeCommand(msg *Message) (*CommandRequest, error) {
	if msg == nil || msg.Type != TypeCommand {
		return nil, fmt.Errorf("%w: not a command message", ErrMalformed)
	}
	var req CommandRequest
	if len(msg.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.From != "" {
		req.From = msg.From
	}
	if msg.To != "" {
		req.To = msg.To
	}
	if req.ID == "" {
		req.ID = msg.ID
	}
	req.Command = strings.TrimSpace(req.Command)
	return &req, nil
}

// Validate checks the request invariants. It must run before any side effect.
func (r *CommandRequest) Validate(gate *VersionGate) error {
	if strings.TrimSpace(r.From) == "" {
		return ErrMissingSender
	}
	if r.Command == "" {
		return ErrMissingCommand
	}
	if gate != nil && !gate.Allows(r.ProtocolVersion) {
		return fmt.Errorf("%w: %d (supported %s)", ErrUnsupportedProtocol, r.ProtocolVersion, gate)
	}
	if r.TimeoutSeconds != nil && int64(*r.TimeoutSeconds) > MaxTimeoutSeconds {
		return fmt.Errorf("%w: %d seconds", ErrTimeoutRange, *r.TimeoutSeconds)
	}
	return nil
}

// Timeout returns the timeout requested by the controller, or def when unset.
// Values beyond MaxTimeoutSeconds are clamped.
func (r *CommandRequest) Timeout(def time.Duration) time.Duration {
	if r.TimeoutSeconds == nil || *r.TimeoutSeconds <= 0 {
		return def
	}
	return SecondsToDuration(int64(*r.TimeoutSeconds))
}

// SecondsToDuration converts a positive second count, clamping at the
// largest whole-second Duration instead of overflowing.
func SecondsToDuration(secs int64) time.Duration {
	if secs > MaxTimeoutSeconds {
		secs = MaxTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// NewResponse derives a Response addressed back to the requester.
func (r *CommandRequest) NewResponse() *Response {
	return &Response{
		RequestID: r.ID,
		From:      r.To,
		To:        r.From,
		Command:   r.Command,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Terminal builds a terminal Response with the given exit code and stderr text.
func (r *CommandRequest) Terminal(exitCode int, stderr string) *Response {
	resp := r.NewResponse()
	resp.ExitCode = exitCode
	if stderr != "" {
		resp.Stderr = []byte(stderr)
	}
	return resp
}

// NewMessage wraps a body into an envelope.
func NewMessage(msgType, from, to string, body interface{}) (*Message, error) {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", msgType, err)
		}
		raw = data
	}
	return &Message{
		Type:      msgType,
		From:      from,
		To:        to,
		Body:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// BareIdentity strips the "/resource" suffix from a peer identity.
func BareIdentity(id string) string {
	if idx := strings.Index(id, "/"); idx >= 0 {
		return id[:idx]
	}
	return id
}
