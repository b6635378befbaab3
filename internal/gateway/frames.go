// Package gateway maintains the outbound WebSocket session to the agent
// gateway: handshake, request/response correlation, event demultiplexing,
// reconnection and backpressure-aware sending.
package gateway

import (
	"encoding/json"
	"time"
)

// Frame type discriminators on the gateway socket.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Protocol versions this client speaks.
const (
	MinProtocol = 1
	MaxProtocol = 3
)

// Upstream event names with protocol-level meaning.
const (
	// EventChallenge is sent by the gateway immediately after the socket
	// opens, prompting the client to authenticate.
	EventChallenge = "connect.challenge"

	// EventAgent carries run-correlated streaming payloads for agent tasks.
	EventAgent = "agent"

	// EventLinkStatus is synthesized locally on connection state changes.
	// It never travels on the wire.
	EventLinkStatus = "link.status"
)

// MethodConnect is the handshake request method.
const MethodConnect = "connect"

// Frame is the wire envelope for every message on the gateway socket.
// Request frames carry Method and Params; response frames carry OK and
// Payload or Error; event frames carry Event and Payload.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Response is the outcome of a correlated request.
type Response struct {
	OK      bool
	Payload json.RawMessage
	Error   string
}

// ClientInfo identifies this process to the gateway during the handshake.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthParams carries the gateway auth token.
type AuthParams struct {
	Token string `json:"token"`
}

// ConnectParams is the payload of the connect request frame.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Auth        AuthParams `json:"auth"`
}

// StatusPayload is the payload of locally synthesized link.status events.
type StatusPayload struct {
	State string    `json:"state"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// TaskParams is the payload of an agent.task request. RunID binds the
// request to the streamed events that follow.
type TaskParams struct {
	RunID   string `json:"runId"`
	Agent   string `json:"agent"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"`
}

// TaskAck is the acceptance payload returned for an agent.task request.
type TaskAck struct {
	RunID    string `json:"runId"`
	Accepted bool   `json:"accepted"`
}

// RunEvent is the payload of an "agent" event frame. Text on the
// assistant stream is cumulative: each event replaces what came before.
type RunEvent struct {
	RunID  string `json:"runId"`
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Run lifecycle phases.
const (
	PhaseEnd   = "end"
	PhaseError = "error"
	PhaseAsk   = "ask"

	StreamAssistant = "assistant"
)
