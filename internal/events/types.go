// Package events defines the event types published by the status clients and
// consumed by telemetry, persistence and the CLI.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle
	EventServerConnecting   EventType = "server_connecting"
	EventServerConnected    EventType = "server_connected"
	EventServerDisconnected EventType = "server_disconnected"
	EventServerVersion      EventType = "server_version"
	EventServerError        EventType = "server_error"

	// Polling
	EventServerInfo EventType = "server_info"

	// System
	EventShutdown EventType = "shutdown"
)

// DisconnectReason classifies why a connection left the Connected state.
type DisconnectReason string

const (
	ReasonBye       DisconnectReason = "bye"
	ReasonTransport DisconnectReason = "transport_error"
	ReasonDial      DisconnectReason = "dial_error"
	ReasonShutdown  DisconnectReason = "shutdown"
)

// Event is a single message passed through the EventBus.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConnectionPayload accompanies the connecting/connected events.
type ConnectionPayload struct {
	ServerID string `json:"server_id"`
	Address  string `json:"address"`
	Session  string `json:"session,omitempty"`
}

// DisconnectPayload accompanies EventServerDisconnected.
type DisconnectPayload struct {
	ServerID  string           `json:"server_id"`
	Address   string           `json:"address"`
	Session   string           `json:"session,omitempty"`
	Reason    DisconnectReason `json:"reason"`
	Error     string           `json:"error,omitempty"`
	RetryIn   time.Duration    `json:"retry_in"`
	Abandoned int              `json:"abandoned_requests"`
}

// VersionPayload accompanies EventServerVersion.
type VersionPayload struct {
	ServerID string `json:"server_id"`
	Version  string `json:"version"`
}

// ErrorPayload accompanies EventServerError, raised for inbound Error frames.
type ErrorPayload struct {
	ServerID string `json:"server_id"`
	Message  string `json:"message"`
}

// InfoPayload accompanies EventServerInfo. Info holds the decoded server info.
type InfoPayload struct {
	ServerID string      `json:"server_id"`
	Info     interface{} `json:"info"`
}
