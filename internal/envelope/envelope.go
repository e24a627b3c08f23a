package envelope

import (
	"errors"
	"time"
)

var ErrMissingRequired = errors.New("agentId and status are required")

// Envelope is the canonical telemetry record broadcast to observers.
// It is constructed once by Normalize and read-only afterwards.
type Envelope struct {
	AgentID   string         `json:"agentId"`
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Logs      []any          `json:"logs,omitempty"`
}

type MessageType string

const (
	MessageSystem    MessageType = "SYSTEM"
	MessageTelemetry MessageType = "TELEMETRY"
)

// Message is the wire-level framing pushed to observers.
type Message struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
	Payload   *Envelope   `json:"payload,omitempty"`
}

// NowTS returns the current UTC time in the timestamp format used on the wire.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Normalize validates a loosely-typed telemetry submission and completes it
// into an Envelope. agentId and status must be non-empty strings; everything
// else is optional. A missing timestamp is filled with the current server
// time, a caller-supplied one passes through unvalidated. metrics and logs
// are copied, not aliased, so later mutation of the caller's maps cannot
// leak into a broadcast envelope.
func Normalize(raw map[string]any) (Envelope, error) {
	agentID, _ := raw["agentId"].(string)
	status, _ := raw["status"].(string)
	if agentID == "" || status == "" {
		return Envelope{}, ErrMissingRequired
	}

	env := Envelope{AgentID: agentID, Status: status}

	if ts, ok := raw["timestamp"].(string); ok && ts != "" {
		env.Timestamp = ts
	} else {
		env.Timestamp = NowTS()
	}

	if m, ok := raw["metrics"].(map[string]any); ok {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		env.Metrics = cp
	}
	if l, ok := raw["logs"].([]any); ok {
		env.Logs = append([]any(nil), l...)
	}

	return env, nil
}
