// Package protocol defines the JSON payloads exchanged between the hub
// and connected devices. The same payloads travel over WebSocket frames
// (wrapped in an [Envelope]) and MQTT topics (bare).
package protocol

import (
	"encoding/json"
	"time"
)

// Message types carried in [Envelope.Type].
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeCommand    = "command"
	TypeResult     = "result"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Envelope wraps every WebSocket frame. Exactly one of the payload
// fields is set, matching Type.
type Envelope struct {
	Type       string        `json:"type"`
	Register   *Registration `json:"register,omitempty"`
	Registered *Registered   `json:"registered,omitempty"`
	Command    *Command      `json:"command,omitempty"`
	Result     *Result       `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Registration is the payload a device sends when it joins. Token is a
// pairing token for first contact; Credential is the long-lived secret
// returned by a previous successful pairing.
type Registration struct {
	DeviceID     string   `json:"deviceId"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Token        string   `json:"token,omitempty"`
	Credential   string   `json:"credential,omitempty"`
}

// Registered acknowledges a registration. Credential is only set when
// the registration redeemed a pairing token.
type Registered struct {
	DeviceID   string `json:"deviceId"`
	Credential string `json:"credential,omitempty"`
}

// Command is a delegated tool invocation sent to a device.
type Command struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewCommand builds a command stamped with the current time in epoch
// milliseconds.
func NewCommand(id, tool string, args json.RawMessage) Command {
	return Command{
		ID:        id,
		Tool:      tool,
		Args:      args,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Result is a device's answer to a [Command]. Exactly one of Result or
// Error is meaningful; a non-empty Error marks a failure.
type Result struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Error != ""
}
