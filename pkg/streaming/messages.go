// Package streaming defines the protocol a replay log streams over to a
// remote archive.
package streaming

import (
	"encoding/json"
	"time"
)

// Message type constants matching the streaming protocol.
const (
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"
	TypeRecord       = "record"
	TypeAcknowledged = "acknowledged"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// StartSessionPayload identifies the session being streamed.
type StartSessionPayload struct {
	SessionID  string    `json:"session_id"`
	ServerName string    `json:"server_name"`
	StartedAt  time.Time `json:"started_at"`
}

// AcknowledgedPayload moves the archive's acknowledgement watermark.
type AcknowledgedPayload struct {
	OrderKey uint64 `json:"order_key"`
}
