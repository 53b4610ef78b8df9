// Package wire defines the JSON messages exchanged over the replication
// WebSocket. Every frame is an Envelope whose payload is one of the message
// structs below.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/state"
)

// ProtocolVersion is sent in Hello and checked by the authority.
const ProtocolVersion = "parksync/1"

// Message type constants.
const (
	TypeHello        = "hello"
	TypeWelcome      = "welcome"
	TypeCommand      = "command"
	TypeFingerprint  = "fingerprint"
	TypeSubmit       = "submit"
	TypeSubmitResult = "submit_result"
	TypeResend       = "resend"
	TypeResync       = "resync"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal wraps v in an envelope of the given type.
func Marshal(typ string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}

// Unmarshal decodes the envelope of a frame.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decoding envelope: missing type")
	}
	return env, nil
}

// Payload decodes the envelope's payload as T.
func Payload[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return v, nil
}

// CommandMessage carries one accepted command at its order key.
type CommandMessage struct {
	OrderKey uint64          `json:"order_key"`
	Tick     uint64          `json:"tick"`
	Kind     action.Kind     `json:"kind"`
	Player   player.ID       `json:"player"`
	Params   json.RawMessage `json:"params"`
}

// NewCommandMessage serializes cmd.
func NewCommandMessage(key action.OrderKey, tick uint64, cmd action.Command) (CommandMessage, error) {
	params, err := action.Encode(cmd)
	if err != nil {
		return CommandMessage{}, err
	}
	return CommandMessage{OrderKey: key, Tick: tick, Kind: cmd.Kind(), Player: cmd.Player, Params: params}, nil
}

// Command rebuilds the command.
func (m CommandMessage) Command() (action.Command, error) {
	return action.Decode(m.Kind, m.Player, m.Params)
}

// FingerprintMessage reports a snapshot. The authority sends it in the
// command stream after the last command of its tick; peers send it back
// once they have captured the same tick.
type FingerprintMessage struct {
	Tick         uint64               `json:"tick"`
	OrderKey     uint64               `json:"order_key"`
	CommandCount uint64               `json:"command_count"`
	Fingerprint  snapshot.Fingerprint `json:"fingerprint"`
}

// NewFingerprintMessage describes s.
func NewFingerprintMessage(s snapshot.Snapshot) FingerprintMessage {
	return FingerprintMessage{Tick: s.Tick, OrderKey: s.OrderKey, CommandCount: s.CommandCount, Fingerprint: s.Fingerprint}
}

// Snapshot returns the snapshot without state.
func (m FingerprintMessage) Snapshot() snapshot.Snapshot {
	return snapshot.Snapshot{Tick: m.Tick, OrderKey: m.OrderKey, CommandCount: m.CommandCount, Fingerprint: m.Fingerprint}
}

// ServerInfo describes the authority.
type ServerInfo struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	ProviderName    string `json:"provider_name,omitempty"`
	ProviderEmail   string `json:"provider_email,omitempty"`
	ProviderWebsite string `json:"provider_website,omitempty"`
}

// Hello is the first message a peer sends.
type Hello struct {
	Version        string `json:"version"`
	Name           string `json:"name"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
}

// Checkpoint is a full state document at a boundary.
type Checkpoint struct {
	State     state.Document `json:"state"`
	OrderKey  uint64         `json:"order_key"`
	Tick      uint64         `json:"tick"`
	TickCount uint64         `json:"tick_count"`
}

// Welcome answers Hello. Player is the id the join command assigned; the
// checkpoint already contains it.
type Welcome struct {
	Player    player.ID  `json:"player"`
	SessionID string     `json:"session_id"`
	Server    ServerInfo `json:"server"`
	Cadence   uint64     `json:"cadence"`
	Checkpoint
}

// Resync replaces a peer's state after it fell out of the resend backlog.
type Resync struct {
	Reason string `json:"reason"`
	Checkpoint
}

// SubmitRequest is a peer submission forwarded to the authority.
type SubmitRequest struct {
	ID     uint64          `json:"id"`
	Kind   action.Kind     `json:"kind"`
	Player player.ID       `json:"player"`
	Params json.RawMessage `json:"params"`
}

// NewSubmitRequest serializes cmd.
func NewSubmitRequest(id uint64, cmd action.Command) (SubmitRequest, error) {
	params, err := action.Encode(cmd)
	if err != nil {
		return SubmitRequest{}, err
	}
	return SubmitRequest{ID: id, Kind: cmd.Kind(), Player: cmd.Player, Params: params}, nil
}

// Command rebuilds the submitted command.
func (m SubmitRequest) Command() (action.Command, error) {
	return action.Decode(m.Kind, m.Player, m.Params)
}

// SubmitResult answers a SubmitRequest.
type SubmitResult struct {
	ID       uint64         `json:"id"`
	OrderKey uint64         `json:"order_key,omitempty"`
	Code     actionerr.Code `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Err rebuilds the submission error, nil on success.
func (r SubmitResult) Err() error {
	if r.Code == "" && r.Error == "" {
		return nil
	}
	code := r.Code
	if code == "" {
		code = actionerr.CodeUnknown
	}
	return actionerr.FromCode(code, r.Error)
}

// ResendRequest asks for every command from From onwards.
type ResendRequest struct {
	From uint64 `json:"from"`
}

// AckMessage acknowledges every command up to and including OrderKey.
type AckMessage struct {
	OrderKey uint64 `json:"order_key"`
}

// ErrorMessage reports a fault before the connection is closed.
type ErrorMessage struct {
	Code    actionerr.Code `json:"code"`
	Message string         `json:"message"`
}
