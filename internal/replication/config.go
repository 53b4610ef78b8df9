// Package replication carries accepted commands from the authority to its
// peers over WebSockets. The authority runs a Hub; each peer runs a Client
// whose Resequencer hands commands to the tick loop in order-key order.
package replication

import "time"

// Config holds the authority-side settings.
type Config struct {
	// Strict requires every connected peer to acknowledge a command before
	// the replay log marks it acknowledged. Otherwise one peer suffices.
	Strict bool
	// Backlog is how many recent frames are kept for resend requests.
	Backlog int
	// AckTimeout drops a peer whose acknowledgements lag this long.
	AckTimeout time.Duration
	// PingInterval is the WebSocket keepalive period.
	PingInterval time.Duration
	WriteWait    time.Duration
	// HelloTimeout bounds the handshake.
	HelloTimeout time.Duration
	// SendBuffer is the per-peer outbound queue size.
	SendBuffer int
	// SubmitRate and SubmitBurst bound forwarded submissions per peer.
	SubmitRate  float64
	SubmitBurst int
	// KnownKeysOnly rejects peers whose key fingerprint is not in KnownKeys.
	KnownKeysOnly bool
	KnownKeys     []string
	// Cadence is the snapshot cadence announced in the welcome.
	Cadence uint64
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		Strict:       true,
		Backlog:      1024,
		AckTimeout:   30 * time.Second,
		PingInterval: 10 * time.Second,
		WriteWait:    10 * time.Second,
		HelloTimeout: 10 * time.Second,
		SendBuffer:   4096,
		SubmitRate:   20,
		SubmitBurst:  40,
		Cadence:      20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = def.HelloTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.SubmitRate <= 0 {
		c.SubmitRate = def.SubmitRate
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = def.SubmitBurst
	}
	if c.Cadence == 0 {
		c.Cadence = def.Cadence
	}
	return c
}

// ClientConfig holds the peer-side settings.
type ClientConfig struct {
	URL            string
	Name           string
	KeyFingerprint string

	// ResendTimeout is how long a gap may stay open before the resend
	// request is repeated; MaxResendAttempts bounds the repeats.
	ResendTimeout     time.Duration
	MaxResendAttempts int

	MaxReconnect int
	MaxBackoff   time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	// SubmitTimeout bounds Forward when the caller's context has no deadline.
	SubmitTimeout time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ResendTimeout <= 0 {
		c.ResendTimeout = 2 * time.Second
	}
	if c.MaxResendAttempts <= 0 {
		c.MaxResendAttempts = 5
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = 10
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 1024
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	return c
}
