package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/state"
	"github.com/parksync/parksync/internal/storage"
	"github.com/parksync/parksync/pkg/streaming"
)

// Compile-time interface checks.
var (
	_ storage.Backend    = (*Backend)(nil)
	_ storage.Uploadable = (*Backend)(nil)
)

// archive is an httptest server that upgrades to WebSocket, records what
// it receives per connection and acks start_session and end_session.
type archive struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  [][]Envelope
	auth   []string
	dropAt int // close the first connection after this many records
}

func newArchive(t *testing.T) *archive {
	t.Helper()
	a := &archive{}
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()

		a.mu.Lock()
		idx := len(a.conns)
		a.conns = append(a.conns, nil)
		a.auth = append(a.auth, r.Header.Get("Authorization"))
		a.mu.Unlock()

		records := 0
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			a.mu.Lock()
			a.conns[idx] = append(a.conns[idx], env)
			drop := env.Type == TypeRecord && idx == 0 && a.dropAt > 0 && records+1 == a.dropAt
			a.mu.Unlock()

			if env.Type == TypeRecord {
				records++
			}
			if drop {
				return
			}
			if env.Type == TypeStartSession || env.Type == TypeEndSession {
				data, _ := json.Marshal(AckMessage{Type: "ack", For: env.Type})
				if err := c.WriteMessage(ws.TextMessage, data); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *archive) url() string {
	return "ws" + strings.TrimPrefix(a.srv.URL, "http")
}

func (a *archive) messages(conn int) []Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn >= len(a.conns) {
		return nil
	}
	return append([]Envelope(nil), a.conns[conn]...)
}

func types(envs []Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func decodeRecord(t *testing.T, env Envelope) storage.Entry {
	t.Helper()
	var rec storage.Record
	require.NoError(t, json.Unmarshal(env.Payload, &rec))
	e, err := rec.Entry()
	require.NoError(t, err)
	return e
}

func TestStreamsSession(t *testing.T) {
	a := newArchive(t)

	b := New(Config{URL: a.url(), Secret: "s3cret", SessionID: "01J000000000000000000WS001", ServerName: "Pokey"}, nil)
	require.NoError(t, b.Init())

	require.NoError(t, b.Append(1, 0, action.Command{Player: 1, Params: action.SetParkName{Name: "Pokey Park"}}))
	require.NoError(t, b.Append(2, 0, action.Command{Player: 1, Params: action.TogglePause{}}))
	snap, err := snapshot.Capture(state.NewDefault("host"), 1, 2, 2, false)
	require.NoError(t, err)
	require.NoError(t, b.AppendSnapshot(snap))
	require.NoError(t, b.Acknowledge(2))
	require.NoError(t, b.Close())

	msgs := a.messages(0)
	assert.Equal(t, []string{
		TypeStartSession, TypeRecord, TypeRecord, TypeRecord, TypeAcknowledged, TypeEndSession,
	}, types(msgs))
	a.mu.Lock()
	assert.Equal(t, "Bearer s3cret", a.auth[0])
	a.mu.Unlock()

	var start streaming.StartSessionPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &start))
	assert.Equal(t, "01J000000000000000000WS001", start.SessionID)
	assert.Equal(t, "Pokey", start.ServerName)

	first := decodeRecord(t, msgs[1])
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, action.SetParkName{Name: "Pokey Park"}, first.Command.Params)
	last := decodeRecord(t, msgs[3])
	assert.Equal(t, storage.EntrySnapshot, last.Kind)
	assert.Equal(t, snap.Fingerprint, last.Snapshot.Fingerprint)

	var ack streaming.AcknowledgedPayload
	require.NoError(t, json.Unmarshal(msgs[4].Payload, &ack))
	assert.Equal(t, uint64(2), ack.OrderKey)

	// The local copy serves reads.
	n := 0
	for e, err := range b.Iterate() {
		require.NoError(t, err)
		n++
		if e.Kind == storage.EntryCommand {
			assert.True(t, e.Acknowledged)
		}
	}
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(0), b.Dropped())
	assert.Equal(t, "01J000000000000000000WS001", b.GetExportMetadata().SessionID)
}

func TestInit_Unreachable(t *testing.T) {
	a := newArchive(t)
	url := a.url()
	a.srv.Close()

	b := New(Config{URL: url}, nil)
	err := b.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket dial failed")
}

func TestReconnectReplaysStart(t *testing.T) {
	a := newArchive(t)
	a.dropAt = 1

	b := New(Config{URL: a.url(), SessionID: "01J000000000000000000WS002"}, nil)
	require.NoError(t, b.Init())

	require.NoError(t, b.Append(1, 0, action.Command{Player: 1, Params: action.TogglePause{}}))

	// The archive drops the socket; the client redials after a backoff and
	// opens the new connection with start_session.
	require.Eventually(t, func() bool {
		msgs := a.messages(1)
		return len(msgs) >= 1 && msgs[0].Type == TypeStartSession
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Append(2, 0, action.Command{Player: 1, Params: action.TogglePause{}}))
	require.Eventually(t, func() bool {
		return len(a.messages(1)) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Close())

	msgs := a.messages(1)
	assert.Equal(t, TypeStartSession, msgs[0].Type)
	assert.Equal(t, TypeRecord, msgs[1].Type)
	assert.Equal(t, uint64(2), decodeRecord(t, msgs[1]).OrderKey)
}
