package replication

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/state"
	"github.com/parksync/parksync/pkg/wire"
)

// Compile-time interface checks.
var (
	_ dispatcher.Replicator = (*Hub)(nil)
	_ dispatcher.Forwarder  = (*Client)(nil)
	_ Authority             = (*dispatcher.Dispatcher)(nil)
)

type authority struct {
	d      *dispatcher.Dispatcher
	hub    *Hub
	url    string
	server player.ID
}

func newAuthority(t *testing.T, cfg Config, opts ...HubOption) *authority {
	t.Helper()
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Second
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = time.Minute
	}
	opts = append([]HubOption{WithSession("01J0000000000000000000HUB1", wire.ServerInfo{Name: "Test Server"})}, opts...)
	hub := NewHub(cfg, nil, opts...)
	d, err := dispatcher.New(dispatcher.ModeAuthority, state.NewDefault("host"), nil, dispatcher.WithReplicator(hub))
	require.NoError(t, err)
	hub.Attach(d)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	server, ok := d.ServerPlayer()
	require.True(t, ok)
	return &authority{d: d, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http"), server: server}
}

func (a *authority) rename(t *testing.T, name string) uint64 {
	t.Helper()
	key, err := a.d.Submit(context.Background(), action.Command{Player: a.server, Params: action.SetParkName{Name: name}})
	require.NoError(t, err)
	return key
}

func (a *authority) fingerprint(t *testing.T) []byte {
	t.Helper()
	doc, _ := a.d.Checkpoint()
	b, err := doc.Canonical()
	require.NoError(t, err)
	return b
}

// rawPeer speaks the wire protocol directly so tests control acks.
type rawPeer struct {
	t       *testing.T
	conn    *ws.Conn
	welcome wire.Welcome
}

func dialRaw(t *testing.T, url, name string) *rawPeer {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &rawPeer{t: t, conn: conn}
	p.write(wire.TypeHello, wire.Hello{Version: wire.ProtocolVersion, Name: name})
	env := p.next()
	require.Equal(t, wire.TypeWelcome, env.Type)
	p.welcome, err = wire.Payload[wire.Welcome](env)
	require.NoError(t, err)
	return p
}

func (p *rawPeer) write(typ string, v any) {
	p.t.Helper()
	data, err := wire.Marshal(typ, v)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(ws.TextMessage, data))
}

func (p *rawPeer) next() wire.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	env, err := wire.Unmarshal(data)
	require.NoError(p.t, err)
	return env
}

func (p *rawPeer) nextOf(typ string) wire.Envelope {
	p.t.Helper()
	for {
		if env := p.next(); env.Type == typ {
			return env
		}
	}
}

func (p *rawPeer) command() wire.CommandMessage {
	p.t.Helper()
	m, err := wire.Payload[wire.CommandMessage](p.nextOf(wire.TypeCommand))
	require.NoError(p.t, err)
	return m
}

// joinPeer dials a Client and builds a peer dispatcher from its welcome.
func joinPeer(t *testing.T, url, name string) (*dispatcher.Dispatcher, *Client) {
	t.Helper()
	c := NewClient(ClientConfig{URL: url, Name: name}, nil)
	t.Cleanup(func() { _ = c.Close() })
	welcome, err := c.Dial(context.Background())
	require.NoError(t, err)

	d, err := dispatcher.New(dispatcher.ModePeer, state.New(), nil, dispatcher.WithForwarder(c))
	require.NoError(t, err)
	require.NoError(t, d.Load(welcome.State, dispatcher.Boundary{
		Tick:         welcome.Tick,
		OrderKey:     welcome.OrderKey,
		CommandCount: welcome.TickCount,
	}))
	return d, c
}

// pump applies released commands on d and acknowledges them.
func pump(t *testing.T, d *dispatcher.Dispatcher, c *Client) {
	t.Helper()
	for _, del := range c.Deliveries() {
		switch {
		case del.Resync != nil:
			require.NoError(t, d.Load(del.Resync.State, dispatcher.Boundary{
				Tick: del.Resync.Tick, OrderKey: del.Resync.OrderKey, CommandCount: del.Resync.TickCount,
			}))
		case del.Command != nil:
			cmd, err := del.Command.Command()
			require.NoError(t, err)
			_, err = d.ApplyReplicated(del.Command.OrderKey, del.Command.Tick, cmd)
			require.NoError(t, err)
			c.Ack(del.Command.OrderKey)
		}
	}
}

func TestJoin_WelcomeCarriesCheckpoint(t *testing.T) {
	a := newAuthority(t, Config{})
	a.rename(t, "Before Join")

	p := dialRaw(t, a.url, "alice")
	assert.Equal(t, uint64(2), p.welcome.OrderKey, "rename then join")
	assert.Equal(t, "Test Server", p.welcome.Server.Name)
	assert.Equal(t, "01J0000000000000000000HUB1", p.welcome.SessionID)

	st, err := state.Import(p.welcome.State)
	require.NoError(t, err)
	assert.Equal(t, "Before Join", st.Park.Name)
	joined, ok := st.Players.Get(p.welcome.Player)
	require.True(t, ok)
	assert.Equal(t, "alice", joined.Name)

	peers := a.hub.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Joined)
	assert.Equal(t, p.welcome.Player, peers[0].Player)
}

func TestReplication_PeerConverges(t *testing.T) {
	a := newAuthority(t, Config{})
	pd, c := joinPeer(t, a.url, "bob")

	for _, name := range []string{"One", "Two", "Three"} {
		a.rename(t, name)
	}

	require.Eventually(t, func() bool {
		pump(t, pd, c)
		return pd.LastOrderKey() == a.d.LastOrderKey()
	}, 2*time.Second, 10*time.Millisecond)

	doc, _ := pd.Checkpoint()
	got, err := doc.Canonical()
	require.NoError(t, err)
	assert.Equal(t, a.fingerprint(t), got)
}

func TestForward_SubmissionRoundTrip(t *testing.T) {
	a := newAuthority(t, Config{})
	pd, c := joinPeer(t, a.url, "carol")

	type outcome struct {
		key uint64
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		key, err := pd.Submit(context.Background(), action.Command{Player: c.Player(), Params: action.SetParkName{Name: "Carol Land"}})
		done <- outcome{key, err}
	}()

	require.Eventually(t, func() bool {
		return a.hub.ProcessSubmissions(context.Background()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, uint64(2), out.key)
	case <-time.After(2 * time.Second):
		t.Fatal("no submit result")
	}

	// Nothing applies on the peer until the command comes back.
	require.Eventually(t, func() bool {
		pump(t, pd, c)
		return pd.LastOrderKey() == 2
	}, 2*time.Second, 10*time.Millisecond)

	var name string
	pd.View(func(b dispatcher.Boundary) { name = b.State.Park.Name })
	assert.Equal(t, "Carol Land", name)
}

func TestForward_RejectionReturnsCode(t *testing.T) {
	a := newAuthority(t, Config{})
	_, c := joinPeer(t, a.url, "dave")

	done := make(chan error, 1)
	go func() {
		// Sent straight through the client, as another player.
		_, err := c.Forward(context.Background(), action.Command{Player: a.server, Params: action.TogglePause{}})
		done <- err
	}()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, actionerr.ErrPermissionDenied), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no submit result")
	}
	assert.Zero(t, a.hub.submissions.Len())
}

func TestHello_UnknownKeyRejected(t *testing.T) {
	a := newAuthority(t, Config{KnownKeysOnly: true, KnownKeys: []string{"trusted"}})

	c := NewClient(ClientConfig{URL: a.url, Name: "mallory", KeyFingerprint: "stranger"}, nil)
	defer c.Close()
	_, err := c.Dial(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, actionerr.ErrPermissionDenied))
	assert.Zero(t, a.d.LastOrderKey(), "no join was submitted")

	ok := NewClient(ClientConfig{URL: a.url, Name: "trent", KeyFingerprint: "trusted"}, nil)
	defer ok.Close()
	_, err = ok.Dial(context.Background())
	require.NoError(t, err)
}

func TestHello_VersionMismatch(t *testing.T) {
	a := newAuthority(t, Config{})
	conn, _, err := ws.DefaultDialer.Dial(a.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	p := &rawPeer{t: t, conn: conn}
	p.write(wire.TypeHello, wire.Hello{Version: "parksync/0", Name: "old"})
	env := p.next()
	require.Equal(t, wire.TypeError, env.Type)
	m, err := wire.Payload[wire.ErrorMessage](env)
	require.NoError(t, err)
	assert.Equal(t, actionerr.CodeInvalidArgument, m.Code)
}

func TestResend_ReplaysBacklog(t *testing.T) {
	a := newAuthority(t, Config{})
	p := dialRaw(t, a.url, "erin")

	k1 := a.rename(t, "A")
	k2 := a.rename(t, "B")
	assert.Equal(t, k1, p.command().OrderKey)
	assert.Equal(t, k2, p.command().OrderKey)

	p.write(wire.TypeResend, wire.ResendRequest{From: k1})
	assert.Equal(t, k1, p.command().OrderKey)
	assert.Equal(t, k2, p.command().OrderKey)
}

func TestResend_BeyondBacklogResyncs(t *testing.T) {
	a := newAuthority(t, Config{Backlog: 2})
	p := dialRaw(t, a.url, "frank")
	for _, name := range []string{"A", "B", "C", "D"} {
		a.rename(t, name)
	}

	p.write(wire.TypeResend, wire.ResendRequest{From: p.welcome.OrderKey + 1})
	m, err := wire.Payload[wire.Resync](p.nextOf(wire.TypeResync))
	require.NoError(t, err)
	assert.Equal(t, a.d.LastOrderKey(), m.OrderKey)

	st, err := state.Import(m.State)
	require.NoError(t, err)
	assert.Equal(t, "D", st.Park.Name)
}

func TestMaintain_AckQuorum(t *testing.T) {
	tests := []struct {
		name   string
		strict bool
		want   uint64
	}{
		{"strict waits for slowest", true, 2},
		{"best effort takes fastest", false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuthority(t, Config{Strict: tt.strict})
			fast := dialRaw(t, a.url, "fast")
			slow := dialRaw(t, a.url, "slow")
			require.Equal(t, uint64(2), slow.welcome.OrderKey)

			key := a.rename(t, "Acked")
			require.Equal(t, uint64(3), key)
			fast.write(wire.TypeAck, wire.AckMessage{OrderKey: key})

			require.Eventually(t, func() bool {
				a.hub.Maintain(time.Now())
				return a.d.Acknowledged() == tt.want
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestMaintain_NoPeersAcknowledgesEverything(t *testing.T) {
	a := newAuthority(t, Config{})
	key := a.rename(t, "Solo")
	a.hub.Maintain(time.Now())
	assert.Equal(t, key, a.d.Acknowledged())
	assert.Equal(t, key, a.hub.Watermark())
}

func TestMaintain_DropsLaggingPeer(t *testing.T) {
	a := newAuthority(t, Config{AckTimeout: time.Second})
	p := dialRaw(t, a.url, "gina")
	a.rename(t, "Unacked")

	a.hub.Maintain(time.Now().Add(time.Minute))

	m, err := wire.Payload[wire.ErrorMessage](p.nextOf(wire.TypeError))
	require.NoError(t, err)
	assert.Equal(t, actionerr.CodeReplicationTimeout, m.Code)

	assert.Empty(t, a.hub.Peers())
	var present bool
	a.d.View(func(b dispatcher.Boundary) { _, present = b.State.Players.Get(p.welcome.Player) })
	assert.False(t, present, "leave command removes the player")
}

func TestDisconnect_PurgesPendingSubmissions(t *testing.T) {
	a := newAuthority(t, Config{})
	p := dialRaw(t, a.url, "hank")

	req, err := wire.NewSubmitRequest(1, action.Command{Player: p.welcome.Player, Params: action.SetParkName{Name: "Never"}})
	require.NoError(t, err)
	p.write(wire.TypeSubmit, req)
	require.Eventually(t, func() bool { return a.hub.submissions.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.conn.Close())
	require.Eventually(t, func() bool { return len(a.hub.Peers()) == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, a.hub.submissions.Len())
	assert.Zero(t, a.hub.ProcessSubmissions(context.Background()))

	var name string
	a.d.View(func(b dispatcher.Boundary) { name = b.State.Park.Name })
	assert.NotEqual(t, "Never", name)
}

func TestSubmit_RateLimited(t *testing.T) {
	a := newAuthority(t, Config{SubmitRate: 0.001, SubmitBurst: 1})
	p := dialRaw(t, a.url, "ivy")

	for id := uint64(1); id <= 2; id++ {
		req, err := wire.NewSubmitRequest(id, action.Command{Player: p.welcome.Player, Params: action.TogglePause{}})
		require.NoError(t, err)
		p.write(wire.TypeSubmit, req)
	}

	m, err := wire.Payload[wire.SubmitResult](p.nextOf(wire.TypeSubmitResult))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.ID)
	assert.Equal(t, actionerr.CodeAborted, m.Code)
	assert.Equal(t, 1, a.hub.submissions.Len())
}

func TestKick_DisconnectsPeer(t *testing.T) {
	a := newAuthority(t, Config{Strict: true})
	alice := dialRaw(t, a.url, "alice")
	bob := dialRaw(t, a.url, "bob")

	kick, err := a.d.Submit(context.Background(), action.Command{
		Player: a.server,
		Params: action.KickPlayer{Target: alice.welcome.Player, Reason: "griefing"},
	})
	require.NoError(t, err)

	peers := a.hub.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, bob.welcome.Player, peers[0].Player)

	// alice sees her own kick, then the reason, then the close.
	for m := alice.command(); m.OrderKey != kick; m = alice.command() {
	}
	m, err := wire.Payload[wire.ErrorMessage](alice.nextOf(wire.TypeError))
	require.NoError(t, err)
	assert.Equal(t, actionerr.CodePermissionDenied, m.Code)
	assert.Contains(t, m.Message, "griefing")
	_, _, err = alice.conn.ReadMessage()
	var ce *ws.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ws.CloseNormalClosure, ce.Code)

	// The strict quorum no longer waits for alice.
	key := a.rename(t, "After Kick")
	bob.write(wire.TypeAck, wire.AckMessage{OrderKey: key})
	require.Eventually(t, func() bool {
		a.hub.Maintain(time.Now())
		return a.d.Acknowledged() == key
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKick_PurgesSubmissions(t *testing.T) {
	a := newAuthority(t, Config{})
	p := dialRaw(t, a.url, "jack")

	req, err := wire.NewSubmitRequest(1, action.Command{Player: p.welcome.Player, Params: action.SetParkName{Name: "Mine Now"}})
	require.NoError(t, err)
	p.write(wire.TypeSubmit, req)
	require.Eventually(t, func() bool { return a.hub.submissions.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = a.d.Submit(context.Background(), action.Command{Player: a.server, Params: action.KickPlayer{Target: p.welcome.Player}})
	require.NoError(t, err)

	assert.Empty(t, a.hub.Peers())
	assert.Zero(t, a.hub.submissions.Len())
}

func TestKick_ClientStaysOut(t *testing.T) {
	a := newAuthority(t, Config{})
	_, c := joinPeer(t, a.url, "kim")

	_, err := a.d.Submit(context.Background(), action.Command{Player: a.server, Params: action.KickPlayer{Target: c.Player()}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return errors.Is(c.Err(), actionerr.ErrPermissionDenied)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(a.hub.Peers()) > 0 }, 1500*time.Millisecond, 50*time.Millisecond)
}
