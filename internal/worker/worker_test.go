package worker

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/channel"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/replication"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/internal/state"
	"github.com/parksync/parksync/internal/storage"
	"github.com/parksync/parksync/internal/storage/memory"
	"github.com/parksync/parksync/pkg/wire"
)

const cadence = 2

type fakeBoard struct {
	mu        sync.Mutex
	published []snapshot.Snapshot
}

func (b *fakeBoard) Publish(_ context.Context, _, _ string, s snapshot.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, s)
	return nil
}

func (b *fakeBoard) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type rig struct {
	d      *dispatcher.Dispatcher
	hub    *replication.Hub
	mgr    *Manager
	det    *snapshot.Detector
	log    *memory.Backend
	board  *fakeBoard
	url    string
	server player.ID
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		det:   snapshot.NewDetector(snapshot.DetectorConfig{Cadence: cadence}, nil),
		log:   memory.New(memory.Config{}),
		board: &fakeBoard{},
	}
	var mgr *Manager
	r.hub = replication.NewHub(replication.Config{PingInterval: time.Second}, nil,
		replication.WithFingerprintHandler(func(peer string, fp wire.FingerprintMessage) {
			mgr.OnPeerFingerprint(peer, fp.Snapshot())
		}))

	var err error
	r.d, err = dispatcher.New(dispatcher.ModeAuthority, state.NewDefault("host"), nil,
		dispatcher.WithReplicator(r.hub), dispatcher.WithRecorder(r.log))
	require.NoError(t, err)
	r.hub.Attach(r.d)

	mgr, err = NewManager(Dependencies{
		Dispatcher:  r.d,
		Backend:     r.log,
		Detector:    r.det,
		Hub:         r.hub,
		Board:       r.board,
		SessionID:   "01J000000000000000000WORK1",
		Participant: "authority",
	})
	require.NoError(t, err)
	r.mgr = mgr
	require.NoError(t, mgr.Baseline())

	srv := httptest.NewServer(r.hub)
	t.Cleanup(func() {
		_ = r.hub.Close()
		srv.Close()
	})
	r.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	r.server, _ = r.d.ServerPlayer()
	return r
}

func (r *rig) submit(t *testing.T, p action.Params) uint64 {
	t.Helper()
	key, err := r.d.Submit(context.Background(), action.Command{Player: r.server, Params: p})
	require.NoError(t, err)
	return key
}

func (r *rig) steps(t *testing.T, n int) {
	t.Helper()
	for range n {
		require.NoError(t, r.mgr.Step(context.Background(), time.Now()))
	}
}

type peerRig struct {
	d      *dispatcher.Dispatcher
	client *replication.Client
	mgr    *Manager
	det    *snapshot.Detector
	notes  *channel.Buffered[dispatcher.Notification]
}

func (r *rig) join(t *testing.T, name string) *peerRig {
	t.Helper()
	c := replication.NewClient(replication.ClientConfig{URL: r.url, Name: name}, nil)
	t.Cleanup(func() { _ = c.Close() })
	welcome, err := c.Dial(context.Background())
	require.NoError(t, err)

	p := &peerRig{client: c, notes: channel.NewBuffered[dispatcher.Notification](256)}
	p.d, err = dispatcher.New(dispatcher.ModePeer, state.New(), nil,
		dispatcher.WithForwarder(c), dispatcher.WithNotifications(p.notes))
	require.NoError(t, err)
	require.NoError(t, p.d.Load(welcome.State, dispatcher.Boundary{
		Tick: welcome.Tick, OrderKey: welcome.OrderKey, CommandCount: welcome.TickCount,
	}))
	p.det = snapshot.NewDetector(snapshot.DetectorConfig{Cadence: cadence}, p.d.RecentOrderKeys)
	p.mgr, err = NewManager(Dependencies{
		Dispatcher: p.d,
		Backend:    memory.New(memory.Config{}),
		Detector:   p.det,
		Client:     c,
	})
	require.NoError(t, err)
	require.NoError(t, p.mgr.Baseline())
	return p
}

func (p *peerRig) step(t *testing.T) {
	t.Helper()
	require.NoError(t, p.mgr.Step(context.Background(), time.Now()))
}

func (p *peerRig) sawEvent(e dispatcher.Event) bool {
	for {
		select {
		case n := <-p.notes.Receive():
			if n.Event == e {
				return true
			}
		default:
			return false
		}
	}
}

func TestNewManager_RequiresTransport(t *testing.T) {
	d, err := dispatcher.New(dispatcher.ModeAuthority, state.NewDefault("host"), nil)
	require.NoError(t, err)
	det := snapshot.NewDetector(snapshot.DetectorConfig{}, nil)

	_, err = NewManager(Dependencies{Dispatcher: d, Detector: det})
	assert.Error(t, err)
	_, err = NewManager(Dependencies{Detector: det})
	assert.Error(t, err)
}

func TestAuthorityStep_CapturesOnCadence(t *testing.T) {
	r := newRig(t)
	r.submit(t, action.SetParkName{Name: "Cadence Park"})
	r.steps(t, 5)

	assert.Equal(t, uint64(5), r.d.Tick())
	stats := r.mgr.Stats()
	assert.Equal(t, uint64(5), stats.Ticks)
	assert.Equal(t, uint64(2), stats.Snapshots, "ticks 2 and 4")
	assert.Equal(t, 2, r.board.count())

	var snaps []uint64
	for e, err := range r.log.Iterate() {
		require.NoError(t, err)
		if e.Kind == storage.EntrySnapshot {
			snaps = append(snaps, e.Tick)
		}
	}
	assert.Equal(t, []uint64{0, 2, 4}, snaps, "baseline plus cadence")

	local, ok := r.det.Local(2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), local.OrderKey)
}

func TestLockstep_PeerMatchesAuthority(t *testing.T) {
	r := newRig(t)
	p := r.join(t, "alice")

	r.submit(t, action.SetParkName{Name: "Lockstep Land"})
	r.submit(t, action.HireStaff{Name: "Mo", Role: state.Handyman})
	r.steps(t, 3)

	require.Eventually(t, func() bool {
		p.step(t)
		return p.det.Matched() >= 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, r.d.LastOrderKey(), p.d.LastOrderKey())
	assert.False(t, p.det.Desynced())

	require.Eventually(t, func() bool { return r.det.Matched() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, r.det.Desynced())

	require.Eventually(t, func() bool {
		r.steps(t, 1)
		return r.d.Acknowledged() == r.d.LastOrderKey()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLockstep_PeerSubmissionAppliesAtBoundary(t *testing.T) {
	r := newRig(t)
	p := r.join(t, "bob")

	done := make(chan error, 1)
	go func() {
		_, err := p.d.Submit(context.Background(), action.Command{Player: p.client.Player(), Params: action.TogglePause{}})
		done <- err
	}()

	require.Eventually(t, func() bool {
		r.steps(t, 1)
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	var paused bool
	r.d.View(func(b dispatcher.Boundary) { paused = b.State.Park.Paused })
	assert.True(t, paused)

	require.Eventually(t, func() bool {
		p.step(t)
		var peerPaused bool
		p.d.View(func(b dispatcher.Boundary) { peerPaused = b.State.Park.Paused })
		return peerPaused
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLockstep_DesyncDetectedOnBothSides(t *testing.T) {
	r := newRig(t)
	p := r.join(t, "carol")

	// Diverge the peer outside the command stream.
	p.d.View(func(b dispatcher.Boundary) { b.State.Park.Name = "Tampered" })
	r.steps(t, 3)

	require.Eventually(t, func() bool {
		p.step(t)
		return p.det.Desynced()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), p.mgr.Stats().Desyncs)
	assert.True(t, p.sawEvent(dispatcher.EventDesync))

	require.Eventually(t, r.det.Desynced, 3*time.Second, 10*time.Millisecond)
	reports := r.det.Reports()
	require.NotEmpty(t, reports)
	assert.Contains(t, reports[0].Peer, "carol")
}

func TestHandleNotification_ForgetsDroppedPeer(t *testing.T) {
	r := newRig(t)
	r.steps(t, 3)
	local, ok := r.det.Local(2)
	require.True(t, ok)

	// A report for a tick the authority has not captured yet is held.
	r.mgr.OnPeerFingerprint("dave#9", snapshot.Snapshot{Tick: 4, OrderKey: local.OrderKey, Fingerprint: local.Fingerprint})
	r.mgr.HandleNotification(dispatcher.Notification{Event: dispatcher.EventPeerDropped, Peer: "dave#9"})

	r.steps(t, 2)
	assert.False(t, r.det.Desynced())
	assert.Zero(t, r.det.Matched())
}
