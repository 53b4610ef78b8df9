package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/snapshot"
	"github.com/parksync/parksync/pkg/wire"
)

func TestClient_DialFailure(t *testing.T) {
	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/sync", Name: "nobody"}, nil)
	defer c.Close()
	_, err := c.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket dial failed")
}

func TestClient_ForwardAfterClose(t *testing.T) {
	a := newAuthority(t, Config{})
	_, c := joinPeer(t, a.url, "judy")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Forward(context.Background(), action.Command{Player: c.Player(), Params: action.TogglePause{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, actionerr.ErrAborted))
}

func TestClient_ForwardTimesOut(t *testing.T) {
	a := newAuthority(t, Config{})
	c := NewClient(ClientConfig{URL: a.url, Name: "kim", SubmitTimeout: 50 * time.Millisecond}, nil)
	defer c.Close()
	_, err := c.Dial(context.Background())
	require.NoError(t, err)

	// Nobody drains the hub's submission queue.
	_, err = c.Forward(context.Background(), action.Command{Player: c.Player(), Params: action.TogglePause{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, actionerr.ErrReplicationTimeout))
}

func TestClient_ReportsFingerprint(t *testing.T) {
	reports := make(chan wire.FingerprintMessage, 1)
	a := newAuthority(t, Config{}, WithFingerprintHandler(func(_ string, fp wire.FingerprintMessage) { reports <- fp }))

	_, c := joinPeer(t, a.url, "leo")
	snap := snapshot.Snapshot{Tick: 4, OrderKey: 1, Fingerprint: snapshot.Sum([]byte("state"))}
	c.ReportFingerprint(snap)

	select {
	case fp := <-reports:
		assert.Equal(t, snap.Fingerprint, fp.Fingerprint)
		assert.Equal(t, uint64(4), fp.Tick)
	case <-time.After(2 * time.Second):
		t.Fatal("fingerprint not received")
	}
}

func TestClient_CheckWithoutGap(t *testing.T) {
	a := newAuthority(t, Config{})
	_, c := joinPeer(t, a.url, "mia")
	assert.NoError(t, c.Check(time.Now().Add(time.Hour)))
}
