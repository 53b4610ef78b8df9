package monitor

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/influx"
	"github.com/parksync/parksync/internal/replication"
	"github.com/parksync/parksync/internal/session"
	"github.com/parksync/parksync/internal/state"
)

type fakeReplication struct {
	peers   []replication.PeerInfo
	pending int
}

func (f fakeReplication) Peers() []replication.PeerInfo { return f.peers }
func (f fakeReplication) Pending() int                  { return f.pending }

func newDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(dispatcher.ModeAuthority, state.NewDefault("host"), nil)
	require.NoError(t, err)
	_, err = d.Submit(context.Background(), action.Command{Player: 1, Params: action.TogglePause{}})
	require.NoError(t, err)
	d.AdvanceTick(nil)
	return d
}

func TestGetStatus(t *testing.T) {
	sess := session.NewContext("authority", session.Info{Name: "test"})
	svc := NewService(Dependencies{
		Session:    sess,
		Dispatcher: newDispatcher(t),
		Replication: fakeReplication{
			peers:   []replication.PeerInfo{{Player: 2, Name: "Alice", Joined: true, Acked: 1}},
			pending: 3,
		},
	})

	now := time.Now()
	st := svc.GetStatus(now)
	assert.Equal(t, now, st.Time)
	assert.Equal(t, sess.ID(), st.SessionID)
	assert.Equal(t, "authority", st.Mode)
	assert.Equal(t, uint64(1), st.Tick)
	assert.Equal(t, uint64(1), st.OrderKey)
	assert.Equal(t, 3, st.Pending)
	require.Len(t, st.Peers, 1)
	assert.False(t, st.Desynced)
}

func TestPublish_WritesStatusFile(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Dependencies{Dispatcher: newDispatcher(t), StatusDir: dir})

	require.NoError(t, svc.Publish(context.Background(), time.Now()))

	data, err := os.ReadFile(filepath.Join(dir, StatusFileName))
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, uint64(1), st.OrderKey)
	assert.Empty(t, st.Peers)
}

func TestPublish_FeedsInflux(t *testing.T) {
	t.Cleanup(viper.Reset)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	viper.Set("influx.enabled", true)
	viper.Set("influx.protocol", "http")
	viper.Set("influx.host", "127.0.0.1")
	viper.Set("influx.port", strconv.Itoa(port))

	backup := filepath.Join(t.TempDir(), "influx.lp.gz")
	im := influx.NewManager(zerolog.Nop(), backup)
	require.NoError(t, im.Connect())

	svc := NewService(Dependencies{
		Session:    session.NewContext("authority", session.Info{}),
		Dispatcher: newDispatcher(t),
		Replication: fakeReplication{peers: []replication.PeerInfo{
			{Player: 2, Name: "Alice", Ping: 20 * time.Millisecond},
			{Player: 3, Name: "Bob"},
		}},
		Influx: im,
	})
	require.NoError(t, svc.Publish(context.Background(), time.Now()))
	require.NoError(t, im.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "session,"))
	assert.Contains(t, lines[1], "name=Alice")
	assert.Contains(t, lines[2], "name=Bob")
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Dependencies{Dispatcher: newDispatcher(t), StatusDir: dir, Interval: 10 * time.Millisecond})

	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start())
	assert.True(t, svc.IsRunning())

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, StatusFileName))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	svc.Stop()
	assert.False(t, svc.IsRunning())
	svc.Stop()
}
