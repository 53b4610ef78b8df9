package snapshot

import (
	"testing"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/permission"
	"github.com/parksync/parksync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyAll(t *testing.T, st *state.State, cmds []action.Command) {
	t.Helper()
	for _, c := range cmds {
		_, err := action.Apply(st, c)
		require.NoError(t, err)
	}
}

func TestCapture_IdenticalStreamsMatch(t *testing.T) {
	stream := []action.Command{
		{Player: 1, Params: action.ModifyGroup{Op: action.GroupSetName, Group: 1, Name: "VIP"}},
		{Player: 1, Params: action.ModifyGroup{Op: action.GroupSetPermission, Group: 1, Permission: permission.Chat, State: action.PermissionSet}},
	}

	a := state.NewDefault("host")
	b := state.NewDefault("host")
	applyAll(t, a, stream)
	applyAll(t, b, stream)

	sa, err := Capture(a, 3, 2, 2, false)
	require.NoError(t, err)
	sb, err := Capture(b, 3, 2, 2, false)
	require.NoError(t, err)

	assert.Equal(t, Match, Compare(sa, sb))
	assert.False(t, sa.Fingerprint.IsZero())
}

func TestCompare_Desync(t *testing.T) {
	a := state.NewDefault("host")
	b := state.NewDefault("host")
	b.Park.Name = "Diverged"

	sa, err := Capture(a, 1, 0, 0, false)
	require.NoError(t, err)
	sb, err := Capture(b, 1, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, Desync, Compare(sa, sb))

	sc := sa
	sc.CommandCount = 1
	assert.Equal(t, Desync, Compare(sa, sc))
}

func TestFingerprint_Text(t *testing.T) {
	f := Sum([]byte("park"))
	assert.Len(t, f.String(), 64)

	parsed, err := ParseFingerprint(f.String())
	require.NoError(t, err)
	assert.Equal(t, f, parsed)

	_, err = ParseFingerprint("abc")
	assert.Error(t, err)
	_, err = ParseFingerprint(string(make([]byte, 64)))
	assert.Error(t, err)
}

func TestSnapshot_Restore(t *testing.T) {
	st := state.NewDefault("host")
	st.Staff.Hire("Sam", state.Security)

	s, err := Capture(st, 10, 4, 1, true)
	require.NoError(t, err)
	require.True(t, s.HasState())

	restored, err := s.Restore()
	require.NoError(t, err)
	again, err := Capture(restored, 10, 4, 1, false)
	require.NoError(t, err)
	assert.Equal(t, s.Fingerprint, again.Fingerprint)

	s.State = append([]byte(nil), s.State...)
	s.State[len(s.State)-2] ^= 1
	_, err = s.Restore()
	assert.Error(t, err)

	_, err = Snapshot{Tick: 1}.Restore()
	assert.Error(t, err)
}

func TestDetector_MatchAndDesync(t *testing.T) {
	d := NewDetector(DetectorConfig{Cadence: 5, Window: 4}, func(n int) []uint64 { return []uint64{7, 8} })

	assert.False(t, d.Due(0))
	assert.True(t, d.Due(10))
	assert.False(t, d.Due(11))

	local := Snapshot{Tick: 10, OrderKey: 8, Fingerprint: Sum([]byte("a"))}
	assert.Empty(t, d.RecordLocal(local))

	_, bad, compared := d.RecordRemote("peer-1", local)
	assert.False(t, bad)
	assert.True(t, compared)
	assert.Equal(t, uint64(1), d.Matched())

	remote := local
	remote.Fingerprint = Sum([]byte("b"))
	rep, bad, _ := d.RecordRemote("peer-2", remote)
	require.True(t, bad)
	assert.Equal(t, uint64(10), rep.Tick)
	assert.Equal(t, "peer-2", rep.Peer)
	assert.Equal(t, []uint64{7, 8}, rep.RecentOrderKeys)
	assert.ErrorIs(t, rep.Err(), actionerr.ErrDesync)

	assert.True(t, d.Desynced())
	assert.Len(t, d.Reports(), 1)
}

func TestDetector_RemoteBeforeLocal(t *testing.T) {
	d := NewDetector(DetectorConfig{Cadence: 1, Window: 2}, nil)

	remote := Snapshot{Tick: 3, OrderKey: 1, Fingerprint: Sum([]byte("x"))}
	_, bad, compared := d.RecordRemote("p", remote)
	assert.False(t, bad)
	assert.True(t, compared)

	reports := d.RecordLocal(Snapshot{Tick: 3, OrderKey: 1, Fingerprint: Sum([]byte("y"))})
	require.Len(t, reports, 1)
	assert.Equal(t, "p", reports[0].Peer)
}

func TestDetector_WindowEviction(t *testing.T) {
	d := NewDetector(DetectorConfig{Cadence: 1, Window: 2}, nil)
	for tick := uint64(1); tick <= 3; tick++ {
		d.RecordLocal(Snapshot{Tick: tick, State: []byte("dropped")})
	}

	_, ok := d.Local(1)
	assert.False(t, ok)
	s, ok := d.Local(3)
	require.True(t, ok)
	assert.Nil(t, s.State)

	_, _, compared := d.RecordRemote("late", Snapshot{Tick: 1})
	assert.False(t, compared)
}

func TestDetector_Forget(t *testing.T) {
	d := NewDetector(DetectorConfig{}, nil)
	d.RecordRemote("gone", Snapshot{Tick: 40, Fingerprint: Sum([]byte("x"))})
	d.Forget("gone")

	assert.Empty(t, d.RecordLocal(Snapshot{Tick: 40}))
	assert.False(t, d.Desynced())
}
