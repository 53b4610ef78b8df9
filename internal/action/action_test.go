package action

import (
	"strings"
	"testing"

	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/group"
	"github.com/parksync/parksync/internal/permission"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const host player.ID = 1

func newState(t *testing.T) (*state.State, player.ID) {
	t.Helper()
	st := state.NewDefault("host")
	alice := st.Players.Connect("alice", "", 2, 0)
	return st, alice
}

func allParams() []Params {
	return []Params{
		ModifyGroup{Op: GroupSetPermission, Group: 1, Permission: permission.Scenery, State: PermissionSet},
		SetPlayerGroup{Target: 2, Group: 1},
		KickPlayer{Target: 2, Reason: "afk"},
		HireStaff{Name: "Sam", Role: state.Mechanic},
		FireStaff{Staff: 4},
		SetParkName{Name: "Forest Frontiers"},
		TogglePause{},
		PlayerJoin{Name: "bob", KeyFingerprint: "aa"},
		PlayerLeave{Target: 2},
	}
}

func TestKinds_CoverEveryParams(t *testing.T) {
	seen := map[Kind]bool{}
	for _, p := range allParams() {
		seen[p.Kind()] = true
	}
	for _, k := range Kinds() {
		assert.True(t, seen[k], k.String())
		assert.NotEmpty(t, k.DisplayName())

		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestEncodeDecode_Reconstructs(t *testing.T) {
	for _, p := range allParams() {
		t.Run(p.Kind().String(), func(t *testing.T) {
			cmd := Command{Player: 7, Params: p}
			payload, err := Encode(cmd)
			require.NoError(t, err)

			decoded, err := Decode(cmd.Kind(), 7, payload)
			require.NoError(t, err)
			assert.Equal(t, cmd, decoded)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(Kind(200), 1, []byte("{}"))
	assert.Error(t, err)

	_, err = Decode(KindModifyGroup, 1, []byte(`{"op":"explode"}`))
	assert.Error(t, err)

	cmd, err := Decode(KindTogglePause, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, TogglePause{}, cmd.Params)
}

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		params Params
		want   permission.Kind
		ok     bool
	}{
		{ModifyGroup{Op: GroupRemove}, permission.RemoveGroup, true},
		{ModifyGroup{Op: GroupAdd}, permission.ModifyGroups, true},
		{ModifyGroup{Op: GroupSetPermission}, permission.ModifyGroups, true},
		{SetPlayerGroup{}, permission.SetPlayerGroup, true},
		{KickPlayer{}, permission.KickPlayer, true},
		{HireStaff{}, permission.Staff, true},
		{FireStaff{}, permission.Staff, true},
		{SetParkName{}, permission.ParkProperties, true},
		{TogglePause{}, permission.TogglePause, true},
		{PlayerJoin{}, 0, false},
		{PlayerLeave{}, 0, false},
	}
	for _, tt := range tests {
		got, ok := RequiredPermission(Command{Player: 1, Params: tt.params})
		assert.Equal(t, tt.ok, ok, "%T", tt.params)
		assert.Equal(t, tt.want, got, "%T", tt.params)
	}
}

func TestValidate(t *testing.T) {
	st, alice := newState(t)

	tests := []struct {
		name   string
		cmd    Command
		target error
	}{
		{"no params", Command{Player: host}, actionerr.ErrInvalidArgument},
		{"unknown submitter", Command{Player: 99, Params: TogglePause{}}, actionerr.ErrInvalidReference},
		{"remove default", Command{Player: host, Params: ModifyGroup{Op: GroupRemove, Group: 2}}, actionerr.ErrInvalidReference},
		{"remove missing", Command{Player: host, Params: ModifyGroup{Op: GroupRemove, Group: 40}}, actionerr.ErrInvalidReference},
		{"empty group name", Command{Player: host, Params: ModifyGroup{Op: GroupSetName, Group: 1}}, actionerr.ErrInvalidArgument},
		{"host permissions", Command{Player: host, Params: ModifyGroup{Op: GroupSetPermission, Group: 0, Permission: permission.Chat, State: PermissionClear}}, actionerr.ErrInvalidArgument},
		{"grant lacking", Command{Player: alice, Params: ModifyGroup{Op: GroupSetPermission, Group: 1, Permission: permission.Cheat, State: PermissionSet}}, actionerr.ErrPermissionDenied},
		{"kick server", Command{Player: host, Params: KickPlayer{Target: host}}, actionerr.ErrInvalidArgument},
		{"assign host group", Command{Player: host, Params: SetPlayerGroup{Target: alice, Group: group.HostID}}, actionerr.ErrInvalidArgument},
		{"fire missing", Command{Player: host, Params: FireStaff{Staff: 3}}, actionerr.ErrInvalidReference},
		{"empty park name", Command{Player: host, Params: SetParkName{}}, actionerr.ErrInvalidArgument},
		{"join from client", Command{Player: alice, Params: PlayerJoin{Name: "x"}}, actionerr.ErrPermissionDenied},
		{"leave server", Command{Player: host, Params: PlayerLeave{Target: host}}, actionerr.ErrInvalidArgument},
		{"park name not utf-8", Command{Player: host, Params: SetParkName{Name: strings.Repeat("\xff", 30)}}, actionerr.ErrInvalidArgument},
		{"group name not utf-8", Command{Player: host, Params: ModifyGroup{Op: GroupAdd, Name: "ops\xc3"}}, actionerr.ErrInvalidArgument},
		{"kick reason not utf-8", Command{Player: host, Params: KickPlayer{Target: alice, Reason: "\xfe"}}, actionerr.ErrInvalidArgument},
		{"staff name not utf-8", Command{Player: host, Params: HireStaff{Name: "S\x80m", Role: state.Mechanic}}, actionerr.ErrInvalidArgument},
		{"join fingerprint not utf-8", Command{Player: host, Params: PlayerJoin{Name: "bob", KeyFingerprint: "\xff\xfe"}}, actionerr.ErrInvalidArgument},
		{"leave reason not utf-8", Command{Player: host, Params: PlayerLeave{Target: alice, Reason: "\xc0"}}, actionerr.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(st, tt.cmd), tt.target)
		})
	}

	assert.NoError(t, Validate(st, Command{Player: host, Params: ModifyGroup{Op: GroupRemove, Group: 1}}))
	assert.NoError(t, Validate(st, Command{Player: host, Params: SetParkName{Name: "Parc des Sources Thermales à Évian"}}))
}

func TestApply_RemoveGroupReassignsMembers(t *testing.T) {
	st, alice := newState(t)
	created, err := Apply(st, Command{Player: host, Params: ModifyGroup{Op: GroupAdd, Name: "Moderator"}})
	require.NoError(t, err)

	_, err = Apply(st, Command{Player: host, Params: SetPlayerGroup{Target: alice, Group: created.Group}})
	require.NoError(t, err)

	res, err := Apply(st, Command{Player: host, Params: ModifyGroup{Op: GroupRemove, Group: created.Group}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)

	g, err := st.Players.ResolveGroup(alice)
	require.NoError(t, err)
	assert.Equal(t, st.Groups.Default(), g)

	_, err = Apply(st, Command{Player: host, Params: ModifyGroup{Op: GroupRemove, Group: created.Group}})
	assert.ErrorIs(t, err, actionerr.ErrInvalidReference)
}

func TestApply_FailureLeavesStateUnchanged(t *testing.T) {
	st, _ := newState(t)
	before, err := st.Export().Canonical()
	require.NoError(t, err)

	_, err = Apply(st, Command{Player: host, Params: FireStaff{Staff: 9}})
	require.Error(t, err)

	after, err := st.Export().Canonical()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApply_StaffAndPark(t *testing.T) {
	st, _ := newState(t)

	res, err := Apply(st, Command{Player: host, Params: HireStaff{Role: state.Handyman}})
	require.NoError(t, err)
	assert.Equal(t, state.StaffID(1), res.Staff)

	_, err = Apply(st, Command{Player: host, Params: FireStaff{Staff: res.Staff}})
	require.NoError(t, err)
	assert.Equal(t, 0, st.Staff.Len())

	_, err = Apply(st, Command{Player: host, Params: SetParkName{Name: "Dynamite Dunes"}})
	require.NoError(t, err)
	_, err = Apply(st, Command{Player: host, Params: TogglePause{}})
	require.NoError(t, err)
	assert.Equal(t, state.Park{Name: "Dynamite Dunes", Paused: true}, st.Park)
}

func TestApply_JoinAndLeave(t *testing.T) {
	st, _ := newState(t)

	res, err := Apply(st, Command{Player: host, Params: PlayerJoin{Name: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, player.ID(3), res.Player)
	assert.Equal(t, st.Groups.Default(), res.Group)

	_, err = Apply(st, Command{Player: host, Params: PlayerLeave{Target: res.Player}})
	require.NoError(t, err)
	_, ok := st.Players.Get(res.Player)
	assert.False(t, ok)
}

func TestNormalize_ResolvesToggle(t *testing.T) {
	st, _ := newState(t)
	toggle := Command{Player: host, Params: ModifyGroup{Op: GroupSetPermission, Group: 1, Permission: permission.Chat}}

	n := Normalize(st, toggle)
	assert.Equal(t, PermissionClear, n.Params.(ModifyGroup).State)
	assert.Equal(t, PermissionToggle, toggle.Params.(ModifyGroup).State)

	_, err := Apply(st, n)
	require.NoError(t, err)
	assert.False(t, st.Groups.HasPermission(1, permission.Chat))

	n = Normalize(st, toggle)
	assert.Equal(t, PermissionSet, n.Params.(ModifyGroup).State)

	other := Command{Player: host, Params: TogglePause{}}
	assert.Equal(t, other, Normalize(st, other))
}

func TestApply_ToggleWithoutNormalize(t *testing.T) {
	st, _ := newState(t)
	cmd := Command{Player: host, Params: ModifyGroup{Op: GroupSetPermission, Group: 1, Permission: permission.Scenery, State: PermissionToggle}}

	_, err := Apply(st, cmd)
	require.NoError(t, err)
	assert.True(t, st.Groups.HasPermission(1, permission.Scenery))
}

func TestStage(t *testing.T) {
	assert.True(t, StageSubmitted.Abortable())
	assert.True(t, StageAuthorizing.Abortable())
	assert.False(t, StageAccepted.Abortable())
	assert.True(t, StageRejected.Terminal())
	assert.Equal(t, "replicated", StageReplicated.String())
}
