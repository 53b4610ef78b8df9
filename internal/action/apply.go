package action

import (
	"fmt"
	"unicode/utf8"

	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/group"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/state"
)

// MaxParkNameLen bounds park names.
const MaxParkNameLen = 64

// Result describes what an applied command changed.
type Result struct {
	Kind    Kind
	Message string

	Group  group.ID
	Player player.ID
	Staff  state.StaffID
	Moved  int
}

// Validate runs kind-specific structural checks against st without mutating
// it. Permission to submit the kind at all is the dispatcher's concern.
func Validate(st *state.State, cmd Command) error {
	if cmd.Params == nil {
		return actionerr.InvalidArgument("action.Validate", "command has no parameters")
	}
	submitter, ok := st.Players.Get(cmd.Player)
	if !ok {
		return actionerr.InvalidReference("action.Validate", "player %d is not connected", cmd.Player)
	}
	op := "action." + cmd.Kind().String()
	if err := checkText(op, cmd.Params); err != nil {
		return err
	}

	switch p := cmd.Params.(type) {
	case ModifyGroup:
		return validateModifyGroup(st, submitter, p)
	case SetPlayerGroup:
		target, ok := st.Players.Get(p.Target)
		if !ok {
			return actionerr.InvalidReference(op, "player %d is not connected", p.Target)
		}
		if target.IsServer() {
			return actionerr.InvalidArgument(op, "cannot change the group of the server player")
		}
		if !st.Groups.Exists(p.Group) {
			return actionerr.InvalidReference(op, "group %d does not exist", p.Group)
		}
		if p.Group == group.HostID {
			return actionerr.InvalidArgument(op, "cannot assign the host group")
		}
	case KickPlayer:
		target, ok := st.Players.Get(p.Target)
		if !ok {
			return actionerr.InvalidReference(op, "player %d is not connected", p.Target)
		}
		if target.IsServer() {
			return actionerr.InvalidArgument(op, "cannot kick the server player")
		}
	case HireStaff:
		if !p.Role.Valid() {
			return actionerr.InvalidArgument(op, "unknown staff role %d", p.Role)
		}
		if len(p.Name) > group.MaxNameLen {
			return actionerr.InvalidArgument(op, "name longer than %d bytes", group.MaxNameLen)
		}
	case FireStaff:
		if _, ok := st.Staff.Get(p.Staff); !ok {
			return actionerr.InvalidReference(op, "staff member %d does not exist", p.Staff)
		}
	case SetParkName:
		if p.Name == "" {
			return actionerr.InvalidArgument(op, "park name must not be empty")
		}
		if len(p.Name) > MaxParkNameLen {
			return actionerr.InvalidArgument(op, "park name longer than %d bytes", MaxParkNameLen)
		}
	case TogglePause:
	case PlayerJoin:
		if !submitter.IsServer() {
			return actionerr.PermissionDenied(op, "only the server player may register players")
		}
		if p.Name == "" {
			return actionerr.InvalidArgument(op, "player name must not be empty")
		}
	case PlayerLeave:
		if !submitter.IsServer() {
			return actionerr.PermissionDenied(op, "only the server player may remove players")
		}
		target, ok := st.Players.Get(p.Target)
		if !ok {
			return actionerr.InvalidReference(op, "player %d is not connected", p.Target)
		}
		if target.IsServer() {
			return actionerr.InvalidArgument(op, "the server player cannot leave")
		}
	default:
		panic(fmt.Sprintf("action: unhandled params type %T", cmd.Params))
	}
	return nil
}

// checkText rejects string parameters that are not valid UTF-8. JSON
// encoding would rewrite them, so peers and the replay log would decode a
// different command than the one applied here.
func checkText(op string, params Params) error {
	type field struct{ what, s string }
	var fields []field
	switch p := params.(type) {
	case ModifyGroup:
		fields = []field{{"name", p.Name}}
	case KickPlayer:
		fields = []field{{"reason", p.Reason}}
	case HireStaff:
		fields = []field{{"name", p.Name}}
	case SetParkName:
		fields = []field{{"park name", p.Name}}
	case PlayerJoin:
		fields = []field{{"player name", p.Name}, {"key fingerprint", p.KeyFingerprint}}
	case PlayerLeave:
		fields = []field{{"reason", p.Reason}}
	}
	for _, f := range fields {
		if !utf8.ValidString(f.s) {
			return actionerr.InvalidArgument(op, "%s is not valid UTF-8", f.what)
		}
	}
	return nil
}

func validateModifyGroup(st *state.State, submitter player.Player, p ModifyGroup) error {
	const op = "action.modify_group"
	switch p.Op {
	case GroupAdd:
		if st.Groups.Len() >= group.MaxGroups {
			return actionerr.InvalidArgument(op, "group limit of %d reached", group.MaxGroups)
		}
		if len(p.Name) > group.MaxNameLen {
			return actionerr.InvalidArgument(op, "name longer than %d bytes", group.MaxNameLen)
		}
	case GroupRemove:
		return st.Groups.CheckRemove(p.Group)
	case GroupSetDefault:
		return st.Groups.CheckDefault(p.Group)
	case GroupSetName:
		if !st.Groups.Exists(p.Group) {
			return actionerr.InvalidReference(op, "group %d does not exist", p.Group)
		}
		return group.CheckName(p.Name)
	case GroupSetPermission:
		if err := st.Groups.CheckPermissionChange(p.Group); err != nil {
			return err
		}
		if !p.Permission.Valid() {
			return actionerr.InvalidArgument(op, "unknown permission %d", p.Permission)
		}
		if p.State >= numPermissionStates {
			return actionerr.InvalidArgument(op, "unknown permission state %d", p.State)
		}
		if !st.Groups.HasPermission(submitter.Group, p.Permission) {
			return actionerr.PermissionDenied(op, "cannot change permission %s that your group lacks", p.Permission)
		}
	default:
		return actionerr.InvalidArgument(op, "unknown group operation %d", p.Op)
	}
	return nil
}

// Normalize resolves state-dependent parameters against st so that the
// replicated form is explicit. A permission toggle becomes set or clear based
// on the group's permissions at authorization time.
func Normalize(st *state.State, cmd Command) Command {
	p, ok := cmd.Params.(ModifyGroup)
	if !ok || p.Op != GroupSetPermission || p.State != PermissionToggle {
		return cmd
	}
	if st.Groups.HasPermission(p.Group, p.Permission) {
		p.State = PermissionClear
	} else {
		p.State = PermissionSet
	}
	return Command{Player: cmd.Player, Params: p}
}

// Apply validates cmd and performs its transition on st. On error st is left
// unchanged.
func Apply(st *state.State, cmd Command) (Result, error) {
	if err := Validate(st, cmd); err != nil {
		return Result{}, err
	}
	res := Result{Kind: cmd.Kind()}

	switch p := cmd.Params.(type) {
	case ModifyGroup:
		return applyModifyGroup(st, p, res)
	case SetPlayerGroup:
		if err := st.Players.SetGroup(p.Target, p.Group); err != nil {
			return Result{}, err
		}
		res.Player, res.Group = p.Target, p.Group
		res.Message = fmt.Sprintf("player %d moved to group %d", p.Target, p.Group)
	case KickPlayer:
		if err := st.Players.Disconnect(p.Target); err != nil {
			return Result{}, err
		}
		res.Player = p.Target
		res.Message = fmt.Sprintf("player %d kicked", p.Target)
	case HireStaff:
		res.Staff = st.Staff.Hire(p.Name, p.Role)
		res.Message = fmt.Sprintf("hired %s %d", p.Role, res.Staff)
	case FireStaff:
		if err := st.Staff.Fire(p.Staff); err != nil {
			return Result{}, err
		}
		res.Staff = p.Staff
		res.Message = fmt.Sprintf("fired staff member %d", p.Staff)
	case SetParkName:
		st.Park.Name = p.Name
		res.Message = "park renamed"
	case TogglePause:
		st.Park.Paused = !st.Park.Paused
		res.Message = fmt.Sprintf("paused=%t", st.Park.Paused)
	case PlayerJoin:
		res.Group = st.Groups.Default()
		res.Player = st.Players.Connect(p.Name, p.KeyFingerprint, res.Group, 0)
		res.Message = fmt.Sprintf("%s joined", p.Name)
	case PlayerLeave:
		if err := st.Players.Disconnect(p.Target); err != nil {
			return Result{}, err
		}
		res.Player = p.Target
		res.Message = fmt.Sprintf("player %d left", p.Target)
	default:
		panic(fmt.Sprintf("action: unhandled params type %T", cmd.Params))
	}
	return res, nil
}

func applyModifyGroup(st *state.State, p ModifyGroup, res Result) (Result, error) {
	switch p.Op {
	case GroupAdd:
		id, err := st.Groups.Create(p.Name)
		if err != nil {
			return Result{}, err
		}
		res.Group = id
		res.Message = fmt.Sprintf("group %d created", id)
	case GroupRemove:
		moved, err := st.Groups.Remove(p.Group, st.Players)
		if err != nil {
			return Result{}, err
		}
		res.Group, res.Moved = p.Group, moved
		res.Message = fmt.Sprintf("group %d removed, %d players moved", p.Group, moved)
	case GroupSetDefault:
		if err := st.Groups.SetDefault(p.Group); err != nil {
			return Result{}, err
		}
		res.Group = p.Group
		res.Message = fmt.Sprintf("group %d is now the default", p.Group)
	case GroupSetName:
		if err := st.Groups.SetName(p.Group, p.Name); err != nil {
			return Result{}, err
		}
		res.Group = p.Group
		res.Message = fmt.Sprintf("group %d renamed", p.Group)
	case GroupSetPermission:
		enabled := p.State == PermissionSet
		if p.State == PermissionToggle {
			enabled = !st.Groups.HasPermission(p.Group, p.Permission)
		}
		if err := st.Groups.SetPermission(p.Group, p.Permission, enabled); err != nil {
			return Result{}, err
		}
		res.Group = p.Group
		res.Message = fmt.Sprintf("group %d %s=%t", p.Group, p.Permission, enabled)
	}
	return res, nil
}
