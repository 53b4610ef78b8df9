// Package action defines the closed family of state-mutating commands: their
// parameters, permission requirements, validation and pure transitions.
package action

import (
	"fmt"
	"strings"

	"github.com/parksync/parksync/internal/group"
	"github.com/parksync/parksync/internal/permission"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/state"
)

// OrderKey totally orders accepted commands within a session. The first
// accepted command gets key 1.
type OrderKey = uint64

// Params is implemented only by the parameter structs in this package.
type Params interface {
	Kind() Kind
	sealed()
}

// Command is an immutable request by one player.
type Command struct {
	Player player.ID
	Params Params
}

// Kind returns the kind of the command's parameters.
func (c Command) Kind() Kind {
	return c.Params.Kind()
}

func (c Command) String() string {
	if c.Params == nil {
		return fmt.Sprintf("player %d: <nil>", c.Player)
	}
	return fmt.Sprintf("player %d: %s %+v", c.Player, c.Kind(), c.Params)
}

// GroupOp selects the ModifyGroup sub-operation.
type GroupOp uint8

const (
	GroupAdd GroupOp = iota
	GroupRemove
	GroupSetDefault
	GroupSetName
	GroupSetPermission

	numGroupOps
)

var groupOpNames = [numGroupOps]string{"add", "remove", "set_default", "set_name", "set_permission"}

func (o GroupOp) String() string {
	if o >= numGroupOps {
		return fmt.Sprintf("group_op(%d)", uint8(o))
	}
	return groupOpNames[o]
}

// ParseGroupOp resolves a sub-operation name.
func ParseGroupOp(s string) (GroupOp, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range groupOpNames {
		if n == name {
			return GroupOp(i), nil
		}
	}
	return 0, fmt.Errorf("unknown group operation %q", s)
}

func (o GroupOp) MarshalText() ([]byte, error) {
	if o >= numGroupOps {
		return nil, fmt.Errorf("unknown group operation %d", uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *GroupOp) UnmarshalText(b []byte) error {
	parsed, err := ParseGroupOp(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// PermissionState is the requested change to a single permission bit.
type PermissionState uint8

const (
	PermissionToggle PermissionState = iota
	PermissionSet
	PermissionClear

	numPermissionStates
)

var permissionStateNames = [numPermissionStates]string{"toggle", "set", "clear"}

func (p PermissionState) String() string {
	if p >= numPermissionStates {
		return fmt.Sprintf("permission_state(%d)", uint8(p))
	}
	return permissionStateNames[p]
}

// ParsePermissionState resolves toggle, set or clear.
func ParsePermissionState(s string) (PermissionState, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range permissionStateNames {
		if n == name {
			return PermissionState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown permission state %q", s)
}

func (p PermissionState) MarshalText() ([]byte, error) {
	if p >= numPermissionStates {
		return nil, fmt.Errorf("unknown permission state %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *PermissionState) UnmarshalText(b []byte) error {
	parsed, err := ParsePermissionState(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ModifyGroup administers permission groups.
type ModifyGroup struct {
	Op         GroupOp         `json:"op"`
	Group      group.ID        `json:"group"`
	Name       string          `json:"name,omitempty"`
	Permission permission.Kind `json:"permission,omitempty"`
	State      PermissionState `json:"state,omitempty"`
}

// SetPlayerGroup moves a player into another group.
type SetPlayerGroup struct {
	Target player.ID `json:"target"`
	Group  group.ID  `json:"group"`
}

// KickPlayer disconnects a player.
type KickPlayer struct {
	Target player.ID `json:"target"`
	Reason string    `json:"reason,omitempty"`
}

// HireStaff adds a staff member. The id is assigned on apply.
type HireStaff struct {
	Name string     `json:"name,omitempty"`
	Role state.Role `json:"role"`
}

// FireStaff dismisses a staff member.
type FireStaff struct {
	Staff state.StaffID `json:"staff"`
}

// SetParkName renames the park.
type SetParkName struct {
	Name string `json:"name"`
}

// TogglePause flips the park's paused flag.
type TogglePause struct{}

// PlayerJoin registers a connecting player. Only the server player issues it.
type PlayerJoin struct {
	Name           string `json:"name"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
}

// PlayerLeave removes a disconnected or kicked player. Only the server
// player issues it.
type PlayerLeave struct {
	Target player.ID `json:"target"`
	Reason string    `json:"reason,omitempty"`
}

func (ModifyGroup) Kind() Kind    { return KindModifyGroup }
func (SetPlayerGroup) Kind() Kind { return KindSetPlayerGroup }
func (KickPlayer) Kind() Kind     { return KindKickPlayer }
func (HireStaff) Kind() Kind      { return KindHireStaff }
func (FireStaff) Kind() Kind      { return KindFireStaff }
func (SetParkName) Kind() Kind    { return KindSetParkName }
func (TogglePause) Kind() Kind    { return KindTogglePause }
func (PlayerJoin) Kind() Kind     { return KindPlayerJoin }
func (PlayerLeave) Kind() Kind    { return KindPlayerLeave }

func (ModifyGroup) sealed()    {}
func (SetPlayerGroup) sealed() {}
func (KickPlayer) sealed()     {}
func (HireStaff) sealed()      {}
func (FireStaff) sealed()      {}
func (SetParkName) sealed()    {}
func (TogglePause) sealed()    {}
func (PlayerJoin) sealed()     {}
func (PlayerLeave) sealed()    {}

// RequiredPermission returns the permission a submitter's group must hold.
// The second result is false for kinds that need no group permission; those
// are restricted to the server player by Validate instead.
func RequiredPermission(cmd Command) (permission.Kind, bool) {
	switch p := cmd.Params.(type) {
	case ModifyGroup:
		if p.Op == GroupRemove {
			return permission.RemoveGroup, true
		}
		return permission.ModifyGroups, true
	case SetPlayerGroup:
		return permission.SetPlayerGroup, true
	case KickPlayer:
		return permission.KickPlayer, true
	case HireStaff, FireStaff:
		return permission.Staff, true
	case SetParkName:
		return permission.ParkProperties, true
	case TogglePause:
		return permission.TogglePause, true
	case PlayerJoin, PlayerLeave:
		return 0, false
	}
	panic(fmt.Sprintf("action: unhandled params type %T", cmd.Params))
}
