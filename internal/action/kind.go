package action

import (
	"fmt"
	"strings"
)

// Kind is the closed set of mutation kinds.
type Kind uint8

const (
	KindModifyGroup Kind = iota
	KindSetPlayerGroup
	KindKickPlayer
	KindHireStaff
	KindFireStaff
	KindSetParkName
	KindTogglePause
	KindPlayerJoin
	KindPlayerLeave

	numKinds
)

var kindNames = [numKinds]struct{ name, display string }{
	KindModifyGroup:    {"modify_group", "Modify group"},
	KindSetPlayerGroup: {"set_player_group", "Set player group"},
	KindKickPlayer:     {"kick_player", "Kick player"},
	KindHireStaff:      {"hire_staff", "Hire staff member"},
	KindFireStaff:      {"fire_staff", "Fire staff member"},
	KindSetParkName:    {"set_park_name", "Set park name"},
	KindTogglePause:    {"toggle_pause", "Toggle pause"},
	KindPlayerJoin:     {"player_join", "Player joined"},
	KindPlayerLeave:    {"player_leave", "Player left"},
}

func (k Kind) Valid() bool { return k < numKinds }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindNames[k].name
}

// DisplayName is the label shown to players.
func (k Kind) DisplayName() string {
	if !k.Valid() {
		return k.String()
	}
	return kindNames[k].display
}

// Kinds returns every kind in enumeration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind resolves a wire name.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k := Kind(0); k < numKinds; k++ {
		if kindNames[k].name == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown action kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown action kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Stage is a command's position in its lifecycle.
type Stage uint8

const (
	StageSubmitted Stage = iota
	StageAuthorizing
	StageRejected
	StageAccepted
	StageApplied
	StageReplicated
	StageAcknowledged
)

func (s Stage) String() string {
	switch s {
	case StageSubmitted:
		return "submitted"
	case StageAuthorizing:
		return "authorizing"
	case StageRejected:
		return "rejected"
	case StageAccepted:
		return "accepted"
	case StageApplied:
		return "applied"
	case StageReplicated:
		return "replicated"
	case StageAcknowledged:
		return "acknowledged"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Abortable reports whether a command in this stage may still be canceled.
func (s Stage) Abortable() bool {
	return s == StageSubmitted || s == StageAuthorizing
}

// Terminal reports whether no further transition follows.
func (s Stage) Terminal() bool {
	return s == StageRejected || s == StageAcknowledged
}
