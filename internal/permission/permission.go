// Package permission enumerates the permission kinds a group can hold.
package permission

import (
	"fmt"
	"strings"
)

// Kind is one entry of the closed permission enumeration.
type Kind uint8

const (
	Chat Kind = iota
	Terrain
	TogglePause
	SetWaterLevel
	CreateRide
	RemoveRide
	BuildRide
	RideProperties
	Scenery
	Path
	Guest
	Staff
	ParkProperties
	ParkFunding
	KickPlayer
	ModifyGroups
	RemoveGroup
	SetPlayerGroup
	Cheat
	PasswordlessLogin
	ModifyTile
	EditScenarioOptions

	numKinds
)

type descriptor struct {
	name    string
	display string
}

var descriptors = [numKinds]descriptor{
	Chat:                {"chat", "Chat"},
	Terrain:             {"terrain", "Modify terrain"},
	TogglePause:         {"toggle_pause", "Toggle pause"},
	SetWaterLevel:       {"set_water_level", "Set water level"},
	CreateRide:          {"create_ride", "Create rides"},
	RemoveRide:          {"remove_ride", "Remove rides"},
	BuildRide:           {"build_ride", "Build rides"},
	RideProperties:      {"ride_properties", "Ride properties"},
	Scenery:             {"scenery", "Scenery"},
	Path:                {"path", "Footpaths"},
	Guest:               {"guest", "Guests"},
	Staff:               {"staff", "Staff"},
	ParkProperties:      {"park_properties", "Park properties"},
	ParkFunding:         {"park_funding", "Park funding"},
	KickPlayer:          {"kick_player", "Kick players"},
	ModifyGroups:        {"modify_groups", "Modify groups"},
	RemoveGroup:         {"remove_group", "Remove groups"},
	SetPlayerGroup:      {"set_player_group", "Set player group"},
	Cheat:               {"cheat", "Cheats"},
	PasswordlessLogin:   {"passwordless_login", "Passwordless login"},
	ModifyTile:          {"modify_tile", "Modify tiles"},
	EditScenarioOptions: {"edit_scenario_options", "Edit scenario options"},
}

// Valid reports whether k is part of the enumeration.
func (k Kind) Valid() bool {
	return k < numKinds
}

// String returns the stable wire name.
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("permission(%d)", uint8(k))
	}
	return descriptors[k].name
}

// DisplayName returns the human readable name shown in group editors.
func (k Kind) DisplayName() string {
	if !k.Valid() {
		return k.String()
	}
	return descriptors[k].display
}

// Kinds returns every permission kind in enumeration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Parse resolves a wire name (case-insensitive) or a numeric index.
func Parse(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k := Kind(0); k < numKinds; k++ {
		if descriptors[k].name == name {
			return k, nil
		}
	}
	var idx int
	if _, err := fmt.Sscanf(name, "%d", &idx); err == nil && fmt.Sprint(idx) == name {
		if idx >= 0 && idx < int(numKinds) {
			return Kind(idx), nil
		}
	}
	return 0, fmt.Errorf("unknown permission %q", s)
}

// Set is a bitset over Kind.
type Set uint64

// All returns the set holding every permission.
func All() Set {
	return Set(1)<<numKinds - 1
}

// Of builds a set from the given kinds.
func Of(kinds ...Kind) Set {
	var s Set
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

// Has reports whether k is enabled.
func (s Set) Has(k Kind) bool {
	return k.Valid() && s&(1<<k) != 0
}

// With returns s with k enabled.
func (s Set) With(k Kind) Set {
	if !k.Valid() {
		return s
	}
	return s | 1<<k
}

// Without returns s with k disabled.
func (s Set) Without(k Kind) Set {
	return s &^ (1 << k)
}

// Toggle returns s with k flipped.
func (s Set) Toggle(k Kind) Set {
	if s.Has(k) {
		return s.Without(k)
	}
	return s.With(k)
}

// Kinds lists the enabled permissions in enumeration order.
func (s Set) Kinds() []Kind {
	var kinds []Kind
	for k := Kind(0); k < numKinds; k++ {
		if s.Has(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// MarshalText encodes the kind by wire name.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown permission %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a wire name.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
