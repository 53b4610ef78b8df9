// Package group holds the permission group registry.
package group

import (
	"fmt"
	"sort"

	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/permission"
)

// ID identifies a group. Ids are small and stable for the lifetime of a group.
type ID uint8

const (
	// HostID is the built-in group of the server player.
	HostID ID = 0

	MaxGroups  = 256
	MaxNameLen = 32
)

// Group is a named permission set.
type Group struct {
	ID          ID
	Name        string
	Permissions permission.Set
}

// Reassigner moves every member of one group into another and returns how
// many were moved. The player registry implements it.
type Reassigner interface {
	ReassignGroup(from, to ID) int
}

// Registry owns the groups of a session. It is not safe for concurrent use;
// the dispatcher serializes access.
type Registry struct {
	groups     map[ID]*Group
	defaultID  ID
	hasDefault bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[ID]*Group)}
}

// NewDefaultRegistry returns the registry every new session starts from.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.groups[HostID] = &Group{ID: HostID, Name: "Host", Permissions: permission.All()}
	r.groups[1] = &Group{ID: 1, Name: "Spectator", Permissions: permission.Of(permission.Chat)}
	r.groups[2] = &Group{ID: 2, Name: "User", Permissions: userPermissions()}
	r.defaultID = 2
	r.hasDefault = true
	return r
}

func userPermissions() permission.Set {
	s := permission.All()
	for _, k := range []permission.Kind{
		permission.KickPlayer,
		permission.ModifyGroups,
		permission.RemoveGroup,
		permission.SetPlayerGroup,
		permission.Cheat,
		permission.PasswordlessLogin,
		permission.ModifyTile,
		permission.EditScenarioOptions,
	} {
		s = s.Without(k)
	}
	return s
}

// Create adds a group at the lowest unused id. An empty name becomes
// "Group #<id>".
func (r *Registry) Create(name string) (ID, error) {
	if len(r.groups) >= MaxGroups {
		return 0, actionerr.InvalidArgument("group.Create", "group limit of %d reached", MaxGroups)
	}
	if len(name) > MaxNameLen {
		return 0, actionerr.InvalidArgument("group.Create", "name longer than %d bytes", MaxNameLen)
	}
	var id ID
	for i := 0; i < MaxGroups; i++ {
		if _, taken := r.groups[ID(i)]; !taken {
			id = ID(i)
			break
		}
	}
	if name == "" {
		name = fmt.Sprintf("Group #%d", id)
	}
	r.groups[id] = &Group{ID: id, Name: name}
	if !r.hasDefault {
		r.defaultID = id
		r.hasDefault = true
	}
	return id, nil
}

// CheckRemove reports whether Remove would succeed.
func (r *Registry) CheckRemove(id ID) error {
	if _, ok := r.groups[id]; !ok {
		return actionerr.InvalidReference("group.Remove", "group %d does not exist", id)
	}
	if r.hasDefault && id == r.defaultID {
		return actionerr.InvalidReference("group.Remove", "group %d is the default group", id)
	}
	if id == HostID {
		return actionerr.InvalidReference("group.Remove", "the host group cannot be removed")
	}
	return nil
}

// Remove deletes a group and moves its members to the default group.
func (r *Registry) Remove(id ID, members Reassigner) (int, error) {
	if err := r.CheckRemove(id); err != nil {
		return 0, err
	}
	delete(r.groups, id)
	moved := 0
	if members != nil {
		moved = members.ReassignGroup(id, r.defaultID)
	}
	return moved, nil
}

// CheckName validates a group name.
func CheckName(name string) error {
	if name == "" {
		return actionerr.InvalidArgument("group.SetName", "name must not be empty")
	}
	if len(name) > MaxNameLen {
		return actionerr.InvalidArgument("group.SetName", "name longer than %d bytes", MaxNameLen)
	}
	return nil
}

// SetName renames a group.
func (r *Registry) SetName(id ID, name string) error {
	g, ok := r.groups[id]
	if !ok {
		return actionerr.InvalidReference("group.SetName", "group %d does not exist", id)
	}
	if err := CheckName(name); err != nil {
		return err
	}
	g.Name = name
	return nil
}

// CheckPermissionChange reports whether the permissions of id may change.
func (r *Registry) CheckPermissionChange(id ID) error {
	if _, ok := r.groups[id]; !ok {
		return actionerr.InvalidReference("group.SetPermission", "group %d does not exist", id)
	}
	if id == HostID {
		return actionerr.InvalidArgument("group.SetPermission", "host group permissions are fixed")
	}
	return nil
}

// SetPermission enables or disables a single permission.
func (r *Registry) SetPermission(id ID, kind permission.Kind, enabled bool) error {
	if err := r.CheckPermissionChange(id); err != nil {
		return err
	}
	if !kind.Valid() {
		return actionerr.InvalidArgument("group.SetPermission", "unknown permission %d", kind)
	}
	g := r.groups[id]
	if enabled {
		g.Permissions = g.Permissions.With(kind)
	} else {
		g.Permissions = g.Permissions.Without(kind)
	}
	return nil
}

// CheckDefault reports whether id may become the default group.
func (r *Registry) CheckDefault(id ID) error {
	if _, ok := r.groups[id]; !ok {
		return actionerr.InvalidReference("group.SetDefault", "group %d does not exist", id)
	}
	if id == HostID {
		return actionerr.InvalidArgument("group.SetDefault", "the host group cannot be the default")
	}
	return nil
}

// SetDefault marks id as the default group.
func (r *Registry) SetDefault(id ID) error {
	if err := r.CheckDefault(id); err != nil {
		return err
	}
	r.defaultID = id
	r.hasDefault = true
	return nil
}

// Default returns the default group id.
func (r *Registry) Default() ID {
	return r.defaultID
}

// HasPermission reports whether group id holds kind. Unknown groups hold nothing.
func (r *Registry) HasPermission(id ID, kind permission.Kind) bool {
	g, ok := r.groups[id]
	return ok && g.Permissions.Has(kind)
}

// Exists reports whether id is a known group.
func (r *Registry) Exists(id ID) bool {
	_, ok := r.groups[id]
	return ok
}

// Get returns a copy of the group.
func (r *Registry) Get(id ID) (Group, bool) {
	g, ok := r.groups[id]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// List returns every group sorted by id.
func (r *Registry) List() []Group {
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of groups.
func (r *Registry) Len() int {
	return len(r.groups)
}

// Restore replaces the registry contents. Used when loading a state document.
func (r *Registry) Restore(groups []Group, defaultID ID) error {
	next := make(map[ID]*Group, len(groups))
	for _, g := range groups {
		if _, dup := next[g.ID]; dup {
			return fmt.Errorf("duplicate group id %d", g.ID)
		}
		g := g
		next[g.ID] = &g
	}
	if _, ok := next[defaultID]; !ok && len(next) > 0 {
		return fmt.Errorf("default group %d does not exist", defaultID)
	}
	r.groups = next
	r.defaultID = defaultID
	r.hasDefault = len(next) > 0
	return nil
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	c := &Registry{
		groups:     make(map[ID]*Group, len(r.groups)),
		defaultID:  r.defaultID,
		hasDefault: r.hasDefault,
	}
	for id, g := range r.groups {
		cp := *g
		c.groups[id] = &cp
	}
	return c
}
