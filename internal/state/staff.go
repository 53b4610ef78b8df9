package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parksync/parksync/internal/actionerr"
)

// StaffID identifies a staff member.
type StaffID uint32

// Role is a staff member's job.
type Role uint8

const (
	Handyman Role = iota
	Mechanic
	Security
	Entertainer

	numRoles
)

var roleNames = [numRoles]string{"handyman", "mechanic", "security", "entertainer"}

func (r Role) Valid() bool { return r < numRoles }

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("role(%d)", uint8(r))
	}
	return roleNames[r]
}

// ParseRole resolves a role name.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range roleNames {
		if n == name {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown staff role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("unknown staff role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// StaffMember is one employee of the park.
type StaffMember struct {
	ID   StaffID `json:"id"`
	Name string  `json:"name"`
	Role Role    `json:"role"`
}

// Roster holds the park's staff.
type Roster struct {
	members map[StaffID]*StaffMember
	nextID  StaffID
}

// NewRoster returns an empty roster whose first id is 1.
func NewRoster() *Roster {
	return &Roster{members: make(map[StaffID]*StaffMember), nextID: 1}
}

// Hire adds a staff member. An empty name becomes "<Role> <id>".
func (r *Roster) Hire(name string, role Role) StaffID {
	id := r.nextID
	r.nextID++
	if name == "" {
		name = fmt.Sprintf("%s %d", strings.ToUpper(role.String()[:1])+role.String()[1:], id)
	}
	r.members[id] = &StaffMember{ID: id, Name: name, Role: role}
	return id
}

// Fire removes a staff member.
func (r *Roster) Fire(id StaffID) error {
	if _, ok := r.members[id]; !ok {
		return actionerr.InvalidReference("staff.Fire", "staff member %d does not exist", id)
	}
	delete(r.members, id)
	return nil
}

// Get returns a copy of the staff member.
func (r *Roster) Get(id StaffID) (StaffMember, bool) {
	m, ok := r.members[id]
	if !ok {
		return StaffMember{}, false
	}
	return *m, true
}

// List returns every staff member sorted by id.
func (r *Roster) List() []StaffMember {
	out := make([]StaffMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Roster) Len() int { return len(r.members) }

func (r *Roster) clone() *Roster {
	c := &Roster{members: make(map[StaffID]*StaffMember, len(r.members)), nextID: r.nextID}
	for id, m := range r.members {
		cp := *m
		c.members[id] = &cp
	}
	return c
}

func (r *Roster) restore(members []StaffMember, nextID StaffID) {
	r.members = make(map[StaffID]*StaffMember, len(members))
	for _, m := range members {
		m := m
		r.members[m.ID] = &m
		if m.ID >= nextID {
			nextID = m.ID + 1
		}
	}
	if nextID == 0 {
		nextID = 1
	}
	r.nextID = nextID
}
