// Package player maps connected participants to identity, group and
// connection statistics. It is a plain lookup table; authorization happens
// in the dispatcher.
package player

import (
	"sort"
	"time"

	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/group"
)

// ID identifies a connected player.
type ID uint32

// Flags describe a player's role in the session.
type Flags uint8

const (
	// FlagIsServer marks the player hosting the authority.
	FlagIsServer Flags = 1 << iota
)

// Player is a connected participant. Ping and the last action fields are
// transient statistics and never part of the replicated state.
type Player struct {
	ID             ID
	Name           string
	Group          group.ID
	KeyFingerprint string
	Flags          Flags

	Ping          time.Duration
	LastAction    string
	LastActionAt  time.Time
	LastActionKey uint64
}

// IsServer reports whether the player hosts the authority.
func (p Player) IsServer() bool {
	return p.Flags&FlagIsServer != 0
}

// Registry tracks connected players. Ids come from a counter that is part of
// the replicated state, so every participant assigns the same ids.
type Registry struct {
	players map[ID]*Player
	nextID  ID
}

// NewRegistry returns an empty registry whose first id is 1.
func NewRegistry() *Registry {
	return &Registry{players: make(map[ID]*Player), nextID: 1}
}

// Connect registers a player in group g and returns its id.
func (r *Registry) Connect(name, keyFingerprint string, g group.ID, flags Flags) ID {
	id := r.nextID
	r.nextID++
	r.players[id] = &Player{
		ID:             id,
		Name:           name,
		Group:          g,
		KeyFingerprint: keyFingerprint,
		Flags:          flags,
	}
	return id
}

// Disconnect removes a player.
func (r *Registry) Disconnect(id ID) error {
	if _, ok := r.players[id]; !ok {
		return actionerr.InvalidReference("player.Disconnect", "player %d is not connected", id)
	}
	delete(r.players, id)
	return nil
}

// ResolveGroup returns the group the player belongs to.
func (r *Registry) ResolveGroup(id ID) (group.ID, error) {
	p, ok := r.players[id]
	if !ok {
		return 0, actionerr.InvalidReference("player.ResolveGroup", "player %d is not connected", id)
	}
	return p.Group, nil
}

// SetGroup moves a single player.
func (r *Registry) SetGroup(id ID, g group.ID) error {
	p, ok := r.players[id]
	if !ok {
		return actionerr.InvalidReference("player.SetGroup", "player %d is not connected", id)
	}
	p.Group = g
	return nil
}

// ReassignGroup moves every member of from into to.
func (r *Registry) ReassignGroup(from, to group.ID) int {
	n := 0
	for _, p := range r.players {
		if p.Group == from {
			p.Group = to
			n++
		}
	}
	return n
}

// RecordAction stores the last action a player performed.
func (r *Registry) RecordAction(id ID, action string, orderKey uint64, at time.Time) {
	if p, ok := r.players[id]; ok {
		p.LastAction = action
		p.LastActionKey = orderKey
		p.LastActionAt = at
	}
}

// SetPing updates the measured round trip of a player.
func (r *Registry) SetPing(id ID, ping time.Duration) {
	if p, ok := r.players[id]; ok {
		p.Ping = ping
	}
}

// LastAction returns the player's last action if it happened within the
// window ending at now.
func (r *Registry) LastAction(id ID, within time.Duration, now time.Time) (string, bool) {
	p, ok := r.players[id]
	if !ok || p.LastAction == "" {
		return "", false
	}
	if now.Sub(p.LastActionAt) > within {
		return "", false
	}
	return p.LastAction, true
}

// Get returns a copy of the player.
func (r *Registry) Get(id ID) (Player, bool) {
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// FindByName returns the first player with the given name.
func (r *Registry) FindByName(name string) (Player, bool) {
	for _, p := range r.List() {
		if p.Name == name {
			return p, true
		}
	}
	return Player{}, false
}

// Server returns the server player if one is connected.
func (r *Registry) Server() (Player, bool) {
	for _, p := range r.List() {
		if p.IsServer() {
			return p, true
		}
	}
	return Player{}, false
}

// List returns every player sorted by id.
func (r *Registry) List() []Player {
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of connected players.
func (r *Registry) Len() int {
	return len(r.players)
}

// NextID returns the id the next Connect will assign.
func (r *Registry) NextID() ID {
	return r.nextID
}

// Restore replaces the registry contents.
func (r *Registry) Restore(players []Player, nextID ID) {
	r.players = make(map[ID]*Player, len(players))
	for _, p := range players {
		p := p
		r.players[p.ID] = &p
		if p.ID >= nextID {
			nextID = p.ID + 1
		}
	}
	if nextID == 0 {
		nextID = 1
	}
	r.nextID = nextID
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	c := &Registry{players: make(map[ID]*Player, len(r.players)), nextID: r.nextID}
	for id, p := range r.players {
		cp := *p
		c.players[id] = &cp
	}
	return c
}
