// Package state holds the simulation context every command applies to. There
// are no process-wide registries: each session owns one State.
package state

import (
	"encoding/json"
	"fmt"

	"github.com/parksync/parksync/internal/group"
	"github.com/parksync/parksync/internal/permission"
	"github.com/parksync/parksync/internal/player"
)

// Park is the park-wide portion of the simulation.
type Park struct {
	Name   string
	Paused bool
}

// State is the authoritative simulation context.
type State struct {
	Groups  *group.Registry
	Players *player.Registry
	Staff   *Roster
	Park    Park
}

// New returns an empty state with the default group layout.
func New() *State {
	return &State{
		Groups:  group.NewDefaultRegistry(),
		Players: player.NewRegistry(),
		Staff:   NewRoster(),
		Park:    Park{Name: "Unnamed Park"},
	}
}

// NewDefault returns the state a hosted session starts from: the default
// groups and the server player in the host group.
func NewDefault(hostName string) *State {
	s := New()
	if hostName == "" {
		hostName = "Server"
	}
	s.Players.Connect(hostName, "", group.HostID, player.FlagIsServer)
	return s
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	return &State{
		Groups:  s.Groups.Clone(),
		Players: s.Players.Clone(),
		Staff:   s.Staff.clone(),
		Park:    s.Park,
	}
}

// GroupDoc is the serialized form of a group.
type GroupDoc struct {
	ID          group.ID       `json:"id"`
	Name        string         `json:"name"`
	Permissions permission.Set `json:"permissions"`
}

// PlayerDoc is the serialized form of a player. Connection statistics are
// left out so they never influence a fingerprint.
type PlayerDoc struct {
	ID             player.ID    `json:"id"`
	Name           string       `json:"name"`
	Group          group.ID     `json:"group"`
	KeyFingerprint string       `json:"key_fingerprint,omitempty"`
	Flags          player.Flags `json:"flags,omitempty"`
}

// ParkDoc is the serialized form of the park.
type ParkDoc struct {
	Name   string `json:"name"`
	Paused bool   `json:"paused"`
}

// Document is the canonical serialized state. Every slice is sorted by id so
// that equal states encode to equal bytes.
type Document struct {
	Park         ParkDoc       `json:"park"`
	DefaultGroup group.ID      `json:"default_group"`
	Groups       []GroupDoc    `json:"groups"`
	Players      []PlayerDoc   `json:"players"`
	NextPlayerID player.ID     `json:"next_player_id"`
	Staff        []StaffMember `json:"staff"`
	NextStaffID  StaffID       `json:"next_staff_id"`
}

// Export builds the canonical document.
func (s *State) Export() Document {
	groups := s.Groups.List()
	players := s.Players.List()
	doc := Document{
		Park:         ParkDoc{Name: s.Park.Name, Paused: s.Park.Paused},
		DefaultGroup: s.Groups.Default(),
		Groups:       make([]GroupDoc, 0, len(groups)),
		Players:      make([]PlayerDoc, 0, len(players)),
		NextPlayerID: s.Players.NextID(),
		Staff:        s.Staff.List(),
		NextStaffID:  s.Staff.nextID,
	}
	for _, g := range groups {
		doc.Groups = append(doc.Groups, GroupDoc{ID: g.ID, Name: g.Name, Permissions: g.Permissions})
	}
	for _, p := range players {
		doc.Players = append(doc.Players, PlayerDoc{
			ID:             p.ID,
			Name:           p.Name,
			Group:          p.Group,
			KeyFingerprint: p.KeyFingerprint,
			Flags:          p.Flags,
		})
	}
	return doc
}

// Canonical encodes the document deterministically.
func (d Document) Canonical() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding state document: %w", err)
	}
	return b, nil
}

// Import builds a state from a document.
func Import(doc Document) (*State, error) {
	s := &State{
		Groups:  group.NewRegistry(),
		Players: player.NewRegistry(),
		Staff:   NewRoster(),
		Park:    Park{Name: doc.Park.Name, Paused: doc.Park.Paused},
	}
	groups := make([]group.Group, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		groups = append(groups, group.Group{ID: g.ID, Name: g.Name, Permissions: g.Permissions})
	}
	if err := s.Groups.Restore(groups, doc.DefaultGroup); err != nil {
		return nil, fmt.Errorf("restoring groups: %w", err)
	}
	players := make([]player.Player, 0, len(doc.Players))
	for _, p := range doc.Players {
		if !s.Groups.Exists(p.Group) {
			return nil, fmt.Errorf("player %d references unknown group %d", p.ID, p.Group)
		}
		players = append(players, player.Player{
			ID:             p.ID,
			Name:           p.Name,
			Group:          p.Group,
			KeyFingerprint: p.KeyFingerprint,
			Flags:          p.Flags,
		})
	}
	s.Players.Restore(players, doc.NextPlayerID)
	s.Staff.restore(doc.Staff, doc.NextStaffID)
	return s, nil
}

// DecodeDocument parses a canonical document.
func DecodeDocument(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding state document: %w", err)
	}
	return doc, nil
}
