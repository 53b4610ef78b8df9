// Package handlers is the surface scripts and operators talk to: it submits
// commands on behalf of a player and answers read-only queries about the
// session.
package handlers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/dispatcher"
	"github.com/parksync/parksync/internal/group"
	"github.com/parksync/parksync/internal/logging"
	"github.com/parksync/parksync/internal/parser"
	"github.com/parksync/parksync/internal/permission"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/replication"
	"github.com/parksync/parksync/internal/session"
)

// DefaultLastActionWindow is how long a player's last action stays visible.
const DefaultLastActionWindow = 2 * time.Second

// PeerLister reports connected peers. The replication hub implements it.
type PeerLister interface {
	Peers() []replication.PeerInfo
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Dispatcher       *dispatcher.Dispatcher
	Session          *session.Context
	Peers            PeerLister
	LogManager       *logging.SlogManager
	LastActionWindow time.Duration
	Now              func() time.Time
}

// GroupView describes a group for display.
type GroupView struct {
	ID          group.ID `json:"id"`
	Name        string   `json:"name"`
	Default     bool     `json:"default"`
	Permissions []string `json:"permissions"`
}

// PlayerView describes a connected player for display.
type PlayerView struct {
	ID         player.ID     `json:"id"`
	Name       string        `json:"name"`
	Group      group.ID      `json:"group"`
	GroupName  string        `json:"group_name"`
	IsServer   bool          `json:"is_server"`
	Ping       time.Duration `json:"ping"`
	LastAction string        `json:"last_action,omitempty"`
}

// KindView pairs a stable name with its display name.
type KindView struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Permission  string `json:"permission,omitempty"`
}

// ParkView summarizes the park and the command stream position.
type ParkView struct {
	Name     string `json:"name"`
	Paused   bool   `json:"paused"`
	Staff    int    `json:"staff"`
	Tick     uint64 `json:"tick"`
	OrderKey uint64 `json:"order_key"`
}

// Service provides submit and query methods over one session.
type Service struct {
	deps   Dependencies
	parser *parser.Parser
}

// NewService creates a new handler service
func NewService(deps Dependencies) *Service {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.LastActionWindow <= 0 {
		deps.LastActionWindow = DefaultLastActionWindow
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Service{deps: deps}
	s.parser = parser.NewParser(deps.LogManager.Logger(), s)
	return s
}

func (s *Service) writeLog(functionName, data, level string) {
	s.deps.LogManager.WriteLog(functionName, data, level)
}

// Submit parses a script line and submits it as player as.
func (s *Service) Submit(ctx context.Context, as player.ID, line string) (action.OrderKey, error) {
	params, err := s.parser.ParseLine(line)
	if err != nil {
		return 0, err
	}
	if params == nil {
		return 0, actionerr.InvalidArgument("handlers.Submit", "empty command")
	}
	return s.SubmitParams(ctx, as, params)
}

// SubmitParams submits already built parameters as player as.
func (s *Service) SubmitParams(ctx context.Context, as player.ID, params action.Params) (action.OrderKey, error) {
	return s.deps.Dispatcher.Submit(ctx, action.Command{Player: as, Params: params})
}

// ScriptResult is the outcome of one script line.
type ScriptResult struct {
	Line     int
	Text     string
	OrderKey action.OrderKey
	Err      error
}

// RunScript submits every command line read from r, in order, and reports
// each outcome to fn. Rejections do not stop the script; a read error or a
// cancelled context does.
func (s *Service) RunScript(ctx context.Context, as player.ID, r io.Reader, fn func(ScriptResult)) error {
	functionName := ":SCRIPT:"
	scanner := bufio.NewScanner(r)
	n, failed := 0, 0
	for scanner.Scan() {
		n++
		if err := ctx.Err(); err != nil {
			return err
		}
		text := strings.TrimSpace(scanner.Text())
		params, err := s.parser.ParseLine(text)
		if err == nil && params == nil {
			continue
		}
		res := ScriptResult{Line: n, Text: text, Err: err}
		if err == nil {
			res.OrderKey, res.Err = s.SubmitParams(ctx, as, params)
		}
		if res.Err != nil {
			failed++
			s.writeLog(functionName, fmt.Sprintf("line %d %q: %v", n, text, res.Err), "WARN")
		}
		if fn != nil {
			fn(res)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	s.writeLog(functionName, fmt.Sprintf("script finished: %d lines, %d failed", n, failed), "INFO")
	return nil
}

// PlayerByName implements parser.Resolver.
func (s *Service) PlayerByName(name string) (player.ID, bool) {
	var (
		id player.ID
		ok bool
	)
	s.deps.Dispatcher.View(func(b dispatcher.Boundary) {
		var p player.Player
		if p, ok = b.State.Players.FindByName(name); ok {
			id = p.ID
		}
	})
	return id, ok
}

// GroupByName implements parser.Resolver. Names compare case-insensitively.
func (s *Service) GroupByName(name string) (group.ID, bool) {
	var (
		id group.ID
		ok bool
	)
	s.deps.Dispatcher.View(func(b dispatcher.Boundary) {
		for _, g := range b.State.Groups.List() {
			if strings.EqualFold(g.Name, name) {
				id, ok = g.ID, true
				return
			}
		}
	})
	return id, ok
}

// Groups lists every group in id order.
func (s *Service) Groups() []GroupView {
	var out []GroupView
	s.deps.Dispatcher.View(func(b dispatcher.Boundary) {
		def := b.State.Groups.Default()
		for _, g := range b.State.Groups.List() {
			v := GroupView{ID: g.ID, Name: g.Name, Default: g.ID == def, Permissions: []string{}}
			for _, k := range g.Permissions.Kinds() {
				v.Permissions = append(v.Permissions, k.String())
			}
			out = append(out, v)
		}
	})
	return out
}

// Players lists connected players. The last action is only shown while it
// is recent.
func (s *Service) Players() []PlayerView {
	pings := map[player.ID]time.Duration{}
	if s.deps.Peers != nil {
		for _, p := range s.deps.Peers.Peers() {
			pings[p.Player] = p.Ping
		}
	}
	now := s.deps.Now()

	var out []PlayerView
	s.deps.Dispatcher.View(func(b dispatcher.Boundary) {
		for _, p := range b.State.Players.List() {
			v := PlayerView{ID: p.ID, Name: p.Name, Group: p.Group, IsServer: p.IsServer(), Ping: p.Ping}
			if g, ok := b.State.Groups.Get(p.Group); ok {
				v.GroupName = g.Name
			}
			if ping, ok := pings[p.ID]; ok {
				v.Ping = ping
			}
			if last, ok := b.State.Players.LastAction(p.ID, s.deps.LastActionWindow, now); ok {
				v.LastAction = last
			}
			out = append(out, v)
		}
	})
	return out
}

// Group returns one group.
func (s *Service) Group(id group.ID) (GroupView, bool) {
	for _, g := range s.Groups() {
		if g.ID == id {
			return g, true
		}
	}
	return GroupView{}, false
}

// Player returns one connected player.
func (s *Service) Player(id player.ID) (PlayerView, bool) {
	for _, p := range s.Players() {
		if p.ID == id {
			return p, true
		}
	}
	return PlayerView{}, false
}

// Park summarizes the park.
func (s *Service) Park() ParkView {
	var v ParkView
	s.deps.Dispatcher.View(func(b dispatcher.Boundary) {
		v = ParkView{
			Name:     b.State.Park.Name,
			Paused:   b.State.Park.Paused,
			Staff:    b.State.Staff.Len(),
			Tick:     b.Tick,
			OrderKey: b.OrderKey,
		}
	})
	return v
}

// ActionKinds enumerates every command kind with the permission it needs.
func (s *Service) ActionKinds() []KindView {
	kinds := action.Kinds()
	out := make([]KindView, 0, len(kinds))
	for _, k := range kinds {
		v := KindView{Name: k.String(), DisplayName: k.DisplayName()}
		if cmd, err := action.Decode(k, 0, nil); err == nil {
			if perm, ok := action.RequiredPermission(cmd); ok {
				v.Permission = perm.String()
			}
		}
		out = append(out, v)
	}
	return out
}

// PermissionKinds enumerates every permission.
func (s *Service) PermissionKinds() []KindView {
	kinds := permission.Kinds()
	out := make([]KindView, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, KindView{Name: k.String(), DisplayName: k.DisplayName()})
	}
	return out
}

// Server returns the advertised server information.
func (s *Service) Server() session.Info {
	if s.deps.Session == nil {
		return session.Info{}
	}
	return s.deps.Session.Info()
}

// Peers lists connected peers; it is empty outside authority mode.
func (s *Service) Peers() []replication.PeerInfo {
	if s.deps.Peers == nil {
		return nil
	}
	return s.deps.Peers.Peers()
}
