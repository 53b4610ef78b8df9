// Package parser turns script lines of the form "<kind> <args...>" into
// command parameters. It performs no validation beyond syntax; the
// dispatcher decides whether a command may run.
package parser

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/parksync/parksync/internal/action"
	"github.com/parksync/parksync/internal/actionerr"
	"github.com/parksync/parksync/internal/group"
	"github.com/parksync/parksync/internal/permission"
	"github.com/parksync/parksync/internal/player"
	"github.com/parksync/parksync/internal/state"
	"github.com/parksync/parksync/internal/util"
)

const op = "parse"

// Resolver maps names to ids, so scripts can say "kick_player Alice".
type Resolver interface {
	PlayerByName(name string) (player.ID, bool)
	GroupByName(name string) (group.ID, bool)
}

// Parser converts script lines to command parameters.
type Parser struct {
	logger   *slog.Logger
	resolver Resolver
}

// NewParser creates a parser. resolver may be nil, in which case players and
// groups must be given by numeric id.
func NewParser(logger *slog.Logger, resolver Resolver) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger, resolver: resolver}
}

// ParseLine parses one script line. Blank lines and lines starting with #
// yield nil params and no error.
func (p *Parser) ParseLine(line string) (action.Params, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, nil
	}
	args, err := util.SplitArgs(trimmed)
	if err != nil {
		return nil, actionerr.InvalidArgument(op, "%v", err)
	}
	kind, err := action.ParseKind(args[0])
	if err != nil {
		return nil, actionerr.InvalidArgument(op, "%v", err)
	}
	params, err := p.parse(kind, args[1:])
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Parsed command line", "kind", kind.String(), "args", len(args)-1)
	return params, nil
}

func (p *Parser) parse(kind action.Kind, args []string) (action.Params, error) {
	switch kind {
	case action.KindModifyGroup:
		return p.parseModifyGroup(args)

	case action.KindSetPlayerGroup:
		if err := arity(kind, args, 2, 2); err != nil {
			return nil, err
		}
		target, err := p.playerID(args[0])
		if err != nil {
			return nil, err
		}
		g, err := p.groupID(args[1])
		if err != nil {
			return nil, err
		}
		return action.SetPlayerGroup{Target: target, Group: g}, nil

	case action.KindKickPlayer:
		if err := arity(kind, args, 1, -1); err != nil {
			return nil, err
		}
		target, err := p.playerID(args[0])
		if err != nil {
			return nil, err
		}
		return action.KickPlayer{Target: target, Reason: strings.Join(args[1:], " ")}, nil

	case action.KindHireStaff:
		if err := arity(kind, args, 1, -1); err != nil {
			return nil, err
		}
		role, err := state.ParseRole(args[0])
		if err != nil {
			return nil, actionerr.InvalidArgument(op, "%v", err)
		}
		return action.HireStaff{Role: role, Name: strings.Join(args[1:], " ")}, nil

	case action.KindFireStaff:
		if err := arity(kind, args, 1, 1); err != nil {
			return nil, err
		}
		id, err := parseUint(args[0], 32)
		if err != nil {
			return nil, actionerr.InvalidArgument(op, "staff id %q: %v", args[0], err)
		}
		return action.FireStaff{Staff: state.StaffID(id)}, nil

	case action.KindSetParkName:
		if err := arity(kind, args, 1, -1); err != nil {
			return nil, err
		}
		return action.SetParkName{Name: strings.Join(args, " ")}, nil

	case action.KindTogglePause:
		if err := arity(kind, args, 0, 0); err != nil {
			return nil, err
		}
		return action.TogglePause{}, nil

	case action.KindPlayerJoin:
		if err := arity(kind, args, 1, 2); err != nil {
			return nil, err
		}
		pj := action.PlayerJoin{Name: args[0]}
		if len(args) == 2 {
			pj.KeyFingerprint = args[1]
		}
		return pj, nil

	case action.KindPlayerLeave:
		if err := arity(kind, args, 1, -1); err != nil {
			return nil, err
		}
		target, err := p.playerID(args[0])
		if err != nil {
			return nil, err
		}
		return action.PlayerLeave{Target: target, Reason: strings.Join(args[1:], " ")}, nil
	}
	return nil, actionerr.InvalidArgument(op, "unsupported kind %s", kind)
}

// parseModifyGroup handles
//
//	modify_group add <name...>
//	modify_group remove <group>
//	modify_group set_default <group>
//	modify_group set_name <group> <name...>
//	modify_group set_permission <group> <permission> [toggle|set|clear]
func (p *Parser) parseModifyGroup(args []string) (action.Params, error) {
	kind := action.KindModifyGroup
	if len(args) == 0 {
		return nil, actionerr.InvalidArgument(op, "%s: missing operation", kind)
	}
	gop, err := action.ParseGroupOp(args[0])
	if err != nil {
		return nil, actionerr.InvalidArgument(op, "%v", err)
	}
	args = args[1:]

	if gop == action.GroupAdd {
		if err := arity(kind, args, 1, -1); err != nil {
			return nil, err
		}
		return action.ModifyGroup{Op: gop, Name: strings.Join(args, " ")}, nil
	}

	if len(args) == 0 {
		return nil, actionerr.InvalidArgument(op, "%s %s: missing group", kind, gop)
	}
	g, err := p.groupID(args[0])
	if err != nil {
		return nil, err
	}
	mg := action.ModifyGroup{Op: gop, Group: g}
	args = args[1:]

	switch gop {
	case action.GroupRemove, action.GroupSetDefault:
		if err := arity(kind, args, 0, 0); err != nil {
			return nil, err
		}
	case action.GroupSetName:
		if err := arity(kind, args, 1, -1); err != nil {
			return nil, err
		}
		mg.Name = strings.Join(args, " ")
	case action.GroupSetPermission:
		if err := arity(kind, args, 1, 2); err != nil {
			return nil, err
		}
		perm, err := permission.Parse(args[0])
		if err != nil {
			return nil, actionerr.InvalidArgument(op, "%v", err)
		}
		mg.Permission = perm
		if len(args) == 2 {
			st, err := action.ParsePermissionState(args[1])
			if err != nil {
				return nil, actionerr.InvalidArgument(op, "%v", err)
			}
			mg.State = st
		}
	}
	return mg, nil
}

func (p *Parser) playerID(s string) (player.ID, error) {
	if id, err := parseUint(s, 32); err == nil {
		return player.ID(id), nil
	}
	if p.resolver != nil {
		if id, ok := p.resolver.PlayerByName(s); ok {
			return id, nil
		}
	}
	return 0, actionerr.InvalidReference(op, "unknown player %q", s)
}

func (p *Parser) groupID(s string) (group.ID, error) {
	if id, err := parseUint(s, 8); err == nil {
		return group.ID(id), nil
	}
	if p.resolver != nil {
		if id, ok := p.resolver.GroupByName(s); ok {
			return id, nil
		}
	}
	return 0, actionerr.InvalidReference(op, "unknown group %q", s)
}

// parseUint accepts "3" and "3.0"; scripts generated by spreadsheets emit
// the latter.
func parseUint(s string, bits int) (uint64, error) {
	if v, err := strconv.ParseUint(s, 10, bits); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != float64(uint64(f)) || uint64(f)>>bits != 0 {
		return 0, fmt.Errorf("%q is not a valid uint%d", s, bits)
	}
	return uint64(f), nil
}

// arity checks the argument count; hi < 0 means unbounded.
func arity(kind action.Kind, args []string, lo, hi int) error {
	if len(args) < lo || (hi >= 0 && len(args) > hi) {
		return actionerr.InvalidArgument(op, "%s: %s", kind, usage[kind])
	}
	return nil
}

var usage = map[action.Kind]string{
	action.KindModifyGroup:    "modify_group <add|remove|set_default|set_name|set_permission> ...",
	action.KindSetPlayerGroup: "set_player_group <player> <group>",
	action.KindKickPlayer:     "kick_player <player> [reason...]",
	action.KindHireStaff:      "hire_staff <role> [name...]",
	action.KindFireStaff:      "fire_staff <staff id>",
	action.KindSetParkName:    "set_park_name <name...>",
	action.KindTogglePause:    "toggle_pause",
	action.KindPlayerJoin:     "player_join <name> [key fingerprint]",
	action.KindPlayerLeave:    "player_leave <player> [reason...]",
}

// Format renders params as a script line that ParseLine reads back.
func Format(params action.Params) string {
	parts := []string{params.Kind().String()}
	add := func(s ...string) {
		for _, v := range s {
			parts = append(parts, util.QuoteArg(v))
		}
	}
	num := func(v uint64) string { return strconv.FormatUint(v, 10) }

	switch v := params.(type) {
	case action.ModifyGroup:
		parts = append(parts, v.Op.String())
		switch v.Op {
		case action.GroupAdd:
			add(v.Name)
		case action.GroupRemove, action.GroupSetDefault:
			add(num(uint64(v.Group)))
		case action.GroupSetName:
			add(num(uint64(v.Group)), v.Name)
		case action.GroupSetPermission:
			add(num(uint64(v.Group)), v.Permission.String(), v.State.String())
		}
	case action.SetPlayerGroup:
		add(num(uint64(v.Target)), num(uint64(v.Group)))
	case action.KickPlayer:
		add(num(uint64(v.Target)))
		if v.Reason != "" {
			add(v.Reason)
		}
	case action.HireStaff:
		add(v.Role.String())
		if v.Name != "" {
			add(v.Name)
		}
	case action.FireStaff:
		add(num(uint64(v.Staff)))
	case action.SetParkName:
		add(v.Name)
	case action.PlayerJoin:
		add(v.Name)
		if v.KeyFingerprint != "" {
			add(v.KeyFingerprint)
		}
	case action.PlayerLeave:
		add(num(uint64(v.Target)))
		if v.Reason != "" {
			add(v.Reason)
		}
	}
	return strings.Join(parts, " ")
}
