package action

import (
	"encoding/json"
	"fmt"

	"github.com/parksync/parksync/internal/player"
)

// Encode serializes the command parameters. Together with the kind and the
// player id the payload reconstructs the command exactly.
func Encode(cmd Command) ([]byte, error) {
	if cmd.Params == nil {
		return nil, fmt.Errorf("encoding command: no parameters")
	}
	b, err := json.Marshal(cmd.Params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", cmd.Kind(), err)
	}
	return b, nil
}

// Decode rebuilds a command from its serialized form.
func Decode(kind Kind, p player.ID, payload []byte) (Command, error) {
	params, err := decodeParams(kind, payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Player: p, Params: params}, nil
}

func decodeParams(kind Kind, payload []byte) (Params, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	switch kind {
	case KindModifyGroup:
		return unmarshal[ModifyGroup](kind, payload)
	case KindSetPlayerGroup:
		return unmarshal[SetPlayerGroup](kind, payload)
	case KindKickPlayer:
		return unmarshal[KickPlayer](kind, payload)
	case KindHireStaff:
		return unmarshal[HireStaff](kind, payload)
	case KindFireStaff:
		return unmarshal[FireStaff](kind, payload)
	case KindSetParkName:
		return unmarshal[SetParkName](kind, payload)
	case KindTogglePause:
		return unmarshal[TogglePause](kind, payload)
	case KindPlayerJoin:
		return unmarshal[PlayerJoin](kind, payload)
	case KindPlayerLeave:
		return unmarshal[PlayerLeave](kind, payload)
	}
	return nil, fmt.Errorf("decoding command: unknown kind %d", kind)
}

func unmarshal[T Params](kind Kind, payload []byte) (Params, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return v, nil
}
