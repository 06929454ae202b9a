package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/blindtasting/go/internal/models"
)

var (
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrMissingRoute = errors.New("event has neither session code nor game id")
	ErrMissingTime  = errors.New("event has no timestamp")
)

// envelope is the flat JSON shape shared with every client.
type envelope struct {
	Kind        Kind          `json:"kind"`
	SessionCode string        `json:"sessionCode,omitempty"`
	GameID      string        `json:"gameId,omitempty"`
	Timestamp   models.Millis `json:"timestamp"`
	PlayerID    string        `json:"playerId,omitempty"`
	PlayerName  string        `json:"playerName,omitempty"`
	DeviceID    string        `json:"deviceId,omitempty"`
	RoundID     string        `json:"roundId,omitempty"`
	RoundIndex  *int          `json:"roundIndex,omitempty"`
	DrinkID     string        `json:"drinkId,omitempty"`
	EndedEarly  bool          `json:"endedEarly,omitempty"`
	Game        *models.Game  `json:"game,omitempty"`
}

// Marshal encodes e in the wire format.
func Marshal(e Event) ([]byte, error) {
	h := e.Head()
	env := envelope{
		Kind:        e.Kind(),
		SessionCode: h.SessionCode,
		GameID:      h.GameID,
		Timestamp:   h.Timestamp,
	}

	switch ev := e.(type) {
	case JoinRequested:
		env.PlayerName = ev.PlayerName
		env.DeviceID = ev.DeviceID
	case PlayerJoined:
		env.PlayerID = ev.PlayerID
		env.PlayerName = ev.PlayerName
		env.DeviceID = ev.DeviceID
		env.Game = ev.Game
	case PlayerAssigned:
		env.PlayerID = ev.PlayerID
		env.DeviceID = ev.DeviceID
		env.Game = ev.Game
	case GameStarted:
		env.Game = ev.Game
	case RoundStarted:
		idx := ev.RoundIndex
		env.RoundID = ev.RoundID
		env.RoundIndex = &idx
		env.Game = ev.Game
	case VoteSubmitted:
		env.PlayerID = ev.PlayerID
		env.RoundID = ev.RoundID
		env.DrinkID = ev.DrinkID
	case RoundEnded:
		idx := ev.RoundIndex
		env.RoundID = ev.RoundID
		env.RoundIndex = &idx
	case GameCompleted:
		env.EndedEarly = ev.EndedEarly
		env.Game = ev.Game
	case GameStateUpdated:
		env.Game = ev.Game
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, e)
	}
	return json.Marshal(env)
}

// Unmarshal decodes one wire message into its variant.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.SessionCode == "" && env.GameID == "" {
		return nil, ErrMissingRoute
	}
	if env.Timestamp == 0 {
		return nil, ErrMissingTime
	}

	h := Header{SessionCode: env.SessionCode, GameID: env.GameID, Timestamp: env.Timestamp}
	roundIndex := -1
	if env.RoundIndex != nil {
		roundIndex = *env.RoundIndex
	}

	switch env.Kind {
	case KindJoinGame:
		return JoinRequested{Header: h, PlayerName: env.PlayerName, DeviceID: env.DeviceID}, nil
	case KindPlayerJoined:
		return PlayerJoined{Header: h, PlayerID: env.PlayerID, PlayerName: env.PlayerName, DeviceID: env.DeviceID, Game: env.Game}, nil
	case KindPlayerAssigned:
		return PlayerAssigned{Header: h, PlayerID: env.PlayerID, DeviceID: env.DeviceID, Game: env.Game}, nil
	case KindGameStarted:
		return GameStarted{Header: h, Game: env.Game}, nil
	case KindRoundStarted:
		return RoundStarted{Header: h, RoundID: env.RoundID, RoundIndex: roundIndex, Game: env.Game}, nil
	case KindVoteSubmitted:
		return VoteSubmitted{Header: h, PlayerID: env.PlayerID, RoundID: env.RoundID, DrinkID: env.DrinkID}, nil
	case KindRoundEnded:
		return RoundEnded{Header: h, RoundID: env.RoundID, RoundIndex: roundIndex}, nil
	case KindGameCompleted:
		return GameCompleted{Header: h, EndedEarly: env.EndedEarly, Game: env.Game}, nil
	case KindGameStateUpdated:
		return GameStateUpdated{Header: h, Game: env.Game}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
