// Package events defines the sync events devices exchange over the relay.
package events

import (
	"time"

	"github.com/mcdev12/blindtasting/go/internal/models"
)

// Kind identifies a sync event variant on the wire.
type Kind string

const (
	KindJoinGame         Kind = "join_game"
	KindPlayerJoined     Kind = "player_joined"
	KindPlayerAssigned   Kind = "player_assigned"
	KindGameStarted      Kind = "game_started"
	KindRoundStarted     Kind = "round_started"
	KindVoteSubmitted    Kind = "vote_submitted"
	KindRoundEnded       Kind = "round_ended"
	KindGameCompleted    Kind = "game_completed"
	KindGameStateUpdated Kind = "game_state_updated"
)

// Header carries the routing key and emit time shared by every event.
type Header struct {
	SessionCode string
	GameID      string
	Timestamp   models.Millis
}

// NewHeader stamps a header for the given game at now.
func NewHeader(g *models.Game, now time.Time) Header {
	h := Header{Timestamp: models.MillisOf(now)}
	if g != nil {
		h.SessionCode = g.SessionCode
		h.GameID = g.ID
	}
	return h
}

func (h Header) Head() Header { return h }

// Routes reports whether the event is addressed to the given game.
// An empty field on either side does not count as a mismatch.
func (h Header) Routes(sessionCode, gameID string) bool {
	if h.SessionCode != "" && sessionCode != "" && h.SessionCode != sessionCode {
		return false
	}
	if h.GameID != "" && gameID != "" && h.GameID != gameID {
		return false
	}
	return h.SessionCode != "" || h.GameID != ""
}

// Event is implemented by every variant below.
type Event interface {
	Kind() Kind
	Head() Header
}

// JoinRequested asks the host to admit PlayerName. It has no game body yet.
type JoinRequested struct {
	Header
	PlayerName string
	DeviceID   string
}

// PlayerJoined announces a player; Game is the host's snapshot after admitting them.
type PlayerJoined struct {
	Header
	PlayerID   string
	PlayerName string
	DeviceID   string
	Game       *models.Game
}

// PlayerAssigned binds DeviceID to PlayerID.
type PlayerAssigned struct {
	Header
	PlayerID string
	DeviceID string
	Game     *models.Game
}

type GameStarted struct {
	Header
	Game *models.Game
}

type RoundStarted struct {
	Header
	RoundID    string
	RoundIndex int
	Game       *models.Game
}

type VoteSubmitted struct {
	Header
	PlayerID string
	RoundID  string
	DrinkID  string
}

type RoundEnded struct {
	Header
	RoundID    string
	RoundIndex int
}

// GameCompleted marks the game finished; EndedEarly is set when the host cut it short.
type GameCompleted struct {
	Header
	EndedEarly bool
	Game       *models.Game
}

// GameStateUpdated carries a full snapshot for catch-up.
type GameStateUpdated struct {
	Header
	Game *models.Game
}

func (JoinRequested) Kind() Kind    { return KindJoinGame }
func (PlayerJoined) Kind() Kind     { return KindPlayerJoined }
func (PlayerAssigned) Kind() Kind   { return KindPlayerAssigned }
func (GameStarted) Kind() Kind      { return KindGameStarted }
func (RoundStarted) Kind() Kind     { return KindRoundStarted }
func (VoteSubmitted) Kind() Kind    { return KindVoteSubmitted }
func (RoundEnded) Kind() Kind       { return KindRoundEnded }
func (GameCompleted) Kind() Kind    { return KindGameCompleted }
func (GameStateUpdated) Kind() Kind { return KindGameStateUpdated }

// Snapshot returns the full game carried by e, if any.
func Snapshot(e Event) *models.Game {
	switch ev := e.(type) {
	case PlayerJoined:
		return ev.Game
	case PlayerAssigned:
		return ev.Game
	case GameStarted:
		return ev.Game
	case RoundStarted:
		return ev.Game
	case GameCompleted:
		return ev.Game
	case GameStateUpdated:
		return ev.Game
	}
	return nil
}
