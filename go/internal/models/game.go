package models

import (
	"strings"
	"time"
)

// GameMode defines when results are revealed to players.
type GameMode string

const (
	// GameModePro hides results until the game is complete.
	GameModePro GameMode = "pro"
	// GameModeBeginner gives immediate per-round feedback.
	GameModeBeginner GameMode = "beginner"
)

// NotStarted is the CurrentRound value of a game still in registration.
const NotStarted = -1

// DefaultRoundTimeLimitSec applies when neither the round nor the game sets a limit.
const DefaultRoundTimeLimitSec = 60

// Millis is a wall-clock timestamp in epoch milliseconds.
type Millis int64

// MillisOf converts t to epoch milliseconds.
func MillisOf(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// Time converts m back to a time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// Drink is one tasting option. Drinks are reference data and never change mid-game.
type Drink struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Round is one tasting item with a single correct answer.
type Round struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	CorrectDrinkID string  `json:"correctDrinkId"`
	TimeLimit      *int    `json:"timeLimit,omitempty"` // seconds
	StartTime      *Millis `json:"startTime,omitempty"`
	EndTime        *Millis `json:"endTime,omitempty"`
}

// Player is a participant. Guesses maps round id to drink id and is append-only.
type Player struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	IsHost      bool              `json:"isHost,omitempty"`
	Guesses     map[string]string `json:"guesses"`
	DeviceID    string            `json:"deviceId,omitempty"`
	IsConnected bool              `json:"isConnected,omitempty"`
}

// HasGuessed reports whether the player already answered roundID.
func (p *Player) HasGuessed(roundID string) bool {
	_, ok := p.Guesses[roundID]
	return ok
}

// Clone copies p, including its guesses.
func (p *Player) Clone() *Player {
	out := *p
	out.Guesses = make(map[string]string, len(p.Guesses))
	for k, v := range p.Guesses {
		out.Guesses[k] = v
	}
	return &out
}

// Game is the aggregate root shared by every device in a session.
type Game struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Mode            GameMode `json:"mode"`
	Rounds          []Round  `json:"rounds"`
	Players         []Player `json:"players"`
	Drinks          []Drink  `json:"drinks"`
	CurrentRound    int      `json:"currentRound"`
	IsComplete      bool     `json:"isComplete"`
	SessionCode     string   `json:"sessionCode,omitempty"`
	HostID          string   `json:"hostId,omitempty"`
	RoundTimeLimit  int      `json:"roundTimeLimit"` // seconds
	EnableTimeLimit bool     `json:"enableTimeLimit,omitempty"`
}

// Started reports whether the host has started the game.
func (g *Game) Started() bool {
	return g.CurrentRound > NotStarted
}

// Active reports whether a round is currently being played.
func (g *Game) Active() bool {
	return g.Started() && !g.IsComplete && g.CurrentRound < len(g.Rounds)
}

// OnLastRound reports whether the current round is the final one.
func (g *Game) OnLastRound() bool {
	return g.CurrentRound == len(g.Rounds)-1
}

// Current returns the active round, if any.
func (g *Game) Current() (*Round, bool) {
	if g.CurrentRound < 0 || g.CurrentRound >= len(g.Rounds) {
		return nil, false
	}
	return &g.Rounds[g.CurrentRound], true
}

// RoundIndex returns the position of roundID in the round order, or -1.
func (g *Game) RoundIndex(roundID string) int {
	for i := range g.Rounds {
		if g.Rounds[i].ID == roundID {
			return i
		}
	}
	return -1
}

// Player looks up a player by id.
func (g *Game) Player(id string) (*Player, bool) {
	for i := range g.Players {
		if g.Players[i].ID == id {
			return &g.Players[i], true
		}
	}
	return nil, false
}

// PlayerByDevice returns the player currently bound to deviceID.
func (g *Game) PlayerByDevice(deviceID string) (*Player, bool) {
	if deviceID == "" {
		return nil, false
	}
	for i := range g.Players {
		if g.Players[i].DeviceID == deviceID {
			return &g.Players[i], true
		}
	}
	return nil, false
}

// Host returns the host player.
func (g *Game) Host() (*Player, bool) {
	for i := range g.Players {
		if g.Players[i].IsHost {
			return &g.Players[i], true
		}
	}
	return nil, false
}

// GuestCount counts non-host players.
func (g *Game) GuestCount() int {
	n := 0
	for i := range g.Players {
		if !g.Players[i].IsHost {
			n++
		}
	}
	return n
}

// Drink looks up a drink by id.
func (g *Game) Drink(id string) (*Drink, bool) {
	for i := range g.Drinks {
		if g.Drinks[i].ID == id {
			return &g.Drinks[i], true
		}
	}
	return nil, false
}

// EffectiveTimeLimit returns the countdown length for round r.
func (g *Game) EffectiveTimeLimit(r *Round) time.Duration {
	secs := g.RoundTimeLimit
	if r.TimeLimit != nil && *r.TimeLimit > 0 {
		secs = *r.TimeLimit
	}
	if secs <= 0 {
		secs = DefaultRoundTimeLimitSec
	}
	return time.Duration(secs) * time.Second
}

// Clone returns a deep copy so callers never share maps or slices with the owner.
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	out := *g
	out.Rounds = make([]Round, len(g.Rounds))
	for i, r := range g.Rounds {
		out.Rounds[i] = r
		if r.TimeLimit != nil {
			v := *r.TimeLimit
			out.Rounds[i].TimeLimit = &v
		}
		if r.StartTime != nil {
			v := *r.StartTime
			out.Rounds[i].StartTime = &v
		}
		if r.EndTime != nil {
			v := *r.EndTime
			out.Rounds[i].EndTime = &v
		}
	}
	out.Players = make([]Player, len(g.Players))
	for i := range g.Players {
		out.Players[i] = *g.Players[i].Clone()
	}
	out.Drinks = append([]Drink(nil), g.Drinks...)
	return &out
}

// NormalizeName trims, case-folds and collapses whitespace for name matching.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// NormalizeSessionCode upper-cases and trims a user-typed code.
func NormalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
