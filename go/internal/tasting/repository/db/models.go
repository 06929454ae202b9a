package db

import (
	"database/sql"

	"github.com/sqlc-dev/pqtype"
)

type Drink struct {
	ID          string
	Name        string
	Description sql.NullString
	ImageUrl    sql.NullString
}

type Game struct {
	ID             string
	Name           string
	Mode           string
	HostID         sql.NullString
	IsComplete     bool
	CurrentRound   int32
	SessionCode    string
	RoundTimeLimit int32
	Settings       pqtype.NullRawMessage
}

type Player struct {
	ID        string
	Name      string
	GameID    string
	IsHost    bool
	DeviceID  sql.NullString
	JoinOrder int32
}

type GameRound struct {
	ID             string
	Name           string
	GameID         string
	CorrectDrinkID string
	TimeLimit      sql.NullInt64
	RoundOrder     int32
	StartTime      sql.NullInt64
	EndTime        sql.NullInt64
}

type Guess struct {
	ID        string
	PlayerID  string
	RoundID   string
	DrinkID   string
	CreatedAt int64
}
