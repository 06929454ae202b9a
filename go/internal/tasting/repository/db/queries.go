package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sqlc-dev/pqtype"
)

// Placeholders are $N and first appear in ascending order so the same text
// binds positionally on both Postgres and SQLite.

const upsertDrink = `
INSERT INTO drinks (id, name, description, image_url)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    description = excluded.description,
    image_url = excluded.image_url
`

type UpsertDrinkParams struct {
	ID          string
	Name        string
	Description sql.NullString
	ImageUrl    sql.NullString
}

func (q *Queries) UpsertDrink(ctx context.Context, arg UpsertDrinkParams) error {
	_, err := q.db.ExecContext(ctx, upsertDrink, arg.ID, arg.Name, arg.Description, arg.ImageUrl)
	return err
}

const upsertGame = `
INSERT INTO games (id, name, mode, host_id, is_complete, current_round, session_code, round_time_limit, settings)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    mode = excluded.mode,
    host_id = excluded.host_id,
    is_complete = excluded.is_complete,
    current_round = excluded.current_round,
    round_time_limit = excluded.round_time_limit,
    settings = excluded.settings
`

type UpsertGameParams struct {
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

// UpsertGame never rewrites session_code on an existing row.
func (q *Queries) UpsertGame(ctx context.Context, arg UpsertGameParams) error {
	_, err := q.db.ExecContext(ctx, upsertGame,
		arg.ID,
		arg.Name,
		arg.Mode,
		arg.HostID,
		arg.IsComplete,
		arg.CurrentRound,
		arg.SessionCode,
		arg.RoundTimeLimit,
		arg.Settings,
	)
	return err
}

const upsertPlayer = `
INSERT INTO players (id, name, game_id, is_host, device_id, join_order)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    is_host = excluded.is_host,
    device_id = excluded.device_id,
    join_order = excluded.join_order
`

type UpsertPlayerParams struct {
	ID        string
	Name      string
	GameID    string
	IsHost    bool
	DeviceID  sql.NullString
	JoinOrder int32
}

func (q *Queries) UpsertPlayer(ctx context.Context, arg UpsertPlayerParams) error {
	_, err := q.db.ExecContext(ctx, upsertPlayer,
		arg.ID,
		arg.Name,
		arg.GameID,
		arg.IsHost,
		arg.DeviceID,
		arg.JoinOrder,
	)
	return err
}

const upsertRound = `
INSERT INTO game_rounds (id, name, game_id, correct_drink_id, time_limit, round_order, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    time_limit = excluded.time_limit,
    round_order = excluded.round_order,
    start_time = excluded.start_time,
    end_time = excluded.end_time
`

type UpsertRoundParams struct {
	ID             string
	Name           string
	GameID         string
	CorrectDrinkID string
	TimeLimit      sql.NullInt64
	RoundOrder     int32
	StartTime      sql.NullInt64
	EndTime        sql.NullInt64
}

// UpsertRound leaves correct_drink_id as first written.
func (q *Queries) UpsertRound(ctx context.Context, arg UpsertRoundParams) error {
	_, err := q.db.ExecContext(ctx, upsertRound,
		arg.ID,
		arg.Name,
		arg.GameID,
		arg.CorrectDrinkID,
		arg.TimeLimit,
		arg.RoundOrder,
		arg.StartTime,
		arg.EndTime,
	)
	return err
}

const getGameBySessionCode = `
SELECT id, name, mode, host_id, is_complete, current_round, session_code, round_time_limit, settings
FROM games
WHERE session_code = $1
`

func (q *Queries) GetGameBySessionCode(ctx context.Context, sessionCode string) (Game, error) {
	row := q.db.QueryRowContext(ctx, getGameBySessionCode, sessionCode)
	var i Game
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Mode,
		&i.HostID,
		&i.IsComplete,
		&i.CurrentRound,
		&i.SessionCode,
		&i.RoundTimeLimit,
		&i.Settings,
	)
	return i, err
}

const listPlayersByGame = `
SELECT id, name, game_id, is_host, device_id, join_order
FROM players
WHERE game_id = $1
ORDER BY join_order, id
`

func (q *Queries) ListPlayersByGame(ctx context.Context, gameID string) ([]Player, error) {
	rows, err := q.db.QueryContext(ctx, listPlayersByGame, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Player
	for rows.Next() {
		var i Player
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.GameID,
			&i.IsHost,
			&i.DeviceID,
			&i.JoinOrder,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listRoundsByGame = `
SELECT id, name, game_id, correct_drink_id, time_limit, round_order, start_time, end_time
FROM game_rounds
WHERE game_id = $1
ORDER BY round_order
`

func (q *Queries) ListRoundsByGame(ctx context.Context, gameID string) ([]GameRound, error) {
	rows, err := q.db.QueryContext(ctx, listRoundsByGame, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GameRound
	for rows.Next() {
		var i GameRound
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.GameID,
			&i.CorrectDrinkID,
			&i.TimeLimit,
			&i.RoundOrder,
			&i.StartTime,
			&i.EndTime,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getRound = `
SELECT id, name, game_id, correct_drink_id, time_limit, round_order, start_time, end_time
FROM game_rounds
WHERE id = $1
`

func (q *Queries) GetRound(ctx context.Context, id string) (GameRound, error) {
	row := q.db.QueryRowContext(ctx, getRound, id)
	var i GameRound
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.GameID,
		&i.CorrectDrinkID,
		&i.TimeLimit,
		&i.RoundOrder,
		&i.StartTime,
		&i.EndTime,
	)
	return i, err
}

const getPlayer = `
SELECT id, name, game_id, is_host, device_id, join_order
FROM players
WHERE id = $1
`

func (q *Queries) GetPlayer(ctx context.Context, id string) (Player, error) {
	row := q.db.QueryRowContext(ctx, getPlayer, id)
	var i Player
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.GameID,
		&i.IsHost,
		&i.DeviceID,
		&i.JoinOrder,
	)
	return i, err
}

const listGuessesByGame = `
SELECT g.id, g.player_id, g.round_id, g.drink_id, g.created_at
FROM guesses g
JOIN game_rounds r ON r.id = g.round_id
WHERE r.game_id = $1
`

func (q *Queries) ListGuessesByGame(ctx context.Context, gameID string) ([]Guess, error) {
	rows, err := q.db.QueryContext(ctx, listGuessesByGame, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Guess
	for rows.Next() {
		var i Guess
		if err := rows.Scan(
			&i.ID,
			&i.PlayerID,
			&i.RoundID,
			&i.DrinkID,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertGuess = `
INSERT INTO guesses (id, player_id, round_id, drink_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (player_id, round_id) DO UPDATE SET
    drink_id = excluded.drink_id,
    created_at = excluded.created_at
`

type UpsertGuessParams struct {
	ID        string
	PlayerID  string
	RoundID   string
	DrinkID   string
	CreatedAt int64
}

func (q *Queries) UpsertGuess(ctx context.Context, arg UpsertGuessParams) error {
	_, err := q.db.ExecContext(ctx, upsertGuess,
		arg.ID,
		arg.PlayerID,
		arg.RoundID,
		arg.DrinkID,
		arg.CreatedAt,
	)
	return err
}

const sessionCodeExists = `
SELECT EXISTS (SELECT 1 FROM games WHERE session_code = $1)
`

func (q *Queries) SessionCodeExists(ctx context.Context, sessionCode string) (bool, error) {
	row := q.db.QueryRowContext(ctx, sessionCodeExists, sessionCode)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

const generateSessionCode = `
SELECT generate_session_code()
`

// GenerateSessionCode calls the Postgres function installed by the schema.
func (q *Queries) GenerateSessionCode(ctx context.Context) (string, error) {
	row := q.db.QueryRowContext(ctx, generateSessionCode)
	var code string
	err := row.Scan(&code)
	return code, err
}

// ListDrinksByIDs has a variable-length IN list, so its text is built per call.
func (q *Queries) ListDrinksByIDs(ctx context.Context, ids []string) ([]Drink, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := "SELECT id, name, description, image_url FROM drinks WHERE id IN (" + strings.Join(marks, ", ") + ")"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Drink
	for rows.Next() {
		var i Drink
		if err := rows.Scan(&i.ID, &i.Name, &i.Description, &i.ImageUrl); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
