// Package repository maps the Game aggregate to and from the shared
// relational store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/blindtasting/go/internal/dbconfig"
	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/sqlutil"
	"github.com/mcdev12/blindtasting/go/internal/tasting/repository/db"
	"github.com/mcdev12/blindtasting/go/internal/tasting/sessioncode"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrSessionCodeTaken = errors.New("session code already used by another game")
)

// settings holds the game fields that have no column of their own.
type settings struct {
	EnableTimeLimit bool     `json:"enableTimeLimit"`
	DrinkIDs        []string `json:"drinkIds"`
}

type Repository struct {
	db       *sql.DB
	queries  *db.Queries
	postgres bool
	clock    clockwork.Clock
}

// New wraps an open handle. postgres selects the schema dialect.
func New(conn *sql.DB, postgres bool, clock clockwork.Clock) *Repository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repository{
		db:       conn,
		queries:  db.New(conn),
		postgres: postgres,
		clock:    clock,
	}
}

// Save upserts the game with its drinks, players and rounds in one
// transaction. On error nothing from this call is kept.
func (r *Repository) Save(ctx context.Context, game *models.Game) error {
	if game == nil || game.ID == "" {
		return errors.New("save: game has no id")
	}

	drinkIDs := make([]string, len(game.Drinks))
	for i, d := range game.Drinks {
		drinkIDs[i] = d.ID
	}
	raw, err := json.Marshal(settings{EnableTimeLimit: game.EnableTimeLimit, DrinkIDs: drinkIDs})
	if err != nil {
		return fmt.Errorf("failed to marshal game settings: %w", err)
	}

	err = sqlutil.Run(ctx, r.db, r.queries.WithTx, func(q *db.Queries) error {
		for _, d := range game.Drinks {
			if err := q.UpsertDrink(ctx, db.UpsertDrinkParams{
				ID:          d.ID,
				Name:        d.Name,
				Description: sqlutil.ToNullString(d.Description),
				ImageUrl:    sqlutil.ToNullString(d.ImageURL),
			}); err != nil {
				return fmt.Errorf("failed to upsert drink %s: %w", d.ID, err)
			}
		}

		if err := q.UpsertGame(ctx, db.UpsertGameParams{
			ID:             game.ID,
			Name:           game.Name,
			Mode:           string(game.Mode),
			HostID:         sqlutil.ToNullString(game.HostID),
			IsComplete:     game.IsComplete,
			CurrentRound:   int32(game.CurrentRound),
			SessionCode:    game.SessionCode,
			RoundTimeLimit: int32(game.RoundTimeLimit),
			Settings:       pqtype.NullRawMessage{RawMessage: raw, Valid: true},
		}); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("failed to upsert game: %w", ErrSessionCodeTaken)
			}
			return fmt.Errorf("failed to upsert game: %w", err)
		}

		for i, p := range game.Players {
			if err := q.UpsertPlayer(ctx, db.UpsertPlayerParams{
				ID:        p.ID,
				Name:      p.Name,
				GameID:    game.ID,
				IsHost:    p.IsHost,
				DeviceID:  sqlutil.ToNullString(p.DeviceID),
				JoinOrder: int32(i),
			}); err != nil {
				return fmt.Errorf("failed to upsert player %s: %w", p.ID, err)
			}
		}

		for i, rd := range game.Rounds {
			if err := q.UpsertRound(ctx, db.UpsertRoundParams{
				ID:             rd.ID,
				Name:           rd.Name,
				GameID:         game.ID,
				CorrectDrinkID: rd.CorrectDrinkID,
				TimeLimit:      sqlutil.ToNullInt64(rd.TimeLimit),
				RoundOrder:     int32(i),
				StartTime:      sqlutil.ToNullMillis(rd.StartTime),
				EndTime:        sqlutil.ToNullMillis(rd.EndTime),
			}); err != nil {
				return fmt.Errorf("failed to upsert round %s: %w", rd.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("game_id", game.ID).
		Str("session_code", game.SessionCode).
		Int("players", len(game.Players)).
		Int("rounds", len(game.Rounds)).
		Msg("game saved")
	return nil
}

// SavePlayers upserts the listed players of game in one transaction and
// leaves the game and round rows untouched. Unknown ids are skipped.
func (r *Repository) SavePlayers(ctx context.Context, game *models.Game, playerIDs ...string) error {
	if game == nil || game.ID == "" {
		return errors.New("save players: game has no id")
	}
	want := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		want[id] = true
	}

	err := sqlutil.Run(ctx, r.db, r.queries.WithTx, func(q *db.Queries) error {
		for i, p := range game.Players {
			if !want[p.ID] {
				continue
			}
			if err := q.UpsertPlayer(ctx, db.UpsertPlayerParams{
				ID:        p.ID,
				Name:      p.Name,
				GameID:    game.ID,
				IsHost:    p.IsHost,
				DeviceID:  sqlutil.ToNullString(p.DeviceID),
				JoinOrder: int32(i),
			}); err != nil {
				return fmt.Errorf("failed to upsert player %s: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("game_id", game.ID).
		Strs("player_ids", playerIDs).
		Msg("players saved")
	return nil
}

// LoadBySessionCode rebuilds the full game, or returns ErrNotFound.
func (r *Repository) LoadBySessionCode(ctx context.Context, code string) (*models.Game, error) {
	row, err := r.queries.GetGameBySessionCode(ctx, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}

	var st settings
	if row.Settings.Valid && len(row.Settings.RawMessage) > 0 {
		if err := json.Unmarshal(row.Settings.RawMessage, &st); err != nil {
			log.Warn().Err(err).Str("game_id", row.ID).Msg("ignoring unreadable game settings")
		}
	}

	game := &models.Game{
		ID:              row.ID,
		Name:            row.Name,
		Mode:            models.GameMode(row.Mode),
		CurrentRound:    int(row.CurrentRound),
		IsComplete:      row.IsComplete,
		SessionCode:     row.SessionCode,
		HostID:          sqlutil.FromNullString(row.HostID),
		RoundTimeLimit:  int(row.RoundTimeLimit),
		EnableTimeLimit: st.EnableTimeLimit,
		Rounds:          []models.Round{},
		Players:         []models.Player{},
		Drinks:          []models.Drink{},
	}

	rounds, err := r.queries.ListRoundsByGame(ctx, game.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	for _, rd := range rounds {
		game.Rounds = append(game.Rounds, models.Round{
			ID:             rd.ID,
			Name:           rd.Name,
			CorrectDrinkID: rd.CorrectDrinkID,
			TimeLimit:      sqlutil.FromNullInt64(rd.TimeLimit),
			StartTime:      sqlutil.FromNullMillis(rd.StartTime),
			EndTime:        sqlutil.FromNullMillis(rd.EndTime),
		})
	}

	players, err := r.queries.ListPlayersByGame(ctx, game.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	index := make(map[string]int, len(players))
	for _, p := range players {
		index[p.ID] = len(game.Players)
		game.Players = append(game.Players, models.Player{
			ID:       p.ID,
			Name:     p.Name,
			IsHost:   p.IsHost,
			DeviceID: sqlutil.FromNullString(p.DeviceID),
			Guesses:  map[string]string{},
		})
	}

	guesses, err := r.queries.ListGuessesByGame(ctx, game.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guesses: %w", err)
	}
	for _, g := range guesses {
		if i, ok := index[g.PlayerID]; ok {
			game.Players[i].Guesses[g.RoundID] = g.DrinkID
		}
	}

	drinkIDs := st.DrinkIDs
	if len(drinkIDs) == 0 {
		drinkIDs = roundDrinkIDs(game.Rounds)
	}
	drinks, err := r.queries.ListDrinksByIDs(ctx, drinkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list drinks: %w", err)
	}
	byID := make(map[string]db.Drink, len(drinks))
	for _, d := range drinks {
		byID[d.ID] = d
	}
	for _, id := range drinkIDs {
		d, ok := byID[id]
		if !ok {
			continue
		}
		game.Drinks = append(game.Drinks, models.Drink{
			ID:          d.ID,
			Name:        d.Name,
			Description: sqlutil.FromNullString(d.Description),
			ImageURL:    sqlutil.FromNullString(d.ImageUrl),
		})
	}

	return game, nil
}

// SubmitGuess upserts the (player, round) guess. A repeat overwrites.
func (r *Repository) SubmitGuess(ctx context.Context, gameID, playerID, roundID, drinkID string) error {
	round, err := r.queries.GetRound(ctx, roundID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && round.GameID != gameID) {
		return fmt.Errorf("round %s in game %s: %w", roundID, gameID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get round: %w", err)
	}

	player, err := r.queries.GetPlayer(ctx, playerID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && player.GameID != gameID) {
		return fmt.Errorf("player %s in game %s: %w", playerID, gameID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to get player: %w", err)
	}

	if err := r.queries.UpsertGuess(ctx, db.UpsertGuessParams{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		RoundID:   roundID,
		DrinkID:   drinkID,
		CreatedAt: r.clock.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("failed to upsert guess: %w", err)
	}
	return nil
}

const sqliteCodeAttempts = 16

// NextSessionCode returns a code no stored game uses yet.
func (r *Repository) NextSessionCode(ctx context.Context) (string, error) {
	if r.postgres {
		code, err := r.queries.GenerateSessionCode(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to generate session code: %w", err)
		}
		return code, nil
	}

	for i := 0; i < sqliteCodeAttempts; i++ {
		code := randomCode()
		taken, err := r.queries.SessionCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check session code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("no free session code found")
}

func randomCode() string {
	b := make([]byte, sessioncode.Length)
	for i := range b {
		b[i] = sessioncode.Alphabet[rand.Intn(len(sessioncode.Alphabet))]
	}
	return string(b)
}

func roundDrinkIDs(rounds []models.Round) []string {
	seen := make(map[string]bool, len(rounds))
	ids := make([]string, 0, len(rounds))
	for _, rd := range rounds {
		if !seen[rd.CorrectDrinkID] {
			seen[rd.CorrectDrinkID] = true
			ids = append(ids, rd.CorrectDrinkID)
		}
	}
	return ids
}

var _ sessioncode.Source = (*Repository)(nil)

// Open connects to the configured store and pings it.
func Open(ctx context.Context, cfg dbconfig.Config) (*sql.DB, error) {
	conn, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == dbconfig.DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
			conn.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return conn, nil
}
