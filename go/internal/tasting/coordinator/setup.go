package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

type DrinkInput struct {
	ID          string
	Name        string `validate:"required"`
	Description string
	ImageURL    string
}

// RoundInput is a preassigned round. CorrectDrinkID refers to a DrinkInput
// by ID, or by name when the drinks carry no IDs.
type RoundInput struct {
	Name           string
	CorrectDrinkID string `validate:"required"`
	TimeLimit      *int   `validate:"omitempty,gt=0"`
}

type SetupRequest struct {
	Name       string          `validate:"required"`
	Mode       models.GameMode `validate:"required,oneof=pro beginner"`
	Drinks     []DrinkInput    `validate:"required,min=1,dive"`
	RoundCount int             `validate:"required,min=1"`
	// Rounds are used only when there are exactly RoundCount of them.
	Rounds          []RoundInput `validate:"omitempty,dive"`
	HostName        string
	RoundTimeLimit  int `validate:"gte=0"` // seconds, 0 means the configured default
	EnableTimeLimit bool
}

// SetUpGame creates a game hosted by this device, persists it and
// announces it. Any previous local game is replaced.
func (c *Coordinator) SetUpGame(ctx context.Context, req SetupRequest) (*models.Game, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSetup, err)
	}
	if len(req.Drinks) < req.RoundCount {
		return nil, fmt.Errorf("%w: %d drinks for %d rounds", ErrInvalidSetup, len(req.Drinks), req.RoundCount)
	}

	drinks := make([]models.Drink, len(req.Drinks))
	for i, d := range req.Drinks {
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		drinks[i] = models.Drink{ID: id, Name: strings.TrimSpace(d.Name), Description: d.Description, ImageURL: d.ImageURL}
	}

	rounds, err := buildRounds(req, drinks)
	if err != nil {
		return nil, err
	}

	code, degraded := c.codes.Generate(ctx)
	deviceID := c.identity.DeviceID()

	hostName := strings.TrimSpace(req.HostName)
	if hostName == "" {
		hostName = "Host"
	}
	host := models.Player{
		ID:          uuid.NewString(),
		Name:        hostName,
		IsHost:      true,
		Guesses:     map[string]string{},
		DeviceID:    deviceID,
		IsConnected: true,
	}

	limit := req.RoundTimeLimit
	if limit <= 0 {
		limit = int(c.cfg.DefaultRoundTimeLimit.Seconds())
	}

	game := &models.Game{
		ID:              uuid.NewString(),
		Name:            strings.TrimSpace(req.Name),
		Mode:            req.Mode,
		Rounds:          rounds,
		Players:         []models.Player{host},
		Drinks:          drinks,
		CurrentRound:    models.NotStarted,
		SessionCode:     code,
		HostID:          deviceID,
		RoundTimeLimit:  limit,
		EnableTimeLimit: req.EnableTimeLimit,
	}

	if err := c.save(ctx, game); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.commitLocked(game)
	c.bindLocked(host.ID)
	c.mu.Unlock()

	log.Info().
		Str("game_id", game.ID).
		Str("session_code", code).
		Bool("degraded_code", degraded).
		Int("rounds", len(rounds)).
		Int("drinks", len(drinks)).
		Msg("game created")

	c.publish(ctx, events.GameStateUpdated{Header: c.header(game), Game: game.Clone()})
	return game.Clone(), nil
}

func buildRounds(req SetupRequest, drinks []models.Drink) ([]models.Round, error) {
	rounds := make([]models.Round, 0, req.RoundCount)

	if len(req.Rounds) == req.RoundCount {
		ref := make(map[string]string, 2*len(req.Drinks))
		for i, d := range req.Drinks {
			ref[models.NormalizeName(d.Name)] = drinks[i].ID
			if d.ID != "" {
				ref[d.ID] = drinks[i].ID
			}
		}
		for i, r := range req.Rounds {
			drinkID, ok := ref[r.CorrectDrinkID]
			if !ok {
				drinkID, ok = ref[models.NormalizeName(r.CorrectDrinkID)]
			}
			if !ok {
				return nil, fmt.Errorf("%w: round %d refers to unknown drink %q", ErrInvalidSetup, i+1, r.CorrectDrinkID)
			}
			name := strings.TrimSpace(r.Name)
			if name == "" {
				name = fmt.Sprintf("Round %d", i+1)
			}
			rounds = append(rounds, models.Round{
				ID:             uuid.NewString(),
				Name:           name,
				CorrectDrinkID: drinkID,
				TimeLimit:      r.TimeLimit,
			})
		}
		return rounds, nil
	}

	// distinct random answers, one per round
	for i, idx := range rand.Perm(len(drinks))[:req.RoundCount] {
		rounds = append(rounds, models.Round{
			ID:             uuid.NewString(),
			Name:           fmt.Sprintf("Round %d", i+1),
			CorrectDrinkID: drinks[idx].ID,
		})
	}
	return rounds, nil
}

// AddPlayer registers a guest before the game starts. Host only.
func (c *Coordinator) AddPlayer(ctx context.Context, name string) (models.Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireHostLocked(); err != nil {
		return models.Player{}, err
	}
	if c.game.Started() {
		return models.Player{}, ErrGameAlreadyStarted
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Player{}, fmt.Errorf("%w: player name is empty", ErrInvalidSetup)
	}
	if _, taken := findByName(c.game, name); taken {
		return models.Player{}, fmt.Errorf("%q: %w", name, ErrDuplicateName)
	}

	p := models.Player{ID: uuid.NewString(), Name: name, Guesses: map[string]string{}}
	g, err := c.mutateLocked(ctx, func(g *models.Game) error {
		g.Players = append(g.Players, p)
		return nil
	})
	if err != nil {
		return models.Player{}, err
	}

	log.Info().Str("game_id", g.ID).Str("player_id", p.ID).Str("player_name", p.Name).Msg("player added")
	c.publish(ctx, events.PlayerJoined{
		Header:     c.header(g),
		PlayerID:   p.ID,
		PlayerName: p.Name,
		Game:       g.Clone(),
	})
	return p, nil
}

// findByName matches on the normalized display name, any role.
func findByName(g *models.Game, name string) (*models.Player, bool) {
	want := models.NormalizeName(name)
	for i := range g.Players {
		if models.NormalizeName(g.Players[i].Name) == want {
			return &g.Players[i], true
		}
	}
	return nil, false
}
