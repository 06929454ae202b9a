package coordinator

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// Start opens round 0. Host only, and needs Config.MinPlayers guests.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireHostLocked(); err != nil {
		return err
	}
	if c.game.Started() {
		return ErrGameAlreadyStarted
	}
	if c.game.GuestCount() < c.cfg.MinPlayers {
		return ErrNotEnoughPlayers
	}
	if len(c.game.Rounds) == 0 {
		return ErrInvalidSetup
	}

	now := c.now()
	g, err := c.mutateLocked(ctx, func(g *models.Game) error {
		g.CurrentRound = 0
		g.Rounds[0].StartTime = &now
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("game_id", g.ID).Int("guests", g.GuestCount()).Msg("game started")
	c.publish(ctx, events.GameStarted{Header: c.header(g), Game: g.Clone()})
	return nil
}

// AdvanceRound closes the current round and opens the next. Host only.
func (c *Coordinator) AdvanceRound(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireHostLocked(); err != nil {
		return err
	}
	return c.advanceLocked(ctx)
}

func (c *Coordinator) advanceLocked(ctx context.Context) error {
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if c.game.OnLastRound() {
		return ErrNoMoreRounds
	}

	now := c.now()
	prev := c.game.CurrentRound
	g, err := c.mutateLocked(ctx, func(g *models.Game) error {
		g.Rounds[prev].EndTime = &now
		g.CurrentRound = prev + 1
		g.Rounds[prev+1].StartTime = &now
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("game_id", g.ID).Int("round_index", g.CurrentRound).Msg("round advanced")
	c.publish(ctx, events.RoundEnded{Header: c.header(g), RoundID: g.Rounds[prev].ID, RoundIndex: prev})
	c.publish(ctx, events.RoundStarted{
		Header:     c.header(g),
		RoundID:    g.Rounds[g.CurrentRound].ID,
		RoundIndex: g.CurrentRound,
		Game:       g.Clone(),
	})
	return nil
}

// CompleteGame finishes a game that is on its last round. Host only.
func (c *Coordinator) CompleteGame(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireHostLocked(); err != nil {
		return err
	}
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if !c.game.OnLastRound() {
		return ErrRoundsRemaining
	}
	return c.finishLocked(ctx, false)
}

// EndGame finishes the game from any round. Host only.
func (c *Coordinator) EndGame(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireHostLocked(); err != nil {
		return err
	}
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	return c.finishLocked(ctx, true)
}

func (c *Coordinator) finishLocked(ctx context.Context, endedEarly bool) error {
	now := c.now()
	wasEarly := c.endedEarly
	c.endedEarly = endedEarly
	g, err := c.mutateLocked(ctx, func(g *models.Game) error {
		if r, ok := g.Current(); ok && r.EndTime == nil {
			r.EndTime = &now
		}
		g.IsComplete = true
		return nil
	})
	if err != nil {
		c.endedEarly = wasEarly
		return err
	}

	log.Info().Str("game_id", g.ID).Bool("ended_early", endedEarly).Msg("game completed")
	c.publish(ctx, events.GameCompleted{Header: c.header(g), EndedEarly: endedEarly, Game: g.Clone()})
	return nil
}

func (c *Coordinator) requireActiveLocked() error {
	switch {
	case c.game == nil:
		return ErrNoActiveGame
	case c.game.IsComplete:
		return ErrGameComplete
	case !c.game.Started():
		return ErrGameNotStarted
	}
	return nil
}

// Reset drops the local game and purges every session trace on the device.
// The device id is kept.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gameID string
	if c.game != nil {
		gameID = c.game.ID
	}
	c.cancelCountdownLocked()
	c.commitLocked(nil)
	c.lastExpiry = roundKey{}
	c.cache.Purge()
	log.Info().Str("game_id", gameID).Msg("local game reset")
}

// RestoreOutcome describes the state recovered at startup.
type RestoreOutcome struct {
	Game     *models.Game
	PlayerID string
	// Refreshed is true when the shared store confirmed the cached snapshot.
	Refreshed bool
}

// Resolved reports whether the device is bound to a player.
func (o RestoreOutcome) Resolved() bool {
	return o.PlayerID != ""
}

// Restore reloads the cached game, refreshes it from the store when
// possible and rebinds the device. With no cached game it returns a zero
// outcome.
func (c *Coordinator) Restore(ctx context.Context) (RestoreOutcome, error) {
	cached, ok := c.cache.Load()
	if !ok {
		return RestoreOutcome{}, nil
	}

	game := cached
	refreshed := false
	fresh, err := c.store.LoadBySessionCode(ctx, cached.SessionCode)
	switch {
	case err == nil:
		game, refreshed = fresh, true
	default:
		err = classifyLoad(cached.SessionCode, err)
		if errors.Is(err, ErrNotFound) {
			log.Warn().Str("session_code", cached.SessionCode).Msg("cached game missing from store, keeping snapshot")
		} else {
			log.Warn().Err(err).Str("session_code", cached.SessionCode).Msg("store unreachable, using cached snapshot")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var playerID string
	p, how := resolvePlayer(game, c.identity.DeviceID(), c.cache.Recall(game.SessionCode).PlayerID, "")
	if p != nil {
		playerID = p.ID
	}
	c.adoptLocked(game, playerID)

	log.Info().
		Str("game_id", game.ID).
		Str("session_code", game.SessionCode).
		Bool("refreshed", refreshed).
		Str("binding", how.String()).
		Msg("session restored")

	return RestoreOutcome{Game: game.Clone(), PlayerID: c.playerID, Refreshed: refreshed}, nil
}
