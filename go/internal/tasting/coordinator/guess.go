package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// SubmitGuess records playerID's answer for roundID. Guesses are write-once:
// a second submission for the same round is rejected.
//
// The guess is applied locally first, then written to the store; a failed
// write undoes the local change and returns ErrStorage.
func (c *Coordinator) SubmitGuess(ctx context.Context, playerID, roundID, drinkID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.game
	if g == nil {
		return ErrNoActiveGame
	}
	p, ok := g.Player(playerID)
	if !ok {
		return fmt.Errorf("%q: %w", playerID, ErrPlayerNotFound)
	}
	if p.IsHost {
		return ErrHostCannotGuess
	}
	if c.playerID != "" && c.playerID != playerID {
		return ErrIdentityMismatch
	}
	if !g.Started() {
		return ErrGameNotStarted
	}
	if g.IsComplete {
		return ErrGameComplete
	}
	idx := g.RoundIndex(roundID)
	if idx < 0 {
		return fmt.Errorf("%q: %w", roundID, ErrRoundNotFound)
	}
	if idx > g.CurrentRound {
		return ErrRoundNotOpen
	}
	if _, ok := g.Drink(drinkID); !ok {
		return fmt.Errorf("%q: %w", drinkID, ErrDrinkNotFound)
	}
	if p.HasGuessed(roundID) {
		return ErrRoundAlreadyAnswered
	}

	prev := g
	next := g.Clone()
	np, _ := next.Player(playerID)
	np.Guesses[roundID] = drinkID
	c.commitLocked(next)

	if err := c.store.SubmitGuess(ctx, next.ID, playerID, roundID, drinkID); err != nil {
		c.commitLocked(prev)
		log.Error().Err(err).
			Str("game_id", next.ID).
			Str("player_id", playerID).
			Str("round_id", roundID).
			Msg("guess write failed, rolling back")
		return fmt.Errorf("%w: submit guess: %w", ErrStorage, err)
	}

	log.Info().
		Str("game_id", next.ID).
		Str("player_id", playerID).
		Int("round_index", idx).
		Msg("guess submitted")
	c.publish(ctx, events.VoteSubmitted{
		Header:   c.header(next),
		PlayerID: playerID,
		RoundID:  roundID,
		DrinkID:  drinkID,
	})
	return nil
}

// addGuess merges one guess without overwriting. It reports whether g changed.
func addGuess(g *models.Game, playerID, roundID, drinkID string) bool {
	p, ok := g.Player(playerID)
	if !ok || p.IsHost || g.RoundIndex(roundID) < 0 || drinkID == "" {
		return false
	}
	if p.HasGuessed(roundID) {
		return false
	}
	if p.Guesses == nil {
		p.Guesses = map[string]string{}
	}
	p.Guesses[roundID] = drinkID
	return true
}
