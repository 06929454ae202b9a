package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// JoinOutcome is the game a device joined and the player it is bound to.
// PlayerID is empty when the name matched nobody under the strict policy.
type JoinOutcome struct {
	Game     *models.Game
	PlayerID string
	Binding  Binding
}

// Join connects this device to the game with the given session code and
// binds it to a player. The game is loaded from the store; when the store
// cannot be read the request goes through the relay to the host instead.
// Only player rows are written back; game progress belongs to the host.
//
// Errors: ErrGameNotFound for an unknown code, ErrNameNotRecognized when the
// strict policy finds no player (the outcome still carries the game, and the
// device stays connected unbound), ErrStorage or ErrJoinTimedOut on I/O
// failure.
func (c *Coordinator) Join(ctx context.Context, code, name string) (JoinOutcome, error) {
	code = models.NormalizeSessionCode(code)
	name = strings.TrimSpace(name)
	if code == "" {
		return JoinOutcome{}, ErrGameNotFound
	}
	deviceID := c.identity.DeviceID()
	storedID := c.cache.Recall(code).PlayerID

	game, err := c.store.LoadBySessionCode(ctx, code)
	if err != nil {
		err = classifyLoad(code, err)
		if errors.Is(err, ErrNotFound) {
			return JoinOutcome{}, err
		}
		log.Warn().Err(err).Str("session_code", code).Msg("store unreachable, asking host over relay")
		game, err = c.joinViaRelay(ctx, code, name, deviceID, err)
		if err != nil {
			return JoinOutcome{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, how := resolvePlayer(game, deviceID, storedID, name)
	var playerID string
	switch {
	case p == nil && c.cfg.JoinPolicy == JoinPermissive && name != "":
		if _, taken := findByName(game, name); taken {
			return JoinOutcome{}, fmt.Errorf("%q: %w", name, ErrDuplicateName)
		}
		np := models.Player{
			ID:          uuid.NewString(),
			Name:        name,
			Guesses:     map[string]string{},
			DeviceID:    deviceID,
			IsConnected: true,
		}
		game.Players = append(game.Players, np)
		if err := c.savePlayers(ctx, game, np.ID); err != nil {
			return JoinOutcome{}, err
		}
		playerID, how = np.ID, BoundByNewPlayer
		c.publish(ctx, events.PlayerJoined{
			Header:     c.header(game),
			PlayerID:   np.ID,
			PlayerName: np.Name,
			DeviceID:   deviceID,
			Game:       game.Clone(),
		})

	case p == nil:
		c.adoptLocked(game, "")
		log.Info().
			Str("game_id", game.ID).
			Str("session_code", code).
			Str("player_name", name).
			Msg("joined without a player, name not recognized")
		return JoinOutcome{Game: game.Clone(), Binding: Unbound}, fmt.Errorf("%q: %w", name, ErrNameNotRecognized)

	case p.DeviceID != deviceID:
		playerID = p.ID
		touched := claimDevice(game, playerID, deviceID)
		if err := c.savePlayers(ctx, game, touched...); err != nil {
			return JoinOutcome{}, err
		}
		c.publish(ctx, events.PlayerAssigned{
			Header:   c.header(game),
			PlayerID: playerID,
			DeviceID: deviceID,
			Game:     game.Clone(),
		})

	default:
		playerID = p.ID
	}

	c.adoptLocked(game, playerID)
	log.Info().
		Str("game_id", game.ID).
		Str("session_code", code).
		Str("player_id", playerID).
		Str("binding", how.String()).
		Int("current_round", game.CurrentRound).
		Msg("joined game")
	return JoinOutcome{Game: game.Clone(), PlayerID: playerID, Binding: how}, nil
}

// adoptLocked makes g the local game bound to playerID, dropping the
// binding of any different game held before.
func (c *Coordinator) adoptLocked(g *models.Game, playerID string) {
	if c.game == nil || c.game.ID != g.ID {
		c.playerID = ""
		c.endedEarly = false
	}
	c.commitLocked(g)
	c.bindLocked(playerID)
}

// joinViaRelay asks the host for the game and waits for a snapshot that
// binds this device, or for the host's refusal addressed to it. If neither
// arrives before the timeout, the last snapshot seen for the code is used,
// and Join resolves the name against it.
func (c *Coordinator) joinViaRelay(ctx context.Context, code, name, deviceID string, cause error) (*models.Game, error) {
	sub := c.relay.Subscribe()
	defer sub.Unsubscribe()

	c.publish(ctx, events.JoinRequested{
		Header:     events.Header{SessionCode: code, Timestamp: c.now()},
		PlayerName: name,
		DeviceID:   deviceID,
	})

	timer := c.clock.NewTimer(c.cfg.JoinTimeout)
	defer timer.Stop()

	var seen *models.Game
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrJoinTimedOut, ctx.Err())
		case <-timer.Chan():
			if seen != nil {
				return seen, nil
			}
			log.Warn().Str("session_code", code).Dur("timeout", c.cfg.JoinTimeout).Msg("no answer to join request")
			return nil, fmt.Errorf("%w (store: %v)", ErrJoinTimedOut, cause)
		case e, ok := <-sub.C():
			if !ok {
				return nil, fmt.Errorf("%w (store: %v)", ErrJoinTimedOut, cause)
			}
			g := events.Snapshot(e)
			if g == nil || g.SessionCode != code {
				continue
			}
			if _, ok := g.PlayerByDevice(deviceID); ok {
				return g.Clone(), nil
			}
			if pj, ok := e.(events.PlayerJoined); ok && pj.PlayerID == "" && pj.DeviceID == deviceID {
				// the host answered without admitting us
				return g.Clone(), nil
			}
			seen = g.Clone()
		}
	}
}
