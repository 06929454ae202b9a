// Package coordinator owns this device's copy of the game. It runs every
// user operation, reconciles sync events from other devices, binds the
// device to a player, and drives the round countdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
	"github.com/mcdev12/blindtasting/go/internal/tasting/relay"
	"github.com/mcdev12/blindtasting/go/internal/tasting/repository"
	"github.com/mcdev12/blindtasting/go/internal/tasting/sessioncache"
)

// Clock is the subset of clockwork.Clock the coordinator uses.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) clockwork.Timer
	NewTicker(d time.Duration) clockwork.Ticker
}

// Store is the shared relational store.
type Store interface {
	Save(ctx context.Context, game *models.Game) error
	SavePlayers(ctx context.Context, game *models.Game, playerIDs ...string) error
	LoadBySessionCode(ctx context.Context, code string) (*models.Game, error)
	SubmitGuess(ctx context.Context, gameID, playerID, roundID, drinkID string) error
}

// CodeGenerator issues session codes; degraded is true for local fallbacks.
type CodeGenerator interface {
	Generate(ctx context.Context) (code string, degraded bool)
}

// Identity yields this device's stable id.
type Identity interface {
	DeviceID() string
}

// Cache is the on-device snapshot store.
type Cache interface {
	Store(game *models.Game)
	Load() (*models.Game, bool)
	Remember(code string, r sessioncache.Reconnect)
	Recall(code string) sessioncache.Reconnect
	Purge()
}

// Deps are the collaborators a Coordinator is built from.
type Deps struct {
	Store    Store
	Relay    relay.Relay
	Codes    CodeGenerator
	Identity Identity
	Cache    Cache
	Clock    Clock
}

type Coordinator struct {
	cfg      Config
	store    Store
	relay    relay.Relay
	codes    CodeGenerator
	identity Identity
	cache    Cache
	clock    Clock
	validate *validator.Validate

	sub     *relay.Subscription
	changed chan struct{}

	// runCtx is used for work the coordinator starts on its own, such as
	// countdown expiry. It is replaced by Run's context.
	runCtx context.Context

	mu         sync.Mutex
	game       *models.Game
	playerID   string // bound player, "" when unresolved
	countdown  *countdown
	lastExpiry roundKey
	endedEarly bool
}

// New builds a coordinator and subscribes it to the relay. Call Run to
// start consuming events.
func New(cfg Config, deps Deps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	c := &Coordinator{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		relay:    deps.Relay,
		codes:    deps.Codes,
		identity: deps.Identity,
		cache:    deps.Cache,
		clock:    deps.Clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		changed:  make(chan struct{}, 1),
		runCtx:   context.Background(),
	}
	c.sub = c.relay.Subscribe()
	return c
}

// Run reconciles relay events until ctx is done or the relay closes.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	log.Info().Str("device_id", c.identity.DeviceID()).Msg("coordinator started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("coordinator shutting down")
			return nil
		case e, ok := <-c.sub.C():
			if !ok {
				log.Warn().Msg("relay subscription closed")
				return nil
			}
			c.HandleEvent(ctx, e)
		}
	}
}

// Close stops the countdown and drops the relay subscription.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancelCountdownLocked()
	c.mu.Unlock()
	c.sub.Unsubscribe()
}

// Changes signals (coalesced) whenever the local game or binding changes.
func (c *Coordinator) Changes() <-chan struct{} {
	return c.changed
}

// Game returns a copy of the local game, or nil.
func (c *Coordinator) Game() *models.Game {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.game.Clone()
}

// CurrentPlayer returns a copy of the player this device is bound to.
func (c *Coordinator) CurrentPlayer() (models.Player, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.currentPlayerLocked()
	if !ok {
		return models.Player{}, false
	}
	return *p.Clone(), true
}

// IdentityResolved reports whether a game is loaded and this device is bound to a player in it.
func (c *Coordinator) IdentityResolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.currentPlayerLocked()
	return ok
}

// IsHost reports whether this device is bound to the host player.
func (c *Coordinator) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHostLocked()
}

// EndedEarly reports whether the completed game was cut short by the host.
func (c *Coordinator) EndedEarly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.game != nil && c.game.IsComplete && c.endedEarly
}

func (c *Coordinator) currentPlayerLocked() (*models.Player, bool) {
	if c.game == nil || c.playerID == "" {
		return nil, false
	}
	return c.game.Player(c.playerID)
}

func (c *Coordinator) isHostLocked() bool {
	p, ok := c.currentPlayerLocked()
	return ok && p.IsHost
}

func (c *Coordinator) requireHostLocked() error {
	if c.game == nil {
		return ErrNoActiveGame
	}
	if !c.isHostLocked() {
		return ErrNotHost
	}
	return nil
}

// commitLocked installs g as the local game and runs the follow-ups every
// state change needs.
func (c *Coordinator) commitLocked(g *models.Game) {
	c.game = g
	if g == nil {
		c.playerID = ""
		c.endedEarly = false
	}
	c.cache.Store(g)
	c.armCountdownLocked()
	c.notify()
}

// bindLocked records the player this device plays as and remembers it for reconnects.
func (c *Coordinator) bindLocked(playerID string) {
	if c.playerID == playerID {
		return
	}
	c.playerID = playerID
	if c.game == nil || playerID == "" {
		c.notify()
		return
	}
	if p, ok := c.game.Player(playerID); ok {
		c.cache.Remember(c.game.SessionCode, sessioncache.Reconnect{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			DeviceID:   c.identity.DeviceID(),
		})
	}
	c.notify()
}

func (c *Coordinator) notify() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// save writes g to the store, classifying failures.
func (c *Coordinator) save(ctx context.Context, g *models.Game) error {
	if err := c.store.Save(ctx, g); err != nil {
		return fmt.Errorf("%w: save game %s: %w", ErrStorage, g.ID, err)
	}
	return nil
}

// savePlayers writes only the given player rows of g.
func (c *Coordinator) savePlayers(ctx context.Context, g *models.Game, playerIDs ...string) error {
	if err := c.store.SavePlayers(ctx, g, playerIDs...); err != nil {
		return fmt.Errorf("%w: save players of game %s: %w", ErrStorage, g.ID, err)
	}
	return nil
}

// mutateLocked applies fn to a copy of the game, makes it local state, then
// persists it. A failed write restores the previous state.
func (c *Coordinator) mutateLocked(ctx context.Context, fn func(g *models.Game) error) (*models.Game, error) {
	prev := c.game
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	c.commitLocked(next)
	if err := c.save(ctx, next); err != nil {
		log.Error().Err(err).Str("game_id", next.ID).Msg("write failed, rolling back local change")
		c.commitLocked(prev)
		return nil, err
	}
	return next, nil
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	c.relay.Publish(ctx, e)
}

func (c *Coordinator) header(g *models.Game) events.Header {
	return events.NewHeader(g, c.clock.Now())
}

func (c *Coordinator) now() models.Millis {
	return models.MillisOf(c.clock.Now())
}

// classifyLoad maps a repository read error onto the error classes.
func classifyLoad(code string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("session %s: %w", code, ErrGameNotFound)
	}
	return fmt.Errorf("%w: load session %s: %w", ErrStorage, code, err)
}
