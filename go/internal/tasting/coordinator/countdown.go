package coordinator

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/models"
)

// roundKey ties a countdown to one round of one game. A countdown whose key
// no longer matches the live round never acts.
type roundKey struct {
	gameID  string
	roundID string
	index   int
	start   models.Millis
}

type countdown struct {
	key    roundKey
	ticker clockwork.Ticker
	stop   chan struct{}
	// retry delays acting on an already-expired round by one tick, so a
	// failed advance is retried at tick pace.
	retry bool

	mu        sync.Mutex
	remaining time.Duration
}

func (cd *countdown) setRemaining(d time.Duration) {
	cd.mu.Lock()
	cd.remaining = d
	cd.mu.Unlock()
}

func (cd *countdown) get() time.Duration {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.remaining
}

// Remaining returns the time left in the current round, if a countdown runs.
func (c *Coordinator) Remaining() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countdown == nil {
		return 0, false
	}
	return c.countdown.get(), true
}

func (c *Coordinator) roundLimit(g *models.Game, r *models.Round) time.Duration {
	if (r.TimeLimit == nil || *r.TimeLimit <= 0) && g.RoundTimeLimit <= 0 {
		return c.cfg.DefaultRoundTimeLimit
	}
	return g.EffectiveTimeLimit(r)
}

// armCountdownLocked makes the running countdown match the current round:
// it keeps one already tracking this round and otherwise replaces it.
func (c *Coordinator) armCountdownLocked() {
	g := c.game
	if g == nil || !g.Active() || !g.EnableTimeLimit {
		c.cancelCountdownLocked()
		return
	}
	r, ok := g.Current()
	if !ok || r.StartTime == nil {
		c.cancelCountdownLocked()
		return
	}
	limit := c.roundLimit(g, r)
	if limit <= 0 {
		c.cancelCountdownLocked()
		return
	}

	key := roundKey{gameID: g.ID, roundID: r.ID, index: g.CurrentRound, start: *r.StartTime}
	if c.countdown != nil && c.countdown.key == key {
		return
	}
	c.cancelCountdownLocked()

	cd := &countdown{
		key:    key,
		ticker: c.clock.NewTicker(c.cfg.TickInterval),
		stop:   make(chan struct{}),
		retry:  c.lastExpiry == key,
	}
	start := r.StartTime.Time()
	cd.setRemaining(remainingAt(c.clock, start, limit))
	c.countdown = cd

	log.Debug().
		Str("game_id", key.gameID).
		Str("round_id", key.roundID).
		Int("round_index", key.index).
		Dur("limit", limit).
		Msg("countdown armed")

	go c.runCountdown(cd, start, limit)
}

// cancelCountdownLocked stops the ticker without waiting for its goroutine,
// which may itself be blocked on c.mu.
func (c *Coordinator) cancelCountdownLocked() {
	if c.countdown == nil {
		return
	}
	close(c.countdown.stop)
	c.countdown.ticker.Stop()
	c.countdown = nil
}

func remainingAt(clock Clock, start time.Time, limit time.Duration) time.Duration {
	return max(0, limit-clock.Since(start))
}

func (c *Coordinator) runCountdown(cd *countdown, start time.Time, limit time.Duration) {
	for {
		rem := remainingAt(c.clock, start, limit)
		cd.setRemaining(rem)
		c.notify()
		if rem == 0 && !cd.retry {
			select {
			case <-cd.stop:
			default:
				c.onExpired(cd)
			}
			return
		}
		cd.retry = false

		select {
		case <-cd.stop:
			return
		case <-cd.ticker.Chan():
		}
	}
}

// onExpired advances or completes the game, but only on the host device and
// only if cd still tracks the live round.
func (c *Coordinator) onExpired(cd *countdown) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.countdown != cd {
		log.Debug().Str("round_id", cd.key.roundID).Msg("ignoring expiry of a superseded countdown")
		return
	}
	g := c.game
	if g == nil || g.ID != cd.key.gameID || g.IsComplete || g.CurrentRound != cd.key.index {
		return
	}
	if !c.isHostLocked() {
		log.Debug().Str("round_id", cd.key.roundID).Msg("round time expired, waiting for host")
		return
	}

	c.lastExpiry = cd.key
	ctx := c.runCtx
	log.Info().
		Str("game_id", g.ID).
		Str("round_id", cd.key.roundID).
		Int("round_index", cd.key.index).
		Bool("last_round", g.OnLastRound()).
		Msg("round time expired")

	var err error
	if g.OnLastRound() {
		err = c.finishLocked(ctx, false)
	} else {
		err = c.advanceLocked(ctx)
	}
	if err != nil {
		log.Error().Err(err).Str("game_id", g.ID).Msg("failed to act on round expiry")
	}
}
