package coordinator

import (
	"context"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// HandleEvent merges one sync event into the local game. Events for another
// game are dropped. Every merge is idempotent, so duplicates and our own
// echoes are harmless.
func (c *Coordinator) HandleEvent(ctx context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.game
	if g == nil {
		log.Debug().Str("kind", string(e.Kind())).Msg("no local game, ignoring event")
		return
	}
	if !e.Head().Routes(g.SessionCode, g.ID) {
		log.Debug().
			Str("kind", string(e.Kind())).
			Str("session_code", e.Head().SessionCode).
			Str("local_session_code", g.SessionCode).
			Msg("event for another game, ignoring")
		return
	}

	host := c.isHostLocked()
	next := g.Clone()
	ts := e.Head().Timestamp
	var rebind, republish bool

	switch ev := e.(type) {
	case events.JoinRequested:
		if host {
			c.answerJoinLocked(ctx, ev.Header, ev.PlayerName, ev.DeviceID)
		}
		return

	case events.PlayerJoined:
		switch {
		case ev.Game != nil && !host:
			next = adoptSnapshot(g, ev.Game)
			rebind = true
		case ev.Game != nil:
			republish = mergePlayers(next, ev.Game)
		case host:
			// bare form, treat as a request
			c.answerJoinLocked(ctx, ev.Header, ev.PlayerName, ev.DeviceID)
			return
		case ev.PlayerID != "":
			if _, ok := next.Player(ev.PlayerID); !ok {
				next.Players = append(next.Players, models.Player{
					ID:       ev.PlayerID,
					Name:     ev.PlayerName,
					Guesses:  map[string]string{},
					DeviceID: ev.DeviceID,
				})
			}
		}

	case events.PlayerAssigned:
		if _, ok := next.Player(ev.PlayerID); !ok && ev.Game != nil {
			mergePlayers(next, ev.Game)
		}
		if _, ok := next.Player(ev.PlayerID); ok && ev.DeviceID != "" {
			claimDevice(next, ev.PlayerID, ev.DeviceID)
		}
		rebind = true
		republish = host

	case events.GameStarted:
		applyProgress(next, ev.Game, 0, "", ts)

	case events.RoundStarted:
		applyProgress(next, ev.Game, ev.RoundIndex, ev.RoundID, ts)

	case events.VoteSubmitted:
		addGuess(next, ev.PlayerID, ev.RoundID, ev.DrinkID)

	case events.RoundEnded:
		idx := next.RoundIndex(ev.RoundID)
		if idx < 0 {
			idx = ev.RoundIndex
		}
		if idx >= 0 && idx < len(next.Rounds) && next.Rounds[idx].EndTime == nil {
			next.Rounds[idx].EndTime = stamp(ts)
		}

	case events.GameCompleted:
		if ev.Game != nil {
			fillRoundTimes(next, ev.Game)
		}
		if !next.IsComplete {
			if r, ok := next.Current(); ok && r.EndTime == nil {
				r.EndTime = stamp(ts)
			}
			next.IsComplete = true
			c.endedEarly = ev.EndedEarly
		}

	case events.GameStateUpdated:
		if ev.Game == nil {
			return
		}
		if host {
			mergePlayers(next, ev.Game)
		} else {
			next = adoptSnapshot(g, ev.Game)
			rebind = true
		}
	}

	if !cmp.Equal(g, next, cmpopts.EquateEmpty()) {
		log.Debug().
			Str("kind", string(e.Kind())).
			Str("game_id", next.ID).
			Int("current_round", next.CurrentRound).
			Bool("complete", next.IsComplete).
			Msg("applied sync event")
		c.commitLocked(next)
	}
	if rebind {
		c.rebindLocked()
	}
	if republish {
		c.publish(ctx, events.GameStateUpdated{Header: c.header(c.game), Game: c.game.Clone()})
	}
}

// rebindLocked re-runs the device and stored-id binding steps against the
// local game, keeping the current binding if nothing better is found.
func (c *Coordinator) rebindLocked() {
	g := c.game
	p, _ := resolvePlayer(g, c.identity.DeviceID(), c.cache.Recall(g.SessionCode).PlayerID, "")
	switch {
	case p != nil:
		c.bindLocked(p.ID)
	case c.playerID != "":
		if _, ok := g.Player(c.playerID); !ok {
			c.bindLocked("")
		}
	}
}

// answerJoinLocked admits a guest who asked over the relay. Host only.
func (c *Coordinator) answerJoinLocked(ctx context.Context, h events.Header, name, deviceID string) {
	g := c.game
	name = strings.TrimSpace(name)
	next := g.Clone()

	var pid string
	p, how := resolvePlayer(next, deviceID, "", name)
	switch {
	case p != nil && p.IsHost:
		c.refuseJoinLocked(ctx, h, name, deviceID, "join request matched the host")
		return
	case p != nil:
		pid = p.ID
		if deviceID != "" {
			claimDevice(next, pid, deviceID)
		}
	case c.cfg.JoinPolicy == JoinPermissive && name != "":
		if _, taken := findByName(next, name); taken {
			c.refuseJoinLocked(ctx, h, name, deviceID, "join request for a name held by another device")
			return
		}
		pid, how = uuid.NewString(), BoundByNewPlayer
		next.Players = append(next.Players, models.Player{
			ID:          pid,
			Name:        name,
			Guesses:     map[string]string{},
			DeviceID:    deviceID,
			IsConnected: deviceID != "",
		})
	default:
		c.refuseJoinLocked(ctx, h, name, deviceID, "join request matched no player")
		return
	}

	if err := c.save(ctx, next); err != nil {
		log.Warn().Err(err).Str("game_id", next.ID).Msg("could not persist relayed join")
	}
	c.commitLocked(next)

	log.Info().
		Str("game_id", next.ID).
		Str("player_id", pid).
		Str("binding", how.String()).
		Msg("answered join request")
	joined, _ := next.Player(pid)
	c.publish(ctx, events.PlayerJoined{
		Header:     c.header(next),
		PlayerID:   pid,
		PlayerName: joined.Name,
		DeviceID:   deviceID,
		Game:       next.Clone(),
	})
}

// refuseJoinLocked answers a join request that admits nobody with the current
// snapshot and no player id, so the guest resolves the name itself and gets
// the matching error instead of a timeout.
func (c *Coordinator) refuseJoinLocked(ctx context.Context, h events.Header, name, deviceID, reason string) {
	log.Info().
		Str("session_code", h.SessionCode).
		Str("player_name", name).
		Msg(reason)
	c.publish(ctx, events.PlayerJoined{
		Header:     c.header(c.game),
		PlayerName: name,
		DeviceID:   deviceID,
		Game:       c.game.Clone(),
	})
}

// adoptSnapshot takes snap as the new local game, keeping any local guess
// the snapshot has not caught up with yet. Guesses only ever grow. A
// snapshot behind local progress only contributes players and guesses.
func adoptSnapshot(local, snap *models.Game) *models.Game {
	if behind(snap, local) {
		out := local.Clone()
		mergePlayers(out, snap)
		fillRoundTimes(out, snap)
		return out
	}
	out := snap.Clone()
	for _, p := range local.Players {
		for roundID, drinkID := range p.Guesses {
			addGuess(out, p.ID, roundID, drinkID)
		}
	}
	return out
}

// behind reports whether snap describes an earlier point of the same game than g.
func behind(snap, g *models.Game) bool {
	if snap.ID != g.ID {
		return false
	}
	if g.IsComplete && !snap.IsComplete {
		return true
	}
	return snap.CurrentRound < g.CurrentRound
}

// mergePlayers adds players from snap that g does not know, and any guesses
// and device ids g is missing. It reports whether g changed.
func mergePlayers(g, snap *models.Game) bool {
	changed := false
	for _, sp := range snap.Players {
		p, ok := g.Player(sp.ID)
		if !ok {
			g.Players = append(g.Players, *sp.Clone())
			changed = true
			continue
		}
		if p.DeviceID == "" && sp.DeviceID != "" {
			if _, taken := g.PlayerByDevice(sp.DeviceID); !taken {
				p.DeviceID = sp.DeviceID
				p.IsConnected = sp.IsConnected
				changed = true
			}
		}
		for roundID, drinkID := range sp.Guesses {
			if addGuess(g, sp.ID, roundID, drinkID) {
				changed = true
			}
		}
	}
	return changed
}

// applyProgress moves g forward to the round announced by a start event.
// It never moves backwards and never reopens a completed game.
func applyProgress(g, snap *models.Game, idx int, roundID string, ts models.Millis) {
	if g.IsComplete {
		return
	}
	if snap != nil {
		if snap.CurrentRound < g.CurrentRound {
			return
		}
		fillRoundTimes(g, snap)
		g.CurrentRound = snap.CurrentRound
		return
	}

	if i := g.RoundIndex(roundID); i >= 0 {
		idx = i
	}
	if idx < g.CurrentRound || idx < 0 || idx >= len(g.Rounds) {
		return
	}
	if idx > 0 && g.Rounds[idx-1].EndTime == nil {
		g.Rounds[idx-1].EndTime = stamp(ts)
	}
	if g.Rounds[idx].StartTime == nil {
		g.Rounds[idx].StartTime = stamp(ts)
	}
	g.CurrentRound = idx
}

// fillRoundTimes copies start and end times g does not have yet from snap,
// matching rounds by id.
func fillRoundTimes(g, snap *models.Game) {
	for i := range g.Rounds {
		j := snap.RoundIndex(g.Rounds[i].ID)
		if j < 0 {
			continue
		}
		src := snap.Rounds[j]
		if g.Rounds[i].StartTime == nil && src.StartTime != nil {
			g.Rounds[i].StartTime = stamp(*src.StartTime)
		}
		if g.Rounds[i].EndTime == nil && src.EndTime != nil {
			g.Rounds[i].EndTime = stamp(*src.EndTime)
		}
	}
}

func stamp(m models.Millis) *models.Millis {
	return &m
}
