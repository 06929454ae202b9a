// Package sessioncache keeps the last known game snapshot and the
// per-session reconnection hints on the device.
package sessioncache

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/kvstore"
	"github.com/mcdev12/blindtasting/go/internal/models"
)

const (
	KeySnapshot      = "gameSession"
	KeyLastActive    = "lastActiveSession"
	KeyLastJoined    = "lastJoinedSession"
	prefixPlayerID   = "player:"
	prefixPlayerName = "playerName:"
	prefixDevice     = "device:"
)

// Cache is a best-effort snapshot store. Failures are logged, never returned.
type Cache struct {
	kv kvstore.Store
}

func New(kv kvstore.Store) *Cache {
	return &Cache{kv: kv}
}

// Store persists game, or clears the snapshot when game is nil.
func (c *Cache) Store(game *models.Game) {
	if game == nil {
		c.del(KeySnapshot)
		c.del(KeyLastActive)
		return
	}

	data, err := json.Marshal(game)
	if err != nil {
		log.Warn().Err(err).Str("game_id", game.ID).Msg("failed to encode game snapshot")
		return
	}
	c.set(KeySnapshot, string(data))
	if game.SessionCode != "" {
		c.set(KeyLastActive, game.SessionCode)
	}
}

// Load returns the stored snapshot. A corrupt payload is dropped and reported as absent.
func (c *Cache) Load() (*models.Game, bool) {
	raw, ok := c.get(KeySnapshot)
	if !ok {
		return nil, false
	}

	var game models.Game
	if err := json.Unmarshal([]byte(raw), &game); err != nil || game.ID == "" {
		log.Warn().Err(err).Msg("discarding corrupt game snapshot")
		c.del(KeySnapshot)
		return nil, false
	}
	return &game, true
}

// Reconnect holds what this device remembers about one session.
type Reconnect struct {
	PlayerID   string
	PlayerName string
	DeviceID   string
}

// Remember records the player this device bound to in the session.
func (c *Cache) Remember(code string, r Reconnect) {
	if r.PlayerID != "" {
		c.set(prefixPlayerID+code, r.PlayerID)
	}
	if r.PlayerName != "" {
		c.set(prefixPlayerName+code, r.PlayerName)
	}
	if r.DeviceID != "" {
		c.set(prefixDevice+code, r.DeviceID)
	}
	c.set(KeyLastJoined, code)
}

// Recall returns the reconnection hints stored for code.
func (c *Cache) Recall(code string) Reconnect {
	id, _ := c.get(prefixPlayerID + code)
	name, _ := c.get(prefixPlayerName + code)
	dev, _ := c.get(prefixDevice + code)
	return Reconnect{PlayerID: id, PlayerName: name, DeviceID: dev}
}

// LastJoined returns the most recently joined session code.
func (c *Cache) LastJoined() (string, bool) {
	return c.get(KeyLastJoined)
}

// Purge removes the snapshot and every session-scoped key. The device id survives.
func (c *Cache) Purge() {
	c.del(KeySnapshot)
	c.del(KeyLastActive)
	c.del(KeyLastJoined)

	for _, prefix := range []string{prefixPlayerID, prefixPlayerName, prefixDevice} {
		keys, err := c.kv.Keys(prefix)
		if err != nil {
			log.Warn().Err(err).Str("prefix", prefix).Msg("failed to list session keys")
			continue
		}
		for _, k := range keys {
			c.del(k)
		}
	}
	log.Info().Msg("session cache purged")
}

func (c *Cache) get(key string) (string, bool) {
	v, ok, err := c.kv.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("session cache read failed")
		return "", false
	}
	return v, ok
}

func (c *Cache) set(key, value string) {
	if err := c.kv.Set(key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("session cache write failed")
	}
}

func (c *Cache) del(key string) {
	if err := c.kv.Delete(key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("session cache delete failed")
	}
}
