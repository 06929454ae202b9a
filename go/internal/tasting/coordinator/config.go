package coordinator

import (
	"fmt"
	"time"

	"github.com/mcdev12/blindtasting/go/internal/models"
)

// JoinPolicy decides what happens when a joining name matches no player.
type JoinPolicy string

const (
	// JoinStrict rejects the join and leaves the device unbound.
	JoinStrict JoinPolicy = "strict"
	// JoinPermissive adds a new player with that name.
	JoinPermissive JoinPolicy = "permissive"
)

type Config struct {
	// MinPlayers is the number of non-host players required to start.
	MinPlayers            int
	JoinPolicy            JoinPolicy
	DefaultRoundTimeLimit time.Duration
	// JoinTimeout bounds the relay-only join when the store is unreachable.
	JoinTimeout  time.Duration
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinPlayers:            1,
		JoinPolicy:            JoinStrict,
		DefaultRoundTimeLimit: models.DefaultRoundTimeLimitSec * time.Second,
		JoinTimeout:           5 * time.Second,
		TickInterval:          time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinPlayers <= 0 {
		c.MinPlayers = d.MinPlayers
	}
	if c.JoinPolicy == "" {
		c.JoinPolicy = d.JoinPolicy
	}
	if c.DefaultRoundTimeLimit <= 0 {
		c.DefaultRoundTimeLimit = d.DefaultRoundTimeLimit
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

// ParseJoinPolicy accepts "strict" or "permissive".
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch p := JoinPolicy(s); p {
	case JoinStrict, JoinPermissive:
		return p, nil
	default:
		return "", fmt.Errorf("unknown join policy %q", s)
	}
}
