package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// LocalBus is an in-process channel shared by several Local relays.
// Events cross it in wire form so no two devices share game pointers.
type LocalBus struct {
	mu      sync.RWMutex
	members map[*Local]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{members: make(map[*Local]struct{})}
}

// Connect attaches a new device to the bus.
func (b *LocalBus) Connect() *Local {
	l := &Local{bus: b, fan: newFanout(), online: true}
	b.mu.Lock()
	b.members[l] = struct{}{}
	b.mu.Unlock()
	return l
}

func (b *LocalBus) broadcast(data []byte) {
	b.mu.RLock()
	members := make([]*Local, 0, len(b.members))
	for m := range b.members {
		members = append(members, m)
	}
	b.mu.RUnlock()

	for _, m := range members {
		if m.Online() {
			m.fan.decodeAndDeliver(KindLocal, data)
		}
	}
}

// Local is one device's view of a LocalBus.
type Local struct {
	bus *LocalBus
	fan *fanout

	mu     sync.RWMutex
	online bool
}

func (l *Local) Publish(_ context.Context, e events.Event) {
	if !l.Online() {
		log.Warn().Str("kind", string(e.Kind())).Msg("relay offline, event not published")
		return
	}
	data, ok := encode(KindLocal, e)
	if !ok {
		return
	}
	l.bus.broadcast(data)
}

func (l *Local) Subscribe() *Subscription {
	return l.fan.subscribe()
}

// SetOnline simulates losing or regaining the channel. Offline devices
// neither send nor receive.
func (l *Local) SetOnline(online bool) {
	l.mu.Lock()
	l.online = online
	l.mu.Unlock()
}

func (l *Local) Online() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.online
}

func (l *Local) Close() error {
	l.bus.mu.Lock()
	delete(l.bus.members, l)
	l.bus.mu.Unlock()
	l.fan.close()
	return nil
}
