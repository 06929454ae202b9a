// Package relay broadcasts sync events to every device on a shared channel,
// the publisher included. Delivery is best effort: nothing here returns a
// publish error, failures are logged and the next snapshot reconciles.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// Transport kinds accepted by Open.
const (
	KindLocal     = "local"
	KindNATS      = "nats"
	KindRedis     = "redis"
	KindWebSocket = "websocket"
	KindPostgres  = "postgres"
)

// DefaultSubject is the channel name used when none is configured.
const DefaultSubject = "tasting.sync"

const subscriptionBuffer = 64

// Relay is a fire-and-forget pub/sub client.
type Relay interface {
	// Publish sends e to all subscribers of the channel, including this one.
	Publish(ctx context.Context, e events.Event)
	// Subscribe registers a new receiver for every incoming event.
	Subscribe() *Subscription
	Close() error
}

// Config selects and addresses a transport.
type Config struct {
	Kind    string `yaml:"kind"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Open connects the configured transport. KindLocal attaches to bus.
func Open(ctx context.Context, cfg Config, bus *LocalBus) (Relay, error) {
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}

	switch cfg.Kind {
	case KindLocal, "":
		if bus == nil {
			bus = NewLocalBus()
		}
		return bus.Connect(), nil
	case KindNATS:
		return DialNATS(cfg.URL, subject)
	case KindRedis:
		return DialRedis(ctx, cfg.URL, subject)
	case KindWebSocket:
		return DialWebSocket(ctx, cfg.URL), nil
	case KindPostgres:
		return DialPostgres(ctx, cfg.URL, subject)
	default:
		return nil, fmt.Errorf("unknown relay kind %q", cfg.Kind)
	}
}

// Subscription receives events until Unsubscribe or relay Close.
type Subscription struct {
	ch   chan events.Event
	fan  *fanout
	once sync.Once
}

// C is closed once the subscription ends.
func (s *Subscription) C() <-chan events.Event {
	return s.ch
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.fan.remove(s)
	})
}

// fanout hands each decoded event to every live subscription.
type fanout struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[*Subscription]struct{})}
}

func (f *fanout) subscribe() *Subscription {
	s := &Subscription{ch: make(chan events.Event, subscriptionBuffer), fan: f}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(s.ch)
		return s
	}
	f.subs[s] = struct{}{}
	return s
}

func (f *fanout) remove(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		close(s.ch)
	}
}

func (f *fanout) deliver(e events.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		select {
		case s.ch <- e:
		default:
			log.Warn().
				Str("kind", string(e.Kind())).
				Str("session_code", e.Head().SessionCode).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		close(s.ch)
	}
}

// decodeAndDeliver is the shared inbound path for wire transports.
func (f *fanout) decodeAndDeliver(source string, data []byte) {
	e, err := events.Unmarshal(data)
	if err != nil {
		log.Warn().Err(err).Str("relay", source).Msg("dropping undecodable relay message")
		return
	}
	f.deliver(e)
}

func encode(source string, e events.Event) ([]byte, bool) {
	data, err := events.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Str("relay", source).Str("kind", string(e.Kind())).Msg("failed to encode event")
		return nil, false
	}
	return data, true
}
