package relay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

// Redis relays events over a Redis pub/sub channel. The subscriber uses its
// own connection, so the publisher hears itself.
type Redis struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	fan     *fanout
	done    chan struct{}
}

// DialRedis connects using a redis:// URL and subscribes to channel.
func DialRedis(ctx context.Context, url, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(ctx, redis.NewClient(opts), channel)
}

// NewRedis wraps an existing client.
func NewRedis(ctx context.Context, client *redis.Client, channel string) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so early publishes are not missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r := &Redis{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		fan:     newFanout(),
		done:    make(chan struct{}),
	}
	go r.listen()

	log.Info().Str("channel", channel).Msg("redis relay subscribed")
	return r, nil
}

func (r *Redis) listen() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		r.fan.decodeAndDeliver(KindRedis, []byte(msg.Payload))
	}
	log.Info().Str("channel", r.channel).Msg("redis relay unsubscribed")
}

func (r *Redis) Publish(ctx context.Context, e events.Event) {
	data, ok := encode(KindRedis, e)
	if !ok {
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(e.Kind())).
			Str("session_code", e.Head().SessionCode).
			Msg("redis publish failed, event not delivered")
	}
}

func (r *Redis) Subscribe() *Subscription {
	return r.fan.subscribe()
}

func (r *Redis) Close() error {
	err := r.pubsub.Close()
	<-r.done
	r.fan.close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
