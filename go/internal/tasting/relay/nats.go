package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

const (
	natsMaxReconnects = -1 // reconnect forever
	natsReconnectWait = 2 * time.Second
)

// NATS relays events over a core NATS subject. A connection receives its
// own publishes, which gives the required self-delivery.
type NATS struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	fan     *fanout
}

// DialNATS connects to url and subscribes to subject.
func DialNATS(url, subject string) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("tasting-device"),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	r := &NATS{nc: nc, subject: subject, fan: newFanout()}
	r.sub, err = nc.Subscribe(subject, func(msg *nats.Msg) {
		r.fan.decodeAndDeliver(KindNATS, msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	log.Info().Str("subject", subject).Msg("NATS relay subscribed")
	return r, nil
}

func (r *NATS) Publish(_ context.Context, e events.Event) {
	if !r.nc.IsConnected() {
		log.Warn().
			Str("kind", string(e.Kind())).
			Str("session_code", e.Head().SessionCode).
			Msg("NATS not connected, event not published")
		return
	}
	data, ok := encode(KindNATS, e)
	if !ok {
		return
	}

	err := r.nc.PublishMsg(&nats.Msg{
		Subject: r.subject,
		Data:    data,
		Header: nats.Header{
			"Event-Kind":   []string{string(e.Kind())},
			"Session-Code": []string{e.Head().SessionCode},
		},
	})
	if err != nil {
		log.Warn().Err(err).Str("kind", string(e.Kind())).Msg("NATS publish failed")
	}
}

func (r *NATS) Subscribe() *Subscription {
	return r.fan.subscribe()
}

func (r *NATS) Close() error {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("NATS unsubscribe failed")
		}
	}
	r.nc.Close()
	r.fan.close()
	return nil
}
