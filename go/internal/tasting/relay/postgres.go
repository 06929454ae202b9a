package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

const (
	pgMinReconnect = 10 * time.Second
	pgMaxReconnect = time.Minute
	pgPingInterval = 90 * time.Second
	// NOTIFY payloads must be shorter than 8000 bytes.
	pgMaxPayload = 7999
)

// Postgres relays events with LISTEN/NOTIFY on the shared store's server,
// for setups that have a database but no broker.
type Postgres struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string
	fan      *fanout

	cancel context.CancelFunc
	done   chan struct{}
}

// DialPostgres connects to dsn and listens on channel.
func DialPostgres(ctx context.Context, dsn, channel string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	l := pq.NewListener(dsn, pgMinReconnect, pgMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Error().Err(err).Msg("postgres listener event")
		}
	})
	if err := l.Listen(channel); err != nil {
		l.Close()
		db.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		db:       db,
		listener: l,
		channel:  channel,
		fan:      newFanout(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.listen(listenCtx)

	log.Info().Str("channel", channel).Msg("postgres relay listening")
	return p, nil
}

func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	ping := time.NewTicker(pgPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-p.listener.Notify:
			if note == nil {
				// connection was re-established; anything sent meanwhile is lost
				log.Warn().Str("channel", p.channel).Msg("postgres listener reconnected")
				continue
			}
			p.fan.decodeAndDeliver(KindPostgres, []byte(note.Extra))
		case <-ping.C:
			if err := p.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (p *Postgres) Publish(ctx context.Context, e events.Event) {
	data, ok := encode(KindPostgres, e)
	if !ok {
		return
	}
	if len(data) > pgMaxPayload {
		log.Warn().
			Str("kind", string(e.Kind())).
			Int("size", len(data)).
			Msg("event too large for NOTIFY, not published")
		return
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, string(data)); err != nil {
		log.Warn().Err(err).Str("kind", string(e.Kind())).Msg("postgres notify failed")
	}
}

func (p *Postgres) Subscribe() *Subscription {
	return p.fan.subscribe()
}

func (p *Postgres) Close() error {
	p.cancel()
	<-p.done
	p.fan.close()
	err := p.listener.Close()
	if cerr := p.db.Close(); err == nil {
		err = cerr
	}
	return err
}
