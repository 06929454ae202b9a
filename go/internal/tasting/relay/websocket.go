package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/tasting/events"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = (wsPongWait * 9) / 10
	wsRedialMin      = 500 * time.Millisecond
	wsRedialMax      = 15 * time.Second
	wsSendBufferSize = 256
)

// WebSocket relays through a gateway hub that echoes every message to every
// connection. It redials in the background until closed.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
	fan    *fanout

	mu   sync.RWMutex
	send chan []byte // nil while disconnected

	cancel context.CancelFunc
	done   chan struct{}
}

// DialWebSocket starts connecting to url and returns immediately.
func DialWebSocket(ctx context.Context, url string) *WebSocket {
	ctx, cancel := context.WithCancel(ctx)
	w := &WebSocket{
		url:    url,
		dialer: websocket.DefaultDialer,
		fan:    newFanout(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// Connected reports whether a gateway connection is currently up.
func (w *WebSocket) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.send != nil
}

func (w *WebSocket) run(ctx context.Context) {
	defer close(w.done)

	backoff := wsRedialMin
	for {
		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("url", w.url).Dur("retry_in", backoff).Msg("relay gateway unreachable")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, wsRedialMax)
			continue
		}

		backoff = wsRedialMin
		log.Info().Str("url", w.url).Msg("relay gateway connected")
		w.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("url", w.url).Msg("relay gateway connection lost, redialing")
	}
}

// serve pumps one connection until it fails or ctx ends.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, wsSendBufferSize)
	w.mu.Lock()
	w.send = send
	w.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Msg("relay gateway read failed")
				}
				return
			}
			w.fan.decodeAndDeliver(KindWebSocket, data)
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		w.mu.Lock()
		w.send = nil
		w.mu.Unlock()
		conn.Close()
		<-readDone
	}()

	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Msg("relay gateway write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (w *WebSocket) Publish(_ context.Context, e events.Event) {
	data, ok := encode(KindWebSocket, e)
	if !ok {
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.send == nil {
		log.Warn().
			Str("kind", string(e.Kind())).
			Str("session_code", e.Head().SessionCode).
			Msg("relay gateway not connected, event not published")
		return
	}
	select {
	case w.send <- data:
	default:
		log.Warn().Str("kind", string(e.Kind())).Msg("relay send buffer full, dropping event")
	}
}

func (w *WebSocket) Subscribe() *Subscription {
	return w.fan.subscribe()
}

func (w *WebSocket) Close() error {
	w.cancel()
	<-w.done
	w.fan.close()
	return nil
}
