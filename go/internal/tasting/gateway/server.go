package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Handler exposes the hub over HTTP:
//
//	/ws?channel=NAME   websocket upgrade, channel defaults to "default"
//	/stats             open connections per channel
//	/health
func Handler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			channel = "default"
		}
		if err := h.Upgrade(w, r, channel); err != nil {
			// the upgrader has already written the HTTP error
			log.Error().Err(err).Str("channel", channel).Msg("failed to upgrade websocket connection")
		}
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(h.Stats()); err != nil {
			log.Error().Err(err).Msg("failed to write stats")
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// NewServer wraps Handler in an http.Server listening on addr.
func NewServer(addr string, h *Hub) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     Handler(h),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
}
