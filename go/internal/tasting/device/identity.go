package device

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/kvstore"
)

// KeyDeviceID is the on-device key holding this device's identity.
const KeyDeviceID = "deviceId"

// IdentityStore hands out the stable per-device identifier.
type IdentityStore struct {
	kv kvstore.Store

	mu       sync.Mutex
	cached   string
	ephemera bool
}

func NewIdentityStore(kv kvstore.Store) *IdentityStore {
	return &IdentityStore{kv: kv}
}

// DeviceID returns the persisted id, generating and storing one on first use.
// When the store is unusable the id lives only for this process.
func (s *IdentityStore) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached
	}

	id, ok, err := s.kv.Get(KeyDeviceID)
	if err != nil {
		log.Warn().Err(err).Msg("device id unreadable, using in-memory id")
		s.ephemera = true
	}
	if ok && id != "" {
		s.cached = id
		return id
	}

	id = uuid.NewString()
	if !s.ephemera {
		if err := s.kv.Set(KeyDeviceID, id); err != nil {
			log.Warn().Err(err).Msg("device id not persisted, using in-memory id")
			s.ephemera = true
		}
	}
	s.cached = id
	log.Info().Str("device_id", id).Bool("ephemeral", s.ephemera).Msg("generated device id")
	return id
}

// Ephemeral reports whether the id could not be persisted.
func (s *IdentityStore) Ephemeral() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemera
}
