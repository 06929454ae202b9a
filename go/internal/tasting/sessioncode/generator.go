// Package sessioncode issues the short codes players type to join a game.
package sessioncode

import (
	"context"
	"math/rand"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// Alphabet omits 0/O and 1/I to keep codes readable aloud.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	Length   = 6

	suffixLen = 2
)

// Source hands out server-unique codes.
type Source interface {
	NextSessionCode(ctx context.Context) (string, error)
}

// Generator asks the Source first and falls back to a local code.
type Generator struct {
	src   Source
	clock clockwork.Clock
}

func NewGenerator(src Source, clock clockwork.Clock) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Generator{src: src, clock: clock}
}

// Generate returns a code and whether it came from the degraded local path.
// Degraded codes carry no cross-device uniqueness guarantee.
func (g *Generator) Generate(ctx context.Context) (code string, degraded bool) {
	if g.src != nil {
		c, err := g.src.NextSessionCode(ctx)
		c = strings.ToUpper(strings.TrimSpace(c))
		if err == nil && c != "" {
			return c, false
		}
		log.Warn().
			Err(err).
			Str("returned_code", c).
			Bool("degraded", true).
			Msg("session code service unavailable, using local fallback")
	} else {
		log.Warn().Bool("degraded", true).Msg("no session code service, using local fallback")
	}

	code = Fallback(g.clock.Now().UnixMilli())
	log.Warn().Str("session_code", code).Bool("degraded", true).Msg("issued fallback session code")
	return code, true
}

// Fallback builds a random code whose tail is derived from nowMillis.
func Fallback(nowMillis int64) string {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length-suffixLen; i++ {
		b.WriteByte(Alphabet[rand.Intn(len(Alphabet))])
	}

	// low digits of the timestamp in base len(Alphabet)
	n := uint64(nowMillis)
	suffix := make([]byte, suffixLen)
	for i := suffixLen - 1; i >= 0; i-- {
		suffix[i] = Alphabet[n%uint64(len(Alphabet))]
		n /= uint64(len(Alphabet))
	}
	b.Write(suffix)
	return b.String()
}

// Valid reports whether code has the fallback length and alphabet.
// Server-issued codes are trusted as returned.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
