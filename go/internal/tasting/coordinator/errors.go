package coordinator

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the coordinator matches exactly one
// of these with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrIdentityUnresolved = errors.New("device is not bound to a player")
	ErrPolicyViolation    = errors.New("operation not permitted")
	ErrStorage            = errors.New("shared store failure")
	ErrRelayUnavailable   = errors.New("relay unavailable")
)

var (
	ErrGameNotFound      = fmt.Errorf("%w: no game with that session code", ErrNotFound)
	ErrPlayerNotFound    = fmt.Errorf("%w: player", ErrNotFound)
	ErrRoundNotFound     = fmt.Errorf("%w: round", ErrNotFound)
	ErrDrinkNotFound     = fmt.Errorf("%w: drink", ErrNotFound)
	ErrNoActiveGame      = fmt.Errorf("%w: no game on this device", ErrNotFound)
	ErrNameNotRecognized = fmt.Errorf("%w: name did not match any unassigned player", ErrIdentityUnresolved)

	ErrHostCannotGuess      = fmt.Errorf("%w: the host cannot submit guesses", ErrPolicyViolation)
	ErrIdentityMismatch     = fmt.Errorf("%w: device may only submit for its own player", ErrPolicyViolation)
	ErrRoundAlreadyAnswered = fmt.Errorf("%w: round already answered", ErrPolicyViolation)
	ErrRoundNotOpen         = fmt.Errorf("%w: round has not started", ErrPolicyViolation)
	ErrNotEnoughPlayers     = fmt.Errorf("%w: not enough players to start", ErrPolicyViolation)
	ErrNotHost              = fmt.Errorf("%w: only the host can do that", ErrPolicyViolation)
	ErrGameNotStarted       = fmt.Errorf("%w: game has not started", ErrPolicyViolation)
	ErrGameAlreadyStarted   = fmt.Errorf("%w: game already started", ErrPolicyViolation)
	ErrGameComplete         = fmt.Errorf("%w: game is complete", ErrPolicyViolation)
	ErrNoMoreRounds         = fmt.Errorf("%w: already on the last round", ErrPolicyViolation)
	ErrRoundsRemaining      = fmt.Errorf("%w: rounds remain, end the game early instead", ErrPolicyViolation)
	ErrDuplicateName        = fmt.Errorf("%w: a player with that name already exists", ErrPolicyViolation)
	ErrInvalidSetup         = fmt.Errorf("%w: invalid game setup", ErrPolicyViolation)

	ErrJoinTimedOut = fmt.Errorf("%w: no host answered the join request", ErrRelayUnavailable)
)
