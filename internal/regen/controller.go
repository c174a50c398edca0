// Package regen coordinates the destructive-but-scoped retry of a
// thread's most recent round.
package regen

import "errors"

var (
	// ErrNoRounds is returned when the thread has no round to regenerate.
	ErrNoRounds = errors.New("thread has no rounds")
	// ErrNotLatestRound is returned for any round other than the most
	// recent; earlier rounds are immutable.
	ErrNotLatestRound = errors.New("only the most recent round can be regenerated")
	// ErrInFlight is returned while a regeneration is already running.
	ErrInFlight = errors.New("regeneration already in flight")
)

// Controller tracks the regeneration flag for one thread session. Not
// safe for concurrent use; the owning session serializes access.
type Controller struct {
	inFlight bool
	round    int
}

// Begin validates eligibility and marks the round regenerating.
// Regeneration may repeat indefinitely across separate attempts.
func (c *Controller) Begin(requested, latest int) error {
	if latest < 0 {
		return ErrNoRounds
	}
	if requested != latest {
		return ErrNotLatestRound
	}
	if c.inFlight {
		return ErrInFlight
	}
	c.inFlight = true
	c.round = requested
	return nil
}

// InFlight reports whether a regeneration is running.
func (c *Controller) InFlight() bool { return c.inFlight }

// Round returns the round being regenerated; meaningful only while
// InFlight.
func (c *Controller) Round() int { return c.round }

// Finish clears the regenerating flag. The caller clears every
// transient streaming flag in the same serialized step.
func (c *Controller) Finish() { c.inFlight = false }
