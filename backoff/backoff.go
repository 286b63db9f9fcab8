// Package backoff implements the jittered exponential retry policy used by the
// transfer engine. The policy itself is immutable; per-operation progress lives
// in a State so concurrent operations never share retry bookkeeping.
package backoff

import (
	"math/rand"
	"time"
)

// SleepFunc pauses the calling goroutine. Production code passes time.Sleep,
// tests pass a recorder.
type SleepFunc func(time.Duration)

// Policy is an immutable retry configuration.
type Policy struct {
	// Tries is the total number of attempts allowed before giving up.
	Tries uint32
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps the exponential growth of the delay.
	Max time.Duration
}

// DefaultPolicy returns the retry policy of the Stash transfer defaults:
// 3 attempts, 500ms initial delay, 2s cap.
func DefaultPolicy() Policy {
	return Policy{
		Tries:   3,
		Initial: 500 * time.Millisecond,
		Max:     2 * time.Second,
	}
}

// State tracks the retry progress of a single operation.
type State struct {
	errors uint32
	next   time.Duration
}

// NewState returns a fresh State for one operation under p.
func (p Policy) NewState() *State {
	return &State{next: p.Initial}
}

// Errors returns the number of failed attempts recorded so far.
func (s *State) Errors() uint32 {
	return s.errors
}

// Failure records a failed attempt. It returns false when the attempt budget
// is exhausted and the caller must give up. Otherwise it sleeps a jittered
// backoff, doubles the next delay capped at p.Max, and returns true.
//
// Rate-limited responses must not be passed to Failure: the caller sleeps the
// server-specified duration instead and leaves the State untouched.
func (p Policy) Failure(s *State, rng *rand.Rand, sleep SleepFunc) bool {
	s.errors++
	if s.errors >= p.Tries {
		return false
	}
	sleep(Jitter(s.next, rng))
	if s.next < p.Max {
		s.next *= 2
		if s.next > p.Max {
			s.next = p.Max
		}
	}
	return true
}

// Jitter spreads d uniformly over [d-d/4, d+d/4] so synchronized clients fan
// out instead of retrying in lockstep.
func Jitter(d time.Duration, rng *rand.Rand) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d / 2)
	return d - d/4 + time.Duration(rng.Int63n(spread+1))
}
