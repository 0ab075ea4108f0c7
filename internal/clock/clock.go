// Package clock provides the injectable time source used by every engine's
// actor loop, so protocol timing (keep-alives, burst timers, rekey) can be
// driven deterministically from tests instead of wall-clock time.
package clock

import "time"

// Clock is the time/randomness-adjacent dependency each engine takes in its
// constructor, mirroring how the pack injects entropy sources (randutil)
// rather than reaching for global state.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of time.Timer the engines rely on.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// System is the production Clock backed by the real time package.
type System struct{}

// Now returns the current wall-clock time.
func (System) Now() time.Time { return time.Now() }

// NewTimer returns a running Timer that fires once after d.
func (System) NewTimer(d time.Duration) Timer {
	t := time.NewTimer(d)
	return &systemTimer{t: t}
}

// AfterFunc schedules f to run after d on its own goroutine.
func (System) AfterFunc(d time.Duration, f func()) Timer {
	t := time.AfterFunc(d, f)
	return &systemTimer{t: t}
}

type systemTimer struct{ t *time.Timer }

func (s *systemTimer) C() <-chan time.Time    { return s.t.C }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
func (s *systemTimer) Stop() bool                 { return s.t.Stop() }
