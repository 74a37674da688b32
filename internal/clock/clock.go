// Package clock abstracts time for components that schedule timers, so the
// debounce, cooldown, and resting-sweep logic can be tested without sleeping.
package clock

import "time"

// Clock creates timers and tickers and reports the current time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a resettable single-fire timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker fires repeatedly at a fixed period until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by package time.
type Real struct{}

// NewReal returns the production clock.
func NewReal() Real { return Real{} }

func (Real) Now() time.Time                    { return time.Now() }
func (Real) Since(t time.Time) time.Duration   { return time.Since(t) }
func (Real) NewTimer(d time.Duration) Timer    { return realTimer{time.NewTimer(d)} }
func (Real) NewTicker(d time.Duration) Ticker  { return realTicker{time.NewTicker(d)} }
func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time        { return r.t.C }
func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
