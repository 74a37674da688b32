package clock

import (
	"sync"
	"time"
)

// Fake is a manual Clock for tests. Time only moves when Advance is called;
// due timers fire in chronological order during the advance. AfterFunc
// callbacks run synchronously on the advancing goroutine, so callers must
// not hold locks those callbacks take.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	clk    *Fake
	when   time.Time
	period time.Duration // 0 for single-fire timers
	ch     chan time.Time
	fn     func()
	active bool
}

// NewFake returns a fake clock pinned to a fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// NewFakeAt returns a fake clock starting at t.
func NewFakeAt(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	return f.addWaiter(d, 0, nil)
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.addWaiter(d, 0, fn)
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	return fakeTicker{f.addWaiter(d, d, nil)}
}

// fakeTicker adapts fakeWaiter's Stop() bool to the Ticker interface.
type fakeTicker struct{ *fakeWaiter }

func (t fakeTicker) Stop() { t.fakeWaiter.Stop() }

func (f *Fake) addWaiter(d, period time.Duration, fn func()) *fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		clk:    f,
		when:   f.now.Add(d),
		period: period,
		ch:     make(chan time.Time, 1),
		fn:     fn,
		active: true,
	}
	f.waiters = append(f.waiters, w)
	return w
}

// Advance moves the clock forward by d, firing every timer and ticker that
// comes due, in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		var next *fakeWaiter
		for _, w := range f.waiters {
			if !w.active || w.when.After(target) {
				continue
			}
			if next == nil || w.when.Before(next.when) {
				next = w
			}
		}
		if next == nil {
			break
		}

		f.now = next.when
		if next.period > 0 {
			next.when = next.when.Add(next.period)
		} else {
			next.active = false
		}
		fn := next.fn
		ch := next.ch
		at := f.now

		// Fire without the lock so callbacks can use the clock.
		f.mu.Unlock()
		if fn != nil {
			fn()
		} else {
			select {
			case ch <- at:
			default:
			}
		}
		f.mu.Lock()
	}

	f.now = target
	f.mu.Unlock()
}

// Timers returns the number of armed timers and tickers.
func (f *Fake) Timers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if w.active {
			n++
		}
	}
	return n
}

func (w *fakeWaiter) C() <-chan time.Time { return w.ch }

func (w *fakeWaiter) Stop() bool {
	w.clk.mu.Lock()
	defer w.clk.mu.Unlock()
	was := w.active
	w.active = false
	return was
}

func (w *fakeWaiter) Reset(d time.Duration) bool {
	w.clk.mu.Lock()
	defer w.clk.mu.Unlock()
	was := w.active
	w.when = w.clk.now.Add(d)
	w.active = true
	return was
}
