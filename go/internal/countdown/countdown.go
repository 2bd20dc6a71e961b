// Package countdown implements the one-second countdown that gates a
// voting window.
package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Resolution is the interval between ticks.
const Resolution = time.Second

// Countdown counts down from a fixed number of seconds.
type Countdown struct {
	delay      int
	clock      clockwork.Clock
	onTick     func(remaining int, active bool)
	onComplete func()

	// cbMu orders callbacks with Reset, Stop and Finish: once one of those
	// returns, no callback from the halted run fires.
	cbMu sync.Mutex

	mu        sync.Mutex
	remaining int
	active    bool
	complete  bool
	stopped   bool

	ticker clockwork.Ticker
	halt   chan struct{}
}

// Option configures a Countdown.
type Option func(*Countdown)

// WithClock replaces the real clock, mostly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Countdown) {
		c.clock = clock
	}
}

// OnTick registers a callback invoked after every tick with the new
// remaining time. active is false on the final tick. Callbacks must not
// call Reset, Stop or Finish.
func OnTick(fn func(remaining int, active bool)) Option {
	return func(c *Countdown) {
		c.onTick = fn
	}
}

// OnComplete registers a callback invoked once each time the countdown
// reaches zero.
func OnComplete(fn func()) Option {
	return func(c *Countdown) {
		c.onComplete = fn
	}
}

// New creates an idle countdown of delaySeconds.
func New(delaySeconds int, opts ...Option) *Countdown {
	c := &Countdown{
		delay:     delaySeconds,
		clock:     clockwork.NewRealClock(),
		remaining: delaySeconds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins ticking from the initial delay. It returns false when the
// countdown is already running or has been stopped.
func (c *Countdown) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active || c.stopped {
		return false
	}

	c.active = true
	c.complete = false
	c.remaining = c.delay

	ticker := c.clock.NewTicker(Resolution)
	halt := make(chan struct{})
	c.ticker = ticker
	c.halt = halt

	go c.run(ticker, halt)
	return true
}

func (c *Countdown) run(ticker clockwork.Ticker, halt chan struct{}) {
	for {
		select {
		case <-halt:
			return
		case <-ticker.Chan():
			if !c.tick(halt) {
				return
			}
		}
	}
}

// tick applies one decrement. It returns false once the run that owns halt
// is over.
func (c *Countdown) tick(halt chan struct{}) bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if c.halt != halt {
		// Reset or Stop won the race against this tick.
		c.mu.Unlock()
		return false
	}

	c.remaining--
	finished := c.remaining <= 0
	if finished {
		c.remaining = 0
		c.active = false
		c.complete = true
		c.haltLocked()
	}
	remaining := c.remaining
	c.mu.Unlock()

	c.notify(remaining, finished)
	return !finished
}

func (c *Countdown) notify(remaining int, finished bool) {
	if c.onTick != nil {
		c.onTick(remaining, !finished)
	}
	if finished && c.onComplete != nil {
		c.onComplete()
	}
}

// Finish ends a running countdown early, delivering the final tick and
// the completion callback as if it had reached zero. It returns false,
// without callbacks, when the countdown is not running.
func (c *Countdown) Finish() bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	c.haltLocked()
	c.remaining = 0
	c.active = false
	c.complete = true
	c.mu.Unlock()

	c.notify(0, true)
	return true
}

// Reset halts the countdown and restores the initial delay.
func (c *Countdown) Reset() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.haltLocked()
	c.active = false
	c.complete = false
	c.remaining = c.delay
}

// Stop releases the underlying ticker. A stopped countdown cannot be
// started again. Safe to call more than once.
func (c *Countdown) Stop() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.haltLocked()
	c.active = false
	c.stopped = true
}

func (c *Countdown) haltLocked() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.halt != nil {
		close(c.halt)
		c.halt = nil
	}
}

// Delay returns the initial number of seconds.
func (c *Countdown) Delay() int {
	return c.delay
}

// Remaining returns the seconds left.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Active reports whether the countdown is ticking.
func (c *Countdown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Complete reports whether the countdown reached zero since the last
// Start or Reset.
func (c *Countdown) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}
