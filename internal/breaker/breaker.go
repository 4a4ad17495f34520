// Package breaker implements a circuit breaker for calls to external data
// sources, and a registry of named breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
)

// ErrCircuitOpen is returned without calling the operation while the circuit
// is open.
var ErrCircuitOpen = errors.New("circuit open")

// State is the breaker state.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold uint32        // Consecutive failures that open the circuit.
	SuccessThreshold uint32        // Half-open successes that close it again.
	OpenDuration     time.Duration // Time spent open before probing.
}

// DefaultConfig returns the default breaker config.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenDuration == 0 {
		c.OpenDuration = d.OpenDuration
	}
	return c
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	Name                 string
	State                State
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	TotalCalls           uint64
	TotalFailures        uint64
	TotalRejected        uint64
	OpenedAt             time.Time
}

// StateChangeFunc is called after a transition, without the breaker lock held.
type StateChangeFunc func(name string, from, to State)

// Breaker guards an unreliable dependency. Safe for concurrent use.
type Breaker struct {
	mu    sync.Mutex
	name  string
	cfg   Config
	clock clock.Clock

	state     State
	failures  uint32
	successes uint32
	openedAt  time.Time
	calls     uint64
	failed    uint64
	rejected  uint64

	onChange StateChangeFunc
}

// New creates a closed breaker. Zero config fields take defaults; a nil
// clock uses wall time.
func New(name string, cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		clock: clk,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// OnStateChange registers a transition callback.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State returns the current state. An open breaker whose OpenDuration has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to, changed := b.refreshLocked()
	state := b.state
	fn := b.onChange
	b.mu.Unlock()

	if changed {
		b.notify(fn, from, to)
	}
	return state
}

// Execute runs op unless the circuit is open. Failures of op count toward
// opening the circuit, except when ctx was canceled or timed out.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := op(ctx)
	b.after(ctx, err)
	return err
}

// Do runs op through b and returns its value.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Reset closes the circuit and clears the consecutive counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.successes = 0
	fn := b.onChange
	b.mu.Unlock()

	if from != Closed {
		b.notify(fn, from, Closed)
	}
}

// Stats returns a copy of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalCalls:           b.calls,
		TotalFailures:        b.failed,
		TotalRejected:        b.rejected,
		OpenedAt:             b.openedAt,
	}
}

func (b *Breaker) before() error {
	b.mu.Lock()
	from, to, changed := b.refreshLocked()
	fn := b.onChange
	var err error
	if b.state == Open {
		b.rejected++
		err = fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	} else {
		b.calls++
	}
	b.mu.Unlock()

	if changed {
		b.notify(fn, from, to)
	}
	return err
}

func (b *Breaker) after(ctx context.Context, opErr error) {
	b.mu.Lock()
	from := b.state

	switch {
	case opErr == nil:
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.successes = 0
			}
		}
	case ctx.Err() != nil && errors.Is(opErr, ctx.Err()):
		// Caller gave up; says nothing about the dependency.
	default:
		b.failed++
		b.failures++
		b.successes = 0
		if b.state == HalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.clock.Now()
		}
	}

	to := b.state
	fn := b.onChange
	b.mu.Unlock()

	if from != to {
		b.notify(fn, from, to)
	}
}

// refreshLocked moves Open to HalfOpen once OpenDuration has elapsed.
func (b *Breaker) refreshLocked() (State, State, bool) {
	if b.state != Open || b.clock.Since(b.openedAt) < b.cfg.OpenDuration {
		return b.state, b.state, false
	}
	b.state = HalfOpen
	b.successes = 0
	b.failures = 0
	return Open, HalfOpen, true
}

func (b *Breaker) notify(fn StateChangeFunc, from, to State) {
	ev := klog.Breaker.Info()
	if to == Open {
		ev = klog.Breaker.Warn()
	}
	ev.Str("breaker", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit state changed")
	if fn != nil {
		fn(b.name, from, to)
	}
}
