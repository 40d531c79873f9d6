// Package breaker isolates failures of one named dependency behind a
// circuit breaker.
//
// Each protected dependency (persistence, shared cache, every registered
// capability) gets its own Breaker instance; state is in-memory only and
// rebuilt on process start. Calls that error or exceed the per-call timeout
// count as failures; a valid not-found result does not.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"loom/internal/logging"
	"loom/internal/services"
)

// State identifies the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the wire name for a state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Settings controls trip and recovery behavior.
type Settings struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int
	// Window bounds the failure-counting interval.
	Window time.Duration
	// Cooldown is how long an open circuit rejects calls before admitting a trial.
	Cooldown time.Duration
	// CallTimeout is applied to every call passed through Do. Zero disables it.
	CallTimeout time.Duration
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	name     string
	settings Settings
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	trialInFlight bool
}

// Snapshot is a point-in-time view of breaker state for status reporting.
type Snapshot struct {
	Name         string
	State        State
	Failures     int
	LastOpenedAt time.Time
}

// New constructs a closed breaker for the named dependency.
func New(name string, settings Settings, logger *slog.Logger) *Breaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 1
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:     name,
		settings: settings,
		logger:   logging.NewComponentLogger(logger, "breaker"),
	}
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Do runs op under the breaker. When the circuit is open the dependency is
// never touched; callers get ErrUnavailable with a retry-after hint. In
// half_open exactly one caller is admitted as the trial; losers are rejected
// the same way an open circuit rejects them.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.settings.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.settings.CallTimeout)
		defer cancel()
	}

	opErr := op(callCtx)

	// A deadline hit inside the call window is the breaker's timeout, not the
	// caller's cancellation.
	timedOut := errors.Is(opErr, context.DeadlineExceeded) ||
		(callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil)

	if opErr == nil || errors.Is(opErr, services.ErrNotFound) {
		b.recordSuccess(trial)
		return opErr
	}
	if errors.Is(opErr, context.Canceled) && ctx.Err() != nil {
		// Caller went away; nothing learned about dependency health.
		b.release(trial)
		return opErr
	}

	b.recordFailure(trial)
	if timedOut {
		return services.Wrap(services.ErrTransient, b.name, "call", "timed out", opErr)
	}
	return opErr
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(time.Now())
	return b.state
}

// Snapshot reports breaker state for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(time.Now())
	return Snapshot{
		Name:         b.name,
		State:        b.state,
		Failures:     b.failures,
		LastOpenedAt: b.openedAt,
	}
}

// admit decides whether the call may proceed and whether it is the half-open
// trial. The decision and any state transition happen under one lock
// acquisition so racing callers can never both become the trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refreshLocked(now)

	switch b.state {
	case StateClosed:
		return false, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, &services.RetryAfterError{
				Marker:     services.ErrUnavailable,
				Dependency: b.name,
				RetryAfter: b.settings.Cooldown,
			}
		}
		b.trialInFlight = true
		return true, nil
	default: // StateOpen
		remaining := b.settings.Cooldown - now.Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return false, &services.RetryAfterError{
			Marker:     services.ErrUnavailable,
			Dependency: b.name,
			RetryAfter: remaining,
		}
	}
}

// refreshLocked applies time-based transitions. Callers hold b.mu.
func (b *Breaker) refreshLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.Cooldown {
		b.state = StateHalfOpen
		b.trialInFlight = false
		b.logger.Info("circuit half-open",
			logging.String("dependency", b.name),
			logging.String(logging.FieldEventType, "breaker_half_open"))
	}
	if b.state == StateClosed && b.failures > 0 && now.Sub(b.windowStart) > b.settings.Window {
		b.failures = 0
	}
}

func (b *Breaker) recordSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial || b.state == StateHalfOpen {
		b.state = StateClosed
		b.trialInFlight = false
		b.logger.Info("circuit closed",
			logging.String("dependency", b.name),
			logging.String(logging.FieldEventType, "breaker_closed"))
	}
	b.failures = 0
}

func (b *Breaker) recordFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if trial || b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false
		b.logger.Warn("circuit re-opened after failed trial",
			logging.String("dependency", b.name),
			logging.String(logging.FieldEventType, "breaker_opened"),
			logging.String(logging.FieldErrorHint, "dependency is still unhealthy; cooldown restarted"))
		return
	}
	if b.state != StateClosed {
		return
	}

	if b.failures == 0 || now.Sub(b.windowStart) > b.settings.Window {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.failures >= b.settings.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
		b.failures = 0
		b.logger.Warn("circuit opened",
			logging.String("dependency", b.name),
			logging.Int("threshold", b.settings.FailureThreshold),
			logging.String(logging.FieldEventType, "breaker_opened"),
			logging.String(logging.FieldErrorHint, "calls fail fast until the cooldown elapses"))
	}
}

// release undoes a trial admission without judging dependency health.
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}
