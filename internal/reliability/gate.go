package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

var (
	// ErrCircuitOpen indicates the call was short-circuited without reaching the dependency.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrTimeout indicates the dependency did not answer within the gate timeout.
	// The call may still have taken effect on the other side.
	ErrTimeout = errors.New("protected call timed out")
	// ErrUnavailable is what the default fallback surfaces to callers.
	ErrUnavailable = errors.New("service temporarily unavailable")
)

// Phase is the circuit phase of a gate.
type Phase int

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GateConfig configures a protected call gate.
type GateConfig struct {
	Name    string
	Timeout time.Duration
	// ErrorThresholdPercentage trips the circuit once failed and timed-out calls reach this share of the window.
	ErrorThresholdPercentage float64
	RollingWindow            time.Duration
	WindowBuckets            int
	// VolumeThreshold is the minimum number of calls in the window before the ratio is trusted.
	VolumeThreshold int
	ResetTimeout    time.Duration
	// IsFailure reports whether an error says something about the dependency's health.
	// Errors it rejects are returned to the caller untouched and count as successful calls.
	IsFailure func(error) bool

	Now            func() time.Time
	OnPhaseChange  func(name string, from, to Phase)
	OnShortCircuit func(name string)
	Logger         logr.Logger
}

// Fallback produces the response for a short-circuited, timed-out or failed call.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// UnavailableFallback returns the zero value and an error wrapping ErrUnavailable and the cause.
func UnavailableFallback[T any](name string) Fallback[T] {
	return func(_ context.Context, cause error) (T, error) {
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, name, cause)
	}
}

// Gate guards one kind of outbound call with a timeout, a failure-rate circuit breaker and a fallback.
// Its state is process-local and only changes through Call.
type Gate[T any] struct {
	cfg      GateConfig
	fallback Fallback[T]
	log      logr.Logger

	mu       sync.Mutex
	phase    Phase
	window   *rollingWindow
	openedAt time.Time
	probing  bool
}

// NewGate constructs a gate with sane defaults. A nil fallback uses UnavailableFallback.
func NewGate[T any](cfg GateConfig, fallback Fallback[T]) *Gate[T] {
	if cfg.Name == "" {
		cfg.Name = "gate"
	}
	if cfg.ErrorThresholdPercentage <= 0 || cfg.ErrorThresholdPercentage > 100 {
		cfg.ErrorThresholdPercentage = 50
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 10 * time.Second
	}
	if cfg.WindowBuckets < 1 {
		cfg.WindowBuckets = 10
	}
	if cfg.VolumeThreshold < 1 {
		cfg.VolumeThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if fallback == nil {
		fallback = UnavailableFallback[T](cfg.Name)
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Gate[T]{
		cfg:      cfg,
		fallback: fallback,
		log:      log.WithValues("gate", cfg.Name),
		phase:    PhaseClosed,
		window:   newRollingWindow(cfg.RollingWindow, cfg.WindowBuckets),
	}
}

// Name returns the dependency name the gate protects.
func (g *Gate[T]) Name() string {
	return g.cfg.Name
}

// Phase returns the current circuit phase.
func (g *Gate[T]) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase == PhaseOpen && g.cfg.Now().Sub(g.openedAt) >= g.cfg.ResetTimeout {
		return PhaseHalfOpen
	}
	return g.phase
}

// Call runs fn through the gate.
func (g *Gate[T]) Call(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	probe, allowed := g.admit()
	if !allowed {
		if g.cfg.OnShortCircuit != nil {
			g.cfg.OnShortCircuit(g.cfg.Name)
		}
		return g.fallback(ctx, fmt.Errorf("%s: %w", g.cfg.Name, ErrCircuitOpen))
	}

	val, err := g.invoke(ctx, fn)

	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
		// The caller gave up; that says nothing about the dependency.
		g.release(probe)
		return val, err
	}

	result := outcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = outcomeTimeout
	case g.cfg.IsFailure == nil || g.cfg.IsFailure(err):
		result = outcomeFailure
	}
	g.record(result, probe)

	if err == nil || result == outcomeSuccess {
		return val, err
	}
	return g.fallback(ctx, err)
}

func (g *Gate[T]) invoke(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	if g.cfg.Timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(callCtx)
		done <- result{val: val, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return r.val, fmt.Errorf("%s: %w after %v: %w", g.cfg.Name, ErrTimeout, g.cfg.Timeout, r.err)
		}
		return r.val, r.err
	case <-callCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%s: %w after %v", g.cfg.Name, ErrTimeout, g.cfg.Timeout)
	}
}

// admit decides whether a call may reach the dependency and whether it is the half-open probe.
func (g *Gate[T]) admit() (probe bool, allowed bool) {
	var notify func()
	defer func() {
		if notify != nil {
			notify()
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.phase {
	case PhaseClosed:
		return false, true
	case PhaseOpen:
		if g.cfg.Now().Sub(g.openedAt) < g.cfg.ResetTimeout {
			return false, false
		}
		notify = g.setPhase(PhaseHalfOpen)
	}

	if g.probing {
		return false, false
	}
	g.probing = true
	return true, true
}

func (g *Gate[T]) record(result outcome, probe bool) {
	var notify func()
	defer func() {
		if notify != nil {
			notify()
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.cfg.Now()
	if probe {
		g.probing = false
		if result == outcomeSuccess {
			g.window.reset()
			notify = g.setPhase(PhaseClosed)
			return
		}
		g.openedAt = now
		notify = g.setPhase(PhaseOpen)
		return
	}

	g.window.add(now, result)
	if g.phase != PhaseClosed || result == outcomeSuccess {
		return
	}
	pct, total := g.window.failurePercentage(now)
	if total >= g.cfg.VolumeThreshold && pct >= g.cfg.ErrorThresholdPercentage {
		g.openedAt = now
		notify = g.setPhase(PhaseOpen)
	}
}

func (g *Gate[T]) release(probe bool) {
	if !probe {
		return
	}
	g.mu.Lock()
	g.probing = false
	g.mu.Unlock()
}

// setPhase must be called with g.mu held; the returned func runs the hooks after unlocking.
func (g *Gate[T]) setPhase(to Phase) func() {
	from := g.phase
	if from == to {
		return nil
	}
	g.phase = to
	return func() {
		g.log.Info("circuit phase changed", "from", from.String(), "to", to.String())
		if g.cfg.OnPhaseChange != nil {
			g.cfg.OnPhaseChange(g.cfg.Name, from, to)
		}
	}
}
