package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errDependency = errors.New("dependency exploded")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(context.Context) (string, error) { return "", errDependency }
func succeed(context.Context) (string, error) { return "ok", nil }

func TestGate_TripsOnceThresholdAndVolumeReached(t *testing.T) {
	clock := newTestClock()
	gate := NewGate[string](GateConfig{
		Name:                     "payments.charge",
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          4,
		ResetTimeout:             time.Second,
		Now:                      clock.Now,
	}, nil)
	ctx := context.Background()

	for _, fn := range []func(context.Context) (string, error){fail, fail, succeed} {
		_, _ = gate.Call(ctx, fn)
	}
	if gate.Phase() != PhaseClosed {
		t.Fatalf("expected closed below volume threshold, got %v", gate.Phase())
	}

	if _, err := gate.Call(ctx, fail); !errors.Is(err, ErrUnavailable) || !errors.Is(err, errDependency) {
		t.Fatalf("expected fallback wrapping the dependency error, got %v", err)
	}
	if gate.Phase() != PhaseOpen {
		t.Fatalf("expected open after 3/4 failures, got %v", gate.Phase())
	}

	invoked := false
	_, err := gate.Call(ctx, func(context.Context) (string, error) {
		invoked = true
		return "ok", nil
	})
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected short circuit, got %v", err)
	}
	if invoked {
		t.Fatalf("dependency must not be called while open")
	}
}

func TestGate_StaysClosedBelowVolumeThreshold(t *testing.T) {
	gate := NewGate[string](GateConfig{VolumeThreshold: 5, ErrorThresholdPercentage: 50}, nil)

	for i := 0; i < 4; i++ {
		_, _ = gate.Call(context.Background(), fail)
	}
	if gate.Phase() != PhaseClosed {
		t.Fatalf("expected closed, got %v", gate.Phase())
	}
}

func TestGate_OldFailuresRollOutOfWindow(t *testing.T) {
	clock := newTestClock()
	gate := NewGate[string](GateConfig{
		VolumeThreshold:          2,
		ErrorThresholdPercentage: 50,
		RollingWindow:            10 * time.Second,
		WindowBuckets:            10,
		Now:                      clock.Now,
	}, nil)

	_, _ = gate.Call(context.Background(), fail)
	clock.Advance(11 * time.Second)
	_, _ = gate.Call(context.Background(), fail)

	if gate.Phase() != PhaseClosed {
		t.Fatalf("expected stale failure to be ignored, got %v", gate.Phase())
	}
}

func TestGate_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newTestClock()
	gate := NewGate[string](GateConfig{
		VolumeThreshold: 1,
		ResetTimeout:    time.Second,
		Now:             clock.Now,
	}, nil)
	ctx := context.Background()

	_, _ = gate.Call(ctx, fail)
	if gate.Phase() != PhaseOpen {
		t.Fatalf("expected open, got %v", gate.Phase())
	}
	clock.Advance(2 * time.Second)
	if gate.Phase() != PhaseHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %v", gate.Phase())
	}

	started := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		_, err := gate.Call(ctx, func(context.Context) (string, error) {
			close(started)
			<-release
			return "ok", nil
		})
		probeDone <- err
	}()
	<-started

	if _, err := gate.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected concurrent call to be short-circuited during probe, got %v", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if gate.Phase() != PhaseClosed {
		t.Fatalf("expected closed after successful probe, got %v", gate.Phase())
	}
	if out, err := gate.Call(ctx, succeed); err != nil || out != "ok" {
		t.Fatalf("expected normal call after close, got %q %v", out, err)
	}
}

func TestGate_FailedProbeReopens(t *testing.T) {
	clock := newTestClock()
	var transitions []string
	gate := NewGate[string](GateConfig{
		VolumeThreshold: 1,
		ResetTimeout:    time.Second,
		Now:             clock.Now,
		OnPhaseChange: func(name string, from, to Phase) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, nil)
	ctx := context.Background()

	_, _ = gate.Call(ctx, fail)
	clock.Advance(time.Second)
	_, _ = gate.Call(ctx, fail)

	if gate.Phase() != PhaseOpen {
		t.Fatalf("expected reopened, got %v", gate.Phase())
	}
	clock.Advance(500 * time.Millisecond)
	if _, err := gate.Call(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reset timeout to restart, got %v", err)
	}

	want := []string{"closed->open", "open->half-open", "half-open->open"}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

func TestGate_TimeoutCountsAsFailure(t *testing.T) {
	gate := NewGate[string](GateConfig{
		Timeout:         20 * time.Millisecond,
		VolumeThreshold: 1,
	}, nil)

	_, err := gate.Call(context.Background(), func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected timeout surfaced through fallback, got %v", err)
	}
	if gate.Phase() != PhaseOpen {
		t.Fatalf("expected timeout to trip the circuit, got %v", gate.Phase())
	}
}

func TestGate_BusinessErrorsPassThrough(t *testing.T) {
	errDeclined := errors.New("card declined")
	gate := NewGate[string](GateConfig{
		VolumeThreshold: 1,
		IsFailure:       func(err error) bool { return !errors.Is(err, errDeclined) },
	}, nil)

	for i := 0; i < 10; i++ {
		_, err := gate.Call(context.Background(), func(context.Context) (string, error) {
			return "", errDeclined
		})
		if err != errDeclined {
			t.Fatalf("expected business error untouched, got %v", err)
		}
	}
	if gate.Phase() != PhaseClosed {
		t.Fatalf("business errors must not trip the circuit, got %v", gate.Phase())
	}
}

func TestGate_CallerCancellationNotCounted(t *testing.T) {
	gate := NewGate[string](GateConfig{VolumeThreshold: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gate.Call(ctx, func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected raw cancellation, got %v", err)
	}
	if gate.Phase() != PhaseClosed {
		t.Fatalf("cancellation must not trip the circuit, got %v", gate.Phase())
	}
}

func TestGate_CustomFallback(t *testing.T) {
	shorted := 0
	gate := NewGate[string](GateConfig{
		VolumeThreshold: 1,
		OnShortCircuit:  func(string) { shorted++ },
	}, func(_ context.Context, cause error) (string, error) {
		return "cached", nil
	})

	if out, err := gate.Call(context.Background(), fail); err != nil || out != "cached" {
		t.Fatalf("expected fallback value, got %q %v", out, err)
	}
	if out, err := gate.Call(context.Background(), succeed); err != nil || out != "cached" {
		t.Fatalf("expected fallback value while open, got %q %v", out, err)
	}
	if shorted != 1 {
		t.Fatalf("expected one short circuit, got %d", shorted)
	}
}
