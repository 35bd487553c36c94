package observability

import (
	"sync"
	"time"
)

// CallSnapshot summarizes the calls recorded under one name.
type CallSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the JSON document served on /metrics.
type Snapshot struct {
	UptimeSec       int64              `json:"uptime_sec"`
	TotalRequests   int64              `json:"total_requests"`
	TotalErrors     int64              `json:"total_errors"`
	InFlight        int64              `json:"in_flight"`
	RateLimitWaits  int64              `json:"rate_limit_waits"`
	RateLimitWaitMs int64              `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot `json:"lifecycle,omitempty"`
	// Methods holds gRPC calls, Operations holds dispatched envelope types.
	Methods    map[string]CallSnapshot `json:"methods"`
	Operations map[string]CallSnapshot `json:"operations"`
	Counters   map[string]int64        `json:"counters"`
	Gates      map[string]string       `json:"gates"`
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type callStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

func (s *callStats) observe(dur time.Duration, failed bool) {
	s.inFlight--
	s.count++
	if failed {
		s.errors++
	}
	s.totalLatency += dur
	if dur > s.maxLatency {
		s.maxLatency = dur
	}
	s.lastLatency = dur
}

func (s *callStats) snapshot() CallSnapshot {
	avg := 0.0
	if s.count > 0 {
		avg = float64(s.totalLatency.Milliseconds()) / float64(s.count)
	}
	return CallSnapshot{
		Count:         s.count,
		Errors:        s.errors,
		InFlight:      s.inFlight,
		AvgLatencyMs:  avg,
		MaxLatencyMs:  float64(s.maxLatency.Milliseconds()),
		LastLatencyMs: float64(s.lastLatency.Milliseconds()),
	}
}

// callTable keys call statistics by name.
type callTable map[string]*callStats

func (t callTable) get(name string) *callStats {
	stats, ok := t[name]
	if !ok {
		stats = &callStats{}
		t[name] = stats
	}
	return stats
}

func (t callTable) snapshot() map[string]CallSnapshot {
	out := make(map[string]CallSnapshot, len(t))
	for name, stats := range t {
		out[name] = stats.snapshot()
	}
	return out
}

// Metrics is an in-process registry for call latencies, named counters and gate phases.
// A nil *Metrics accepts every call and records nothing.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        callTable
	operations     callTable
	rateLimitWaits int64
	rateLimitWait  time.Duration
	shutdownAt     time.Time
	shutdownFlight int64
	counters       map[string]int64
	gates          map[string]string
}

// CallSpan measures one call from Start until End.
type CallSpan struct {
	metrics *Metrics
	table   callTable
	name    string
	start   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:      time.Now(),
		methods:    make(callTable),
		operations: make(callTable),
		counters:   make(map[string]int64),
		gates:      make(map[string]string),
	}
}

// Start opens a span for a gRPC method.
func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	return m.begin(m.methods, method)
}

// StartOperation opens a span for a dispatched operation type such as "orders.create".
func (m *Metrics) StartOperation(typ string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	return m.begin(m.operations, typ)
}

func (m *Metrics) begin(table callTable, name string) *CallSpan {
	m.mu.Lock()
	table.get(name).inFlight++
	m.mu.Unlock()
	return &CallSpan{metrics: m, table: table, name: name, start: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.mu.Lock()
	s.table.get(s.name).observe(dur, err != nil)
	s.metrics.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Incr bumps a named counter such as "idempotency.replay" or "saga.failed".
func (m *Metrics) Incr(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// SetGatePhase records the current circuit phase of a named gate.
func (m *Metrics) SetGatePhase(name, phase string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gates[name] = phase
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shutdownAt = time.Now()
	m.shutdownFlight = inflight
	m.mu.Unlock()
}

// Snapshot copies the current state. Totals cover gRPC methods only.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Methods:         m.methods.snapshot(),
		Operations:      m.operations.snapshot(),
		Counters:        make(map[string]int64, len(m.counters)),
		Gates:           make(map[string]string, len(m.gates)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}
	for _, stats := range snap.Methods {
		snap.TotalRequests += stats.Count
		snap.TotalErrors += stats.Errors
		snap.InFlight += stats.InFlight
	}
	for name, n := range m.counters {
		snap.Counters[name] = n
	}
	for name, phase := range m.gates {
		snap.Gates[name] = phase
	}
	if !m.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.shutdownAt,
			InFlightAtShutdown: m.shutdownFlight,
		}
	}
	return snap
}
