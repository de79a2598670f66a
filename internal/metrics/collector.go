// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated timings for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the client statistics at a point in time.
type Snapshot struct {
	UptimeSeconds  float64            `json:"uptime_seconds"`
	Exchange       *OperationSnapshot `json:"exchange,omitempty"`
	FirstToken     *OperationSnapshot `json:"first_token,omitempty"`
	PersistCreate  *OperationSnapshot `json:"persist_create,omitempty"`
	PersistAppend  *OperationSnapshot `json:"persist_append,omitempty"`
	ListRefresh    *OperationSnapshot `json:"list_refresh,omitempty"`
	Completed      int64              `json:"exchanges_completed"`
	Failed         int64              `json:"exchanges_failed"`
	Cancelled      int64              `json:"exchanges_cancelled"`
	PersistFailure int64              `json:"persist_failures"`
	Tools          map[string]int64   `json:"tools,omitempty"`
}

// Operation names for the collector.
const (
	OpExchange      = "exchange"
	OpFirstToken    = "first_token"
	OpPersistCreate = "persist_create"
	OpPersistAppend = "persist_append"
	OpListRefresh   = "list_refresh"
)

// Outcome of a finished exchange.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe and a nil *Collector discards everything.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	outcomes  map[Outcome]int64
	tools     map[string]int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		outcomes:  make(map[Outcome]int64),
		tools:     make(map[string]int64),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for a successful operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordFailure counts a failed attempt of op. Failures carry no timing.
func (c *Collector) RecordFailure(op string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).Failures++
}

// RecordOutcome counts how an exchange ended.
func (c *Collector) RecordOutcome(o Outcome) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[o]++
}

// RecordTools counts each tool the agent reported using.
func (c *Collector) RecordTools(tools ...string) {
	if c == nil || len(tools) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tools {
		c.tools[t]++
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || (m.Count == 0 && m.Failures == 0) {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
	}
	if m.Count > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		snap.MinTimeMs = m.MinTime.Milliseconds()
		snap.MaxTimeMs = m.MaxTime.Milliseconds()
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Exchange:      snapshotOp(c.ops[OpExchange]),
		FirstToken:    snapshotOp(c.ops[OpFirstToken]),
		PersistCreate: snapshotOp(c.ops[OpPersistCreate]),
		PersistAppend: snapshotOp(c.ops[OpPersistAppend]),
		ListRefresh:   snapshotOp(c.ops[OpListRefresh]),
		Completed:     c.outcomes[OutcomeCompleted],
		Failed:        c.outcomes[OutcomeFailed],
		Cancelled:     c.outcomes[OutcomeCancelled],
	}
	for _, op := range []string{OpPersistCreate, OpPersistAppend} {
		if m := c.ops[op]; m != nil {
			snap.PersistFailure += m.Failures
		}
	}
	if len(c.tools) > 0 {
		snap.Tools = make(map[string]int64, len(c.tools))
		for k, v := range c.tools {
			snap.Tools[k] = v
		}
	}
	return snap
}
