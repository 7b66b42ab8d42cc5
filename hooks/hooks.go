// Package hooks provides production-ready Hook, Logger and MetricsCollector
// implementations.
package hooks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skryldev/media-recoder/core"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) {
	s.log.Debug(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Info(msg string, fields ...interface{}) {
	s.log.Info(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Warn(msg string, fields ...interface{}) {
	s.log.Warn(msg, toAttrs(fields)...)
}
func (s *SlogLogger) Error(msg string, fields ...interface{}) {
	s.log.Error(msg, toAttrs(fields)...)
}

func toAttrs(fields []interface{}) []any { return fields }

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs before/after each recode attempt.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeAttempt(_ context.Context, a core.Attempt) {
	h.logger.Debug("recode.attempt.start",
		"kind", a.Kind,
		"attempt", a.Number,
		"quality", a.Quality,
		"scale", a.ScaleFactor,
		"subsample", a.Subsample,
		"byte_limit", a.ByteLimit,
	)
}

func (h *LoggingHook) AfterAttempt(_ context.Context, a core.Attempt, d time.Duration, err error) {
	if err != nil {
		h.logger.Warn("recode.attempt.error",
			"kind", a.Kind,
			"attempt", a.Number,
			"duration_ms", d.Milliseconds(),
			"action", a.Action,
			"error", err.Error(),
		)
		return
	}
	h.logger.Debug("recode.attempt.done",
		"kind", a.Kind,
		"attempt", a.Number,
		"duration_ms", d.Milliseconds(),
		"width", a.Width,
		"height", a.Height,
		"bytes", a.Size,
		"byte_limit", a.ByteLimit,
		"fits", a.Fits(),
		"action", a.Action,
	)
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics atomically; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stageDurationsMs map[string]int64 // cumulative ms per stage
	stageCalls       map[string]int64 // call count per stage
	stageErrors      map[string]int64
	outcomes         map[string]int64 // "kind/outcome" -> count

	totalThroughputB int64
	totalMemoryB     int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stageDurationsMs: make(map[string]int64),
		stageCalls:       make(map[string]int64),
		stageErrors:      make(map[string]int64),
		outcomes:         make(map[string]int64),
	}
}

func (m *InMemoryMetrics) RecordProcessingTime(stage string, d interface{ Seconds() float64 }) {
	ms := int64(d.Seconds() * 1000)
	m.mu.Lock()
	m.stageDurationsMs[stage] += ms
	m.stageCalls[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordThroughput(bytes int64) {
	atomic.AddInt64(&m.totalThroughputB, bytes)
}

func (m *InMemoryMetrics) RecordMemory(bytes int64) {
	atomic.AddInt64(&m.totalMemoryB, bytes)
}

func (m *InMemoryMetrics) RecordError(stage string, _ string) {
	m.mu.Lock()
	m.stageErrors[stage]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordOutcome(kind core.SessionKind, outcome string) {
	m.mu.Lock()
	m.outcomes[string(kind)+"/"+outcome]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		StageDurationsMs: copyCounts(m.stageDurationsMs),
		StageCalls:       copyCounts(m.stageCalls),
		StageErrors:      copyCounts(m.stageErrors),
		Outcomes:         copyCounts(m.outcomes),
		TotalThroughputB: atomic.LoadInt64(&m.totalThroughputB),
		TotalMemoryB:     atomic.LoadInt64(&m.totalMemoryB),
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StageDurationsMs map[string]int64
	StageCalls       map[string]int64
	StageErrors      map[string]int64
	Outcomes         map[string]int64
	TotalThroughputB int64
	TotalMemoryB     int64
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds per-attempt bitmap sizes and policy actions into a
// MetricsCollector.  Session timings and outcomes are recorded by the
// recoders themselves.
type MetricsHook struct {
	collector core.MetricsCollector
}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeAttempt(_ context.Context, _ core.Attempt) {}

func (h *MetricsHook) AfterAttempt(_ context.Context, a core.Attempt, _ time.Duration, _ error) {
	if a.Width > 0 && a.Height > 0 {
		h.collector.RecordMemory(core.BitmapBytes(a.Width, a.Height))
	}
	if a.Action != "" {
		h.collector.RecordOutcome(a.Kind, "action_"+a.Action)
	}
}

// ── Fan-out ───────────────────────────────────────────────────────────────────

// Tee forwards every observation to each collector in order.
func Tee(collectors ...core.MetricsCollector) core.MetricsCollector {
	return tee(collectors)
}

type tee []core.MetricsCollector

func (t tee) RecordProcessingTime(stage string, d interface{ Seconds() float64 }) {
	for _, c := range t {
		c.RecordProcessingTime(stage, d)
	}
}

func (t tee) RecordThroughput(bytes int64) {
	for _, c := range t {
		c.RecordThroughput(bytes)
	}
}

func (t tee) RecordMemory(bytes int64) {
	for _, c := range t {
		c.RecordMemory(bytes)
	}
}

func (t tee) RecordError(stage string, category string) {
	for _, c := range t {
		c.RecordError(stage, category)
	}
}

func (t tee) RecordOutcome(kind core.SessionKind, outcome string) {
	for _, c := range t {
		c.RecordOutcome(kind, outcome)
	}
}
