package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Whateverdoa/DEGIRO-2025/internal/apierr"
	"github.com/Whateverdoa/DEGIRO-2025/internal/util"
)

// DefaultBufferSize is the per-kind capacity of the metric buffers.
const DefaultBufferSize = 1000

// Monitor holds recent metrics, one bounded buffer per kind.
type Monitor struct {
	mu      sync.Mutex
	buffers map[Kind]*ring
	totals  map[Kind]float64
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Monitor.
type Option func(*monitorOptions)

type monitorOptions struct {
	capacity int
	now      func() time.Time
	logger   *slog.Logger
}

// WithBufferSize sets the per-kind buffer capacity.
func WithBufferSize(n int) Option {
	return func(o *monitorOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *monitorOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *monitorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	o := monitorOptions{
		capacity: DefaultBufferSize,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Monitor{
		buffers: make(map[Kind]*ring, len(AllKinds())),
		totals:  make(map[Kind]float64, len(AllKinds())),
		now:     o.now,
		logger:  o.logger,
	}
	for _, k := range AllKinds() {
		m.buffers[k] = newRing(o.capacity)
	}
	return m
}

// Now returns the monitor's clock reading.
func (m *Monitor) Now() time.Time { return m.now() }

// Record appends a metric. A zero timestamp is filled with the current
// time. Unknown kinds are dropped and logged.
func (m *Monitor) Record(metric Metric) {
	if !metric.Kind.Valid() {
		m.logger.Warn("dropping metric with unknown kind", "kind", string(metric.Kind))
		return
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = m.now()
	}

	m.mu.Lock()
	m.buffers[metric.Kind].push(metric)
	m.totals[metric.Kind] += metric.Value
	m.mu.Unlock()
}

// RecordRequest records one completed remote request. Every request counts
// toward RequestCount and ResponseTime; failures add an ErrorCount sample,
// and rate-limit failures a RateLimitHit sample as well.
func (m *Monitor) RecordRequest(endpoint string, elapsed time.Duration, err error) {
	now := m.now()
	m.Record(Metric{Timestamp: now, Kind: KindRequestCount, Value: 1, Endpoint: endpoint})
	m.Record(Metric{
		Timestamp: now,
		Kind:      KindResponseTime,
		Value:     float64(elapsed) / float64(time.Millisecond),
		Endpoint:  endpoint,
	})
	if err == nil {
		return
	}

	kind := apierr.Classify(err)
	m.Record(Metric{
		Timestamp: now,
		Kind:      KindErrorCount,
		Value:     1,
		Endpoint:  endpoint,
		Details: map[string]string{
			"error_kind": kind.String(),
			"error":      err.Error(),
		},
	})
	if kind == apierr.KindRateLimited {
		m.Record(Metric{Timestamp: now, Kind: KindRateLimitHit, Value: 1, Endpoint: endpoint})
	}
}

// RecordReconnect records a successful reconnection.
func (m *Monitor) RecordReconnect(details map[string]string) {
	m.Record(Metric{Kind: KindReconnectCount, Value: 1, Details: details})
}

// RecordSessionDuration records how long a session lasted.
func (m *Monitor) RecordSessionDuration(d time.Duration) {
	m.Record(Metric{Kind: KindSessionDuration, Value: d.Seconds()})
}

// Window returns a snapshot of all metrics newer than now minus window,
// grouped by kind, oldest first.
func (m *Monitor) Window(window time.Duration) map[Kind][]Metric {
	cutoff := m.now().Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Kind][]Metric, len(m.buffers))
	for k, r := range m.buffers {
		out[k] = r.since(nil, cutoff)
	}
	return out
}

// Totals returns lifetime sums per kind, including evicted samples.
func (m *Monitor) Totals() map[Kind]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Kind]float64, len(m.totals))
	for k, v := range m.totals {
		out[k] = v
	}
	return out
}

// Len returns the number of buffered samples of kind k.
func (m *Monitor) Len(k Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.buffers[k]; ok {
		return r.len()
	}
	return 0
}

// Summary aggregates response times.
type Summary struct {
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Statistics aggregates one trailing window of metrics.
type Statistics struct {
	Window    time.Duration
	Timestamp time.Time

	Requests       int
	Errors         int
	ResponseTime   Summary
	RateLimitHits  float64
	Reconnects     float64
	SessionSeconds float64

	// Samples in the window regardless of their values. Alert rules on
	// rate limits and reconnects compare these.
	RateLimitHitCount int
	ReconnectCount    int

	SuccessRate float64
	ErrorRate   float64
}

// Value returns the aggregate for kind k as a single number: counts for
// request and error kinds, the average for response time, sums otherwise.
func (s Statistics) Value(k Kind) float64 {
	switch k {
	case KindRequestCount:
		return float64(s.Requests)
	case KindErrorCount:
		return float64(s.Errors)
	case KindResponseTime:
		return s.ResponseTime.Avg
	case KindRateLimitHit:
		return s.RateLimitHits
	case KindReconnectCount:
		return s.Reconnects
	case KindSessionDuration:
		return s.SessionSeconds
	}
	return 0
}

// MarshalJSON writes the snapshot document layout.
func (s Statistics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		WindowMinutes float64        `json:"window_minutes"`
		Timestamp     time.Time      `json:"timestamp"`
		Metrics       map[string]any `json:"metrics"`
	}{
		WindowMinutes: s.Window.Minutes(),
		Timestamp:     s.Timestamp,
		Metrics: map[string]any{
			string(KindRequestCount):    s.Requests,
			string(KindErrorCount):      s.Errors,
			string(KindResponseTime):    s.ResponseTime,
			string(KindRateLimitHit):    s.RateLimitHits,
			string(KindReconnectCount):  s.Reconnects,
			string(KindSessionDuration): s.SessionSeconds,
			"success_rate":              s.SuccessRate,
			"error_rate":                s.ErrorRate,
		},
	})
}

// Statistics computes aggregates over the trailing window. With no
// requests the error rate is 0 and the success rate 1.
func (m *Monitor) Statistics(window time.Duration) Statistics {
	return computeStatistics(m.Window(window), window, m.now())
}

func computeStatistics(byKind map[Kind][]Metric, window time.Duration, now time.Time) Statistics {
	st := Statistics{
		Window:    window,
		Timestamp: now,
		Requests:  len(byKind[KindRequestCount]),
		Errors:    len(byKind[KindErrorCount]),
	}

	if rts := byKind[KindResponseTime]; len(rts) > 0 {
		sum, lo, hi := 0.0, math.Inf(1), math.Inf(-1)
		for _, m := range rts {
			sum += m.Value
			lo = math.Min(lo, m.Value)
			hi = math.Max(hi, m.Value)
		}
		st.ResponseTime = Summary{Avg: sum / float64(len(rts)), Min: lo, Max: hi, Count: len(rts)}
	}

	st.RateLimitHits = sumValues(byKind[KindRateLimitHit])
	st.Reconnects = sumValues(byKind[KindReconnectCount])
	st.RateLimitHitCount = len(byKind[KindRateLimitHit])
	st.ReconnectCount = len(byKind[KindReconnectCount])
	st.SessionSeconds = sumValues(byKind[KindSessionDuration])

	if st.Requests > 0 {
		st.ErrorRate = float64(st.Errors) / float64(st.Requests)
		st.SuccessRate = float64(st.Requests-st.Errors) / float64(st.Requests)
		if st.SuccessRate < 0 {
			st.SuccessRate = 0
		}
	} else {
		st.SuccessRate = 1
	}
	return st
}

func sumValues(ms []Metric) float64 {
	var total float64
	for _, m := range ms {
		total += m.Value
	}
	return total
}

// ExportSnapshot writes the statistics for window to path as JSON.
func (m *Monitor) ExportSnapshot(path string, window time.Duration) error {
	st := m.Statistics(window)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	m.logger.Info("exported metrics snapshot", "path", path, "window", window)
	return nil
}
