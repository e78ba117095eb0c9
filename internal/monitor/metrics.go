// Package monitor records API metrics in bounded per-kind buffers, derives
// windowed statistics from them, and evaluates alert rules on a schedule.
package monitor

import (
	"fmt"
	"time"
)

// Kind is the closed set of metric kinds.
type Kind string

const (
	KindRequestCount    Kind = "request_count"
	KindErrorCount      Kind = "error_count"
	KindResponseTime    Kind = "response_time" // milliseconds
	KindRateLimitHit    Kind = "rate_limit_hit"
	KindReconnectCount  Kind = "reconnect_count"
	KindSessionDuration Kind = "session_duration" // seconds
)

// AllKinds lists every metric kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		KindRequestCount,
		KindErrorCount,
		KindResponseTime,
		KindRateLimitHit,
		KindReconnectCount,
		KindSessionDuration,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRequestCount, KindErrorCount, KindResponseTime,
		KindRateLimitHit, KindReconnectCount, KindSessionDuration:
		return true
	}
	return false
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown metric kind %q", s)
	}
	return k, nil
}

// Metric is a single sample. Immutable once recorded.
type Metric struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      Kind              `json:"kind"`
	Value     float64           `json:"value"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry.
type ring struct {
	buf   []Metric
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Metric, capacity)}
}

func (r *ring) push(m Metric) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = m
		r.n++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

// since appends every entry with Timestamp after cutoff to dst, oldest first.
func (r *ring) since(dst []Metric, cutoff time.Time) []Metric {
	for i := 0; i < r.n; i++ {
		m := r.buf[(r.start+i)%len(r.buf)]
		if m.Timestamp.After(cutoff) {
			dst = append(dst, m)
		}
	}
	return dst
}
