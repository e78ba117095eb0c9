package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Monitor (and optionally an Engine) to Prometheus.
// Values are read at scrape time, so nothing is duplicated.
type Collector struct {
	monitor *Monitor
	engine  *Engine
	window  time.Duration

	totalDesc   *prometheus.Desc
	windowDesc  *prometheus.Desc
	errorRate   *prometheus.Desc
	successRate *prometheus.Desc
	respAvg     *prometheus.Desc
	alertsDesc  *prometheus.Desc
}

// NewCollector creates a collector. engine may be nil.
func NewCollector(m *Monitor, engine *Engine, window time.Duration) *Collector {
	if window <= 0 {
		window = DefaultAlertWindow
	}
	return &Collector{
		monitor: m,
		engine:  engine,
		window:  window,
		totalDesc: prometheus.NewDesc(
			"degiro_api_metric_total",
			"Lifetime sum of recorded samples by metric kind.",
			[]string{"kind"}, nil,
		),
		windowDesc: prometheus.NewDesc(
			"degiro_api_metric_window",
			"Aggregate of each metric kind over the trailing window.",
			[]string{"kind"}, nil,
		),
		errorRate: prometheus.NewDesc(
			"degiro_api_error_rate",
			"Share of failed requests over the trailing window.",
			nil, nil,
		),
		successRate: prometheus.NewDesc(
			"degiro_api_success_rate",
			"Share of successful requests over the trailing window.",
			nil, nil,
		),
		respAvg: prometheus.NewDesc(
			"degiro_api_response_time_avg_ms",
			"Average response time in milliseconds over the trailing window.",
			nil, nil,
		),
		alertsDesc: prometheus.NewDesc(
			"degiro_alerts_fired_total",
			"Alerts fired per rule.",
			[]string{"rule", "severity"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.windowDesc
	ch <- c.errorRate
	ch <- c.successRate
	ch <- c.respAvg
	ch <- c.alertsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	totals := c.monitor.Totals()
	st := c.monitor.Statistics(c.window)

	for _, k := range AllKinds() {
		ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue, totals[k], string(k))
		ch <- prometheus.MustNewConstMetric(c.windowDesc, prometheus.GaugeValue, st.Value(k), string(k))
	}
	ch <- prometheus.MustNewConstMetric(c.errorRate, prometheus.GaugeValue, st.ErrorRate)
	ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, st.SuccessRate)
	ch <- prometheus.MustNewConstMetric(c.respAvg, prometheus.GaugeValue, st.ResponseTime.Avg)

	if c.engine == nil {
		return
	}
	for _, rs := range c.engine.Rules() {
		ch <- prometheus.MustNewConstMetric(c.alertsDesc, prometheus.CounterValue,
			float64(rs.FireCount), rs.Name, string(rs.Severity))
	}
}
