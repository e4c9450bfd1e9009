package quota

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus collectors for admission decisions. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	admissions     *prometheus.CounterVec
	waits          *prometheus.CounterVec
	waitSeconds    *prometheus.HistogramVec
	recordedTokens *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_admissions_total",
				Help: "Admission decisions by outcome (admitted, unlimited, impossible, canceled)",
			},
			[]string{"model", "result"},
		),
		waits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_waits_total",
				Help: "Number of admission waits by the limit that triggered them",
			},
			[]string{"model", "limit_type"},
		),
		waitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotaguard_wait_seconds",
				Help:    "Planned duration of each admission wait",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 3600, 86400},
			},
			[]string{"model"},
		),
		recordedTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_recorded_tokens_total",
				Help: "Tokens charged to the shared quota state",
			},
			[]string{"model"},
		),
	}
}

func (m *Metrics) recordAdmission(model, result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(model, result).Inc()
}

func (m *Metrics) recordWait(model string, limit LimitType, wait time.Duration) {
	if m == nil {
		return
	}
	m.waits.WithLabelValues(model, string(limit)).Inc()
	m.waitSeconds.WithLabelValues(model).Observe(wait.Seconds())
}

func (m *Metrics) recordTokens(model string, tokens int) {
	if m == nil {
		return
	}
	m.recordedTokens.WithLabelValues(model).Add(float64(tokens))
}

// UsageCollector exports a limiter's Snapshot as gauges on every scrape, so
// a process that never makes calls can still report shared usage.
type UsageCollector struct {
	limiter *Limiter
	timeout time.Duration

	used  *prometheus.Desc
	limit *prometheus.Desc
}

// NewUsageCollector returns a collector reading usage through limiter.
func NewUsageCollector(limiter *Limiter) *UsageCollector {
	labels := []string{"tier", "model", "limit_type"}
	return &UsageCollector{
		limiter: limiter,
		timeout: 5 * time.Second,
		used:    prometheus.NewDesc("quotaguard_usage", "Current usage within each window", labels, nil),
		limit:   prometheus.NewDesc("quotaguard_limit", "Configured ceiling of each window", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *UsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.used
	ch <- c.limit
}

// Collect implements prometheus.Collector.
func (c *UsageCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	// limits and labels must come from the same tier even if it switches mid-scrape
	tier := c.limiter.Tier()
	usage, err := c.limiter.snapshot(ctx, tier)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.used, err)
		return
	}
	for _, u := range usage {
		for _, v := range []struct {
			kind          LimitType
			used, ceiling int
		}{
			{LimitRPM, u.RequestsPerMinute, u.Limit.RPM},
			{LimitTPM, u.TokensPerMinute, u.Limit.TPM},
			{LimitRPD, u.RequestsPerDay, u.Limit.RPD},
		} {
			ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(v.used), tier, u.Model, string(v.kind))
			ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(v.ceiling), tier, u.Model, string(v.kind))
		}
	}
}
