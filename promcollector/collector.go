// Package promcollector exports pairxfer server metrics to Prometheus.
//
// A Collector implements pairxfer.MetricsCollector and can be passed to
// both server variants with pairxfer.WithMetrics:
//
//	reg := prometheus.NewRegistry()
//	metrics, err := promcollector.New(reg)
//	if err != nil {
//	    return err
//	}
//	srv, err := pairxfer.NewAnonymousServer(dir, pairxfer.WithMetrics(metrics))
package promcollector

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pairxfer"

// Collector records bootstrap and session metrics as Prometheus series.
// All methods are safe for concurrent use.
type Collector struct {
	starts        *prometheus.CounterVec
	startDuration *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	stops         *prometheus.CounterVec
	running       *prometheus.GaugeVec
	logins        *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
}

// New creates a Collector and registers its series with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "starts_total",
			Help:      "Start calls by variant and outcome.",
		}, []string{"variant", "outcome"}),
		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "start_duration_seconds",
			Help:      "Time spent in Start, including the port scan.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"variant"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_attempt_failures_total",
			Help:      "Failed port attempts by variant, port and failure kind.",
		}, []string{"variant", "port", "kind"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stops_total",
			Help:      "Stop calls that shut down a running server.",
		}, []string{"variant"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while the variant is serving.",
		}, []string{"variant"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "Client login attempts by protocol and result.",
		}, []string{"protocol", "result"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Completed transfers by protocol and direction.",
		}, []string{"protocol", "direction"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by completed transfers.",
		}, []string{"protocol", "direction"}),
	}

	for _, collector := range []prometheus.Collector{
		c.starts, c.startDuration, c.attempts, c.stops,
		c.running, c.logins, c.transfers, c.transferBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordStart counts a finished Start call. A "success" outcome marks the
// variant as running.
func (c *Collector) RecordStart(variant, outcome string, attempts int, duration time.Duration) {
	c.starts.WithLabelValues(variant, outcome).Inc()
	c.startDuration.WithLabelValues(variant).Observe(duration.Seconds())
	if outcome == "success" {
		c.running.WithLabelValues(variant).Set(1)
	}
}

// RecordAttempt counts a failed port attempt.
func (c *Collector) RecordAttempt(variant string, port int, kind string) {
	c.attempts.WithLabelValues(variant, strconv.Itoa(port), kind).Inc()
}

// RecordStop counts a Stop and clears the running gauge.
func (c *Collector) RecordStop(variant string) {
	c.stops.WithLabelValues(variant).Inc()
	c.running.WithLabelValues(variant).Set(0)
}

func (c *Collector) RecordAuthentication(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.logins.WithLabelValues(protocol, result).Inc()
}

func (c *Collector) RecordTransfer(protocol, direction string, bytes int64, _ time.Duration) {
	c.transfers.WithLabelValues(protocol, direction).Inc()
	c.transferBytes.WithLabelValues(protocol, direction).Add(float64(bytes))
}
