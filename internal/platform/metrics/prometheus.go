// Package metrics provides Prometheus metrics for the HL7 v2 parser.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/hl7parse/internal/platform/hl7v2"
)

// Metrics holds all parser metrics
type Metrics struct {
	MessagesParsed  *prometheus.CounterVec
	SegmentsParsed  *prometheus.CounterVec
	IssuesReported  *prometheus.CounterVec
	ParseDuration   *prometheus.HistogramVec
	Completeness    prometheus.Histogram
	RealignedPIDs   prometheus.Counter
	MLLPConnections prometheus.Gauge

	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	HTTPActiveRequests prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with reg. A nil reg means the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		MessagesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_parsed_total",
			Help: "Total messages parsed, by source and outcome status",
		}, []string{"source", "status"}),
		SegmentsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_segments_parsed_total",
			Help: "Total segments parsed, by parse path",
		}, []string{"path"}),
		IssuesReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_issues_total",
			Help: "Total validation issues, by severity and code",
		}, []string{"severity", "code"}),
		ParseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hl7_parse_duration_seconds",
			Help:    "Message parse duration",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"source"}),
		Completeness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hl7_record_completeness_ratio",
			Help:    "Share of critical fields present per parsed message",
			Buckets: []float64{.25, .5, .75, .9, 1},
		}),
		RealignedPIDs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7_pid_realigned_total",
			Help: "Total PID segments read one field position off",
		}),
		MLLPConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hl7_mllp_connections_active",
			Help: "Currently open MLLP connections",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_active",
			Help: "HTTP requests currently being served",
		}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.MessagesParsed,
		m.SegmentsParsed,
		m.IssuesReported,
		m.ParseDuration,
		m.Completeness,
		m.RealignedPIDs,
		m.MLLPConnections,
		m.HTTPRequests,
		m.HTTPDuration,
		m.HTTPActiveRequests,
	)

	return m
}

// ObserveParse implements hl7v2.Observer.
func (m *Metrics) ObserveParse(_ context.Context, source string, res *hl7v2.Result, elapsed time.Duration) {
	m.MessagesParsed.WithLabelValues(source, string(res.Status())).Inc()
	m.ParseDuration.WithLabelValues(source).Observe(elapsed.Seconds())

	for _, issue := range res.Issues {
		m.IssuesReported.WithLabelValues(string(issue.Severity), string(issue.Code)).Inc()
	}
	if res.Fatal() {
		return
	}

	q := res.Quality
	m.SegmentsParsed.WithLabelValues(string(hl7v2.PathStructured)).Add(float64(q.StructuredSegments))
	m.SegmentsParsed.WithLabelValues(string(hl7v2.PathFallback)).Add(float64(q.FallbackSegments))
	m.SegmentsParsed.WithLabelValues(string(hl7v2.PathSkipped)).Add(float64(q.UnrecognizedSegments))
	m.RealignedPIDs.Add(float64(q.RealignedSegments))
	m.Completeness.Observe(q.Completeness)
}

// ConnectionOpened implements hl7v2.ConnectionTracker.
func (m *Metrics) ConnectionOpened() { m.MLLPConnections.Inc() }

// ConnectionClosed implements hl7v2.ConnectionTracker.
func (m *Metrics) ConnectionClosed() { m.MLLPConnections.Dec() }

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
