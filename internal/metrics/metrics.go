package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const namespace = "tickstore"

// Metrics holds process-wide tickstore metrics for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal atomic.Int64
	httpRequestsError atomic.Int64
	httpLatencySum    atomic.Int64 // microseconds
	httpLatencyCount  atomic.Int64

	// Feed metrics
	feedMessagesTotal     atomic.Int64
	feedDecodeErrorsTotal atomic.Int64

	// Archive metrics
	archivePushesTotal atomic.Int64
	archiveBytesTotal  atomic.Int64
	archiveErrorsTotal atomic.Int64

	series sync.Map // name -> *Series

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns an empty, unshared metrics set.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
}

// Feed Metrics
func (m *Metrics) IncFeedMessages()     { m.feedMessagesTotal.Add(1) }
func (m *Metrics) IncFeedDecodeErrors() { m.feedDecodeErrorsTotal.Add(1) }

// Archive Metrics
func (m *Metrics) IncArchivePushes()            { m.archivePushesTotal.Add(1) }
func (m *Metrics) IncArchiveBytes(bytes int64) { m.archiveBytesTotal.Add(bytes) }
func (m *Metrics) IncArchiveErrors()            { m.archiveErrorsTotal.Add(1) }

// Series returns the counters for the named series, creating them on first use.
func (m *Metrics) Series(name string) *Series {
	if s, ok := m.series.Load(name); ok {
		return s.(*Series)
	}
	s, _ := m.series.LoadOrStore(name, NewSeries(name))
	return s.(*Series)
}

// SeriesNames returns the names of all known series, sorted.
func (m *Metrics) SeriesNames() []string {
	var names []string
	m.series.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Snapshot returns a point-in-time copy of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	series := make(map[string]interface{})
	m.series.Range(func(k, v any) bool {
		series[k.(string)] = v.(*Series).Snapshot()
		return true
	})

	return map[string]interface{}{
		"uptime_seconds":           int64(time.Since(m.startTime).Seconds()),
		"http_requests_total":      m.httpRequestsTotal.Load(),
		"http_requests_error":      m.httpRequestsError.Load(),
		"http_latency_sum_us":      m.httpLatencySum.Load(),
		"http_latency_count":       m.httpLatencyCount.Load(),
		"feed_messages_total":      m.feedMessagesTotal.Load(),
		"feed_decode_errors_total": m.feedDecodeErrorsTotal.Load(),
		"archive_pushes_total":     m.archivePushesTotal.Load(),
		"archive_bytes_total":      m.archiveBytesTotal.Load(),
		"archive_errors_total":     m.archiveErrorsTotal.Load(),
		"series":                   series,
	}
}

var (
	descUptime = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "uptime_seconds"),
		"Seconds since the process started.", nil, nil)
	descHTTPRequests = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "http", "requests_total"),
		"HTTP requests by outcome.", []string{"outcome"}, nil)
	descHTTPLatency = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "http", "request_duration_seconds"),
		"HTTP request latency.", nil, nil)
	descFeedMessages = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "feed", "messages_total"),
		"Messages received from passive feeds.", nil, nil)
	descFeedDecodeErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "feed", "decode_errors_total"),
		"Feed messages that failed to decode.", nil, nil)
	descArchivePushes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "archive", "pushes_total"),
		"Series files pushed to the archive.", nil, nil)
	descArchiveBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "archive", "bytes_total"),
		"Compressed bytes pushed to the archive.", nil, nil)
	descArchiveErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "archive", "errors_total"),
		"Failed archive operations.", nil, nil)

	descReads = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "segment_resolves_total"),
		"Segment resolutions by the tier that answered.", []string{"series", "tier"}, nil)
	descOriginErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "origin_errors_total"),
		"Failed origin supplier calls.", []string{"series"}, nil)
	descOriginDropped = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "origin_dropped_total"),
		"Origin records outside the requested segment.", []string{"series"}, nil)
	descStored = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "records_stored_total"),
		"Records written to the series.", []string{"series"}, nil)
	descEvictions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "evictions_total"),
		"Evicted segments by outcome.", []string{"series", "outcome"}, nil)
	descFlushes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "flushes_total"),
		"Dirty segments written to disk.", []string{"series"}, nil)
	descFlushErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "flush_errors_total"),
		"Failed segment writes.", []string{"series"}, nil)
	descResident = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "series", "resident_segments"),
		"Segments currently held in memory.", []string{"series"}, nil)
)

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descUptime, descHTTPRequests, descHTTPLatency,
		descFeedMessages, descFeedDecodeErrors,
		descArchivePushes, descArchiveBytes, descArchiveErrors,
		descReads, descOriginErrors, descOriginDropped, descStored,
		descEvictions, descFlushes, descFlushErrors, descResident,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(descUptime, time.Since(m.startTime).Seconds())

	total := m.httpRequestsTotal.Load()
	failed := m.httpRequestsError.Load()
	counter(descHTTPRequests, total-failed, "ok")
	counter(descHTTPRequests, failed, "error")
	ch <- prometheus.MustNewConstSummary(descHTTPLatency,
		uint64(m.httpLatencyCount.Load()), float64(m.httpLatencySum.Load())/1e6, nil)

	counter(descFeedMessages, m.feedMessagesTotal.Load())
	counter(descFeedDecodeErrors, m.feedDecodeErrorsTotal.Load())
	counter(descArchivePushes, m.archivePushesTotal.Load())
	counter(descArchiveBytes, m.archiveBytesTotal.Load())
	counter(descArchiveErrors, m.archiveErrorsTotal.Load())

	m.series.Range(func(_, v any) bool {
		s := v.(*Series)
		counter(descReads, s.heapHits.Load(), s.name, "heap")
		counter(descReads, s.diskHits.Load(), s.name, "disk")
		counter(descReads, s.originHits.Load(), s.name, "origin")
		counter(descReads, s.misses.Load(), s.name, "miss")
		counter(descOriginErrors, s.originErrors.Load(), s.name)
		counter(descOriginDropped, s.originDropped.Load(), s.name)
		counter(descStored, s.stored.Load(), s.name)
		counter(descEvictions, s.evictions.Load(), s.name, "flushed")
		counter(descEvictions, s.discarded.Load(), s.name, "discarded")
		counter(descFlushes, s.flushes.Load(), s.name)
		counter(descFlushErrors, s.flushErrors.Load(), s.name)
		gauge(descResident, float64(s.resident.Load()), s.name)
		return true
	})
}

// Register adds the collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m)
}
