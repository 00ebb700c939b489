package metrics

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "flobuf"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics is the Prometheus implementation of the buffer, node and storage
// metric hooks. A nil *Metrics records nothing.
type Metrics struct {
	// Buffers
	framesAppended  *prometheus.CounterVec
	bytesAppended   *prometheus.CounterVec
	blocksAllocated *prometheus.CounterVec
	blocksReleased  *prometheus.CounterVec

	// Spill
	bytesSpilled *prometheus.CounterVec
	blocksLoaded *prometheus.CounterVec
	spillErrors  *prometheus.CounterVec
	storageWrite prometheus.Histogram
	storageRead  prometheus.Histogram

	// Subscriber groups
	framesDelivered *prometheus.CounterVec
	resyncs         *prometheus.CounterVec
	dropped         *prometheus.CounterVec

	// Registry
	publishers prometheus.Gauge
	groups     prometheus.Gauge

	// Requests
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance and registers every collector with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_appended_total",
			Help:      "Frames appended to publisher buffers",
		}, []string{"identity"}),
		bytesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_appended_total",
			Help:      "Bytes appended to publisher buffers",
		}, []string{"identity"}),
		blocksAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blocks_allocated_total",
			Help:      "Blocks allocated",
		}, []string{"identity"}),
		blocksReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blocks_released_total",
			Help:      "Blocks unlinked by purge or reset",
		}, []string{"identity"}),
		bytesSpilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "spilled_bytes_total",
			Help:      "Bytes moved to secondary storage",
		}, []string{"identity"}),
		blocksLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "blocks_loaded_total",
			Help:      "Spilled blocks brought back into memory",
		}, []string{"identity"}),
		spillErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "spill_errors_total",
			Help:      "Secondary storage failures by operation",
		}, []string{"identity", "op"}),
		storageWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "storage_write_seconds",
			Help:      "Secondary storage write latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		storageRead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "storage_read_seconds",
			Help:      "Secondary storage read latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		framesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames handed to at least one subscriber connection",
		}, []string{"group"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "resyncs_total",
			Help:      "Stale iterators replaced",
		}, []string{"group"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_dropped_total",
			Help:      "Subscriber connections dropped after a write error",
		}, []string{"group"}),
		publishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "publishers",
			Help:      "Publisher buffers currently registered",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "subscriber_groups",
			Help:      "Subscriber groups currently registered",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Requests by method and status",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	for _, c := range []prometheus.Collector{
		m.framesAppended, m.bytesAppended, m.blocksAllocated, m.blocksReleased,
		m.bytesSpilled, m.blocksLoaded, m.spillErrors, m.storageWrite, m.storageRead,
		m.framesDelivered, m.resyncs, m.dropped,
		m.publishers, m.groups,
		m.requests, m.requestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

// Appended records frames and bytes written to a buffer.
func (m *Metrics) Appended(identity string, frames, bytes int) {
	if m == nil {
		return
	}
	m.framesAppended.WithLabelValues(identity).Add(float64(frames))
	m.bytesAppended.WithLabelValues(identity).Add(float64(bytes))
}

func (m *Metrics) BlockAllocated(identity string) {
	if m == nil {
		return
	}
	m.blocksAllocated.WithLabelValues(identity).Inc()
}

func (m *Metrics) BlocksReleased(identity string, n int) {
	if m == nil {
		return
	}
	m.blocksReleased.WithLabelValues(identity).Add(float64(n))
}

func (m *Metrics) Spilled(identity string, bytes int) {
	if m == nil {
		return
	}
	m.bytesSpilled.WithLabelValues(identity).Add(float64(bytes))
}

func (m *Metrics) Loaded(identity string) {
	if m == nil {
		return
	}
	m.blocksLoaded.WithLabelValues(identity).Inc()
}

// SpillFailed counts a storage failure; op is store, retrieve or discard.
func (m *Metrics) SpillFailed(identity string, op string) {
	if m == nil {
		return
	}
	m.spillErrors.WithLabelValues(identity, op).Inc()
}

// ObserveWrite implements the pebble store's metrics hook.
func (m *Metrics) ObserveWrite(elapsed time.Duration, _ int) {
	if m == nil {
		return
	}
	m.storageWrite.Observe(elapsed.Seconds())
}

// ObserveRead implements the pebble store's metrics hook.
func (m *Metrics) ObserveRead(elapsed time.Duration, _ int) {
	if m == nil {
		return
	}
	m.storageRead.Observe(elapsed.Seconds())
}

func (m *Metrics) Delivered(group string, frames int) {
	if m == nil {
		return
	}
	m.framesDelivered.WithLabelValues(group).Add(float64(frames))
}

func (m *Metrics) Resynced(group string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(group).Inc()
}

func (m *Metrics) Dropped(group string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(group).Inc()
}

// SetRegistry updates the publisher and group gauges.
func (m *Metrics) SetRegistry(publishers, groups int) {
	if m == nil {
		return
	}
	m.publishers.Set(float64(publishers))
	m.groups.Set(float64(groups))
}

// RecordRequest records the outcome of one transport request.
func (m *Metrics) RecordRequest(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.requests.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
