package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const Namespace = "forkd"

type Metrics struct {
	ns       string
	registry *prometheus.Registry
	factory  opmetrics.Factory

	info prometheus.GaugeVec
	up   prometheus.Gauge

	cacheGets      *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	remoteCalls        *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec

	passthroughs *prometheus.CounterVec
	snapshotOps  *prometheus.CounterVec
	localHead    *prometheus.GaugeVec
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics(procName string) *Metrics {
	return newMetrics(procName, opmetrics.NewRegistry())
}

func newMetrics(procName string, registry *prometheus.Registry) *Metrics {
	if procName == "" {
		procName = "default"
	}
	ns := Namespace + "_" + procName

	factory := opmetrics.With(registry)
	return &Metrics{
		ns:       ns,
		registry: registry,
		factory:  factory,

		info: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and config info",
		}, []string{
			"version",
		}),
		up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "up",
			Help:      "1 if forkd has finished starting up",
		}),
		cacheGets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_gets_total",
			Help:      "Lookups against fork caches, by store and hit/miss",
		}, []string{"fork", "store", "result"}),
		cacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_evictions_total",
			Help:      "Capacity evictions from fork caches",
		}, []string{"fork", "store"}),
		remoteCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "remote_calls_total",
			Help:      "Calls made to the remote source, by method and outcome",
		}, []string{"fork", "method", "result"}),
		remoteCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "remote_call_duration_seconds",
			Help:      "Duration of calls to the remote source",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"fork", "method"}),
		passthroughs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "passthrough_requests_total",
			Help:      "Requests forwarded verbatim to the remote source",
		}, []string{"fork", "method"}),
		snapshotOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "snapshot_ops_total",
			Help:      "Snapshot lifecycle operations",
		}, []string{"fork", "op"}),
		localHead: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "local_head",
			Help:      "Local head block number per fork",
		}, []string{"fork"}),
	}
}

// RecordInfo sets a pseudo-metric that contains versioning and config info.
func (m *Metrics) RecordInfo(version string) {
	m.info.WithLabelValues(version).Set(1)
}

// RecordUp sets the up metric to 1.
func (m *Metrics) RecordUp() {
	m.up.Set(1)
}

func (m *Metrics) RecordCacheGet(fork string, store string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheGets.WithLabelValues(fork, store, result).Inc()
}

func (m *Metrics) RecordCacheEviction(fork string, store string) {
	m.cacheEvictions.WithLabelValues(fork, store).Inc()
}

func (m *Metrics) RecordRemoteCall(fork string, method string) func(err error) {
	start := time.Now()
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.remoteCalls.WithLabelValues(fork, method, result).Inc()
		m.remoteCallDuration.WithLabelValues(fork, method).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordPassthrough(fork string, method string) {
	m.passthroughs.WithLabelValues(fork, method).Inc()
}

func (m *Metrics) RecordSnapshotOp(fork string, op string) {
	m.snapshotOps.WithLabelValues(fork, op).Inc()
}

func (m *Metrics) RecordHeadAdvance(fork string, head uint64) {
	m.localHead.WithLabelValues(fork).Set(float64(head))
}

func (m *Metrics) Document() []opmetrics.DocumentedMetric {
	return m.factory.Document()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
