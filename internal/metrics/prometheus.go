package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a node
type Metrics struct {
	// Coordinator metrics
	GetRequestsTotal   prometheus.Counter
	GetRequestDuration prometheus.Histogram
	GetTimeoutsTotal   prometheus.Counter
	PutRequestsTotal   prometheus.Counter
	PutRequestDuration prometheus.Histogram
	PutTimeoutsTotal   prometheus.Counter

	// Vnode metrics
	VnodeReadsTotal    prometheus.Counter
	VnodeWritesTotal   prometheus.Counter
	VnodeRepairsTotal  prometheus.Counter
	VnodeErrorsTotal   prometheus.Counter
	VnodeMailboxDepth  prometheus.Gauge
	VnodeOverloadTotal prometheus.Counter

	// Anti-entropy metrics
	ExchangesStarted   prometheus.Counter
	ExchangesSkipped   prometheus.Counter
	ExchangesCompleted prometheus.Counter
	KeysRepairedTotal  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics against the
// given registerer.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		GetRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "coordinator",
			Name:        "get_requests_total",
			Help:        "Total number of get coordinators started",
			ConstLabels: labels,
		}),
		GetRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dottedkv",
			Subsystem:   "coordinator",
			Name:        "get_request_duration_seconds",
			Help:        "Time from get dispatch until the coordinator finishes, including read-repair",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		GetTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "coordinator",
			Name:        "get_timeouts_total",
			Help:        "Get coordinators that timed out before quorum",
			ConstLabels: labels,
		}),
		PutRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "coordinator",
			Name:        "put_requests_total",
			Help:        "Total number of put coordinators started",
			ConstLabels: labels,
		}),
		PutRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "dottedkv",
			Subsystem:   "coordinator",
			Name:        "put_request_duration_seconds",
			Help:        "Time from put dispatch until every replica answered or the timer fired",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		PutTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "coordinator",
			Name:        "put_timeouts_total",
			Help:        "Put coordinators that timed out before quorum",
			ConstLabels: labels,
		}),
		VnodeReadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "vnode",
			Name:        "reads_total",
			Help:        "Read messages processed by vnodes",
			ConstLabels: labels,
		}),
		VnodeWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "vnode",
			Name:        "writes_total",
			Help:        "Write messages processed by vnodes",
			ConstLabels: labels,
		}),
		VnodeRepairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "vnode",
			Name:        "repairs_total",
			Help:        "Repair messages absorbed by vnodes",
			ConstLabels: labels,
		}),
		VnodeErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "vnode",
			Name:        "errors_total",
			Help:        "Storage errors surfaced by vnodes",
			ConstLabels: labels,
		}),
		VnodeMailboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dottedkv",
			Subsystem:   "vnode",
			Name:        "mailbox_depth",
			Help:        "Messages waiting across vnode mailboxes",
			ConstLabels: labels,
		}),
		VnodeOverloadTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "vnode",
			Name:        "overload_total",
			Help:        "Messages rejected because a mailbox was full",
			ConstLabels: labels,
		}),
		ExchangesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "entropy",
			Name:        "exchanges_started_total",
			Help:        "Anti-entropy exchanges initiated",
			ConstLabels: labels,
		}),
		ExchangesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "entropy",
			Name:        "exchanges_skipped_total",
			Help:        "Exchange ticks dropped because the pair was busy or not ready",
			ConstLabels: labels,
		}),
		ExchangesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "entropy",
			Name:        "exchanges_completed_total",
			Help:        "Anti-entropy exchanges run to completion",
			ConstLabels: labels,
		}),
		KeysRepairedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "dottedkv",
			Subsystem:   "entropy",
			Name:        "keys_repaired_total",
			Help:        "Keys repaired by read-repair and anti-entropy",
			ConstLabels: labels,
		}),
	}
}
