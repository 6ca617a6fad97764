package quorumproxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every Prometheus instrument the core emits.
type Metrics struct {
	RateLimited    prometheus.Counter
	NoServers      prometheus.Counter
	ActiveRequests *prometheus.GaugeVec
	ConsensusHead  prometheus.Gauge
	StoreFailures  prometheus.Counter
}

// NewMetrics registers and returns the set of instruments under reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumproxy",
			Name:      "rate_limited_total",
			Help:      "Requests denied admission by every synced upstream.",
		}),
		NoServers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumproxy",
			Name:      "no_servers_total",
			Help:      "Requests that found zero synced upstreams.",
		}),
		ActiveRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quorumproxy",
			Name:      "active_requests",
			Help:      "In-flight requests per upstream.",
		}, []string{"upstream"}),
		ConsensusHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumproxy",
			Name:      "consensus_head_number",
			Help:      "Block number of the current published consensus head.",
		}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumproxy",
			Name:      "stat_store_failures_total",
			Help:      "Flushed stat aggregates that failed to persist.",
		}),
	}
	reg.MustRegister(m.RateLimited, m.NoServers, m.ActiveRequests, m.ConsensusHead, m.StoreFailures)
	return m
}

// SetConsensusHead records the latest published consensus head number.
func (m *Metrics) SetConsensusHead(n uint64) {
	if m == nil {
		return
	}
	m.ConsensusHead.Set(float64(n))
}

// IncStoreFailure counts one failed Store.InsertAggregate call.
func (m *Metrics) IncStoreFailure() {
	if m == nil {
		return
	}
	m.StoreFailures.Inc()
}

// IncRateLimited counts one request denied by every synced upstream.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// IncNoServers counts one request that found no synced upstreams at all.
func (m *Metrics) IncNoServers() {
	if m == nil {
		return
	}
	m.NoServers.Inc()
}

// SetActiveRequests records the in-flight count for upstream.
func (m *Metrics) SetActiveRequests(upstream string, n int64) {
	if m == nil {
		return
	}
	m.ActiveRequests.WithLabelValues(upstream).Set(float64(n))
}
