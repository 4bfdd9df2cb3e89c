package allocator

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flotillaproject/flotilla/internal/allocator/fairness"
	"github.com/flotillaproject/flotilla/pkg/api"
)

const metricPrefix = "flotilla_"

var agentsDesc = prometheus.NewDesc(
	metricPrefix+"agents",
	"Number of registered agents",
	nil,
	nil,
)

var frameworksDesc = prometheus.NewDesc(
	metricPrefix+"frameworks",
	"Number of registered frameworks",
	nil,
	nil,
)

var activeFiltersDesc = prometheus.NewDesc(
	metricPrefix+"filters_active",
	"Number of attached refusal filters",
	nil,
	nil,
)

var passesDesc = prometheus.NewDesc(
	metricPrefix+"allocation_passes_total",
	"Number of allocation passes run",
	nil,
	nil,
)

var offersEmittedDesc = prometheus.NewDesc(
	metricPrefix+"offers_emitted_total",
	"Number of per-agent offers emitted",
	nil,
	nil,
)

var declinesDesc = prometheus.NewDesc(
	metricPrefix+"resources_declined_total",
	"Number of unused-resource events processed",
	nil,
	nil,
)

var recoveriesDesc = prometheus.NewDesc(
	metricPrefix+"resources_recovered_total",
	"Number of recovered-resource events processed",
	nil,
	nil,
)

var expiredFiltersDesc = prometheus.NewDesc(
	metricPrefix+"filters_expired_total",
	"Number of filters removed by their expiry deadline",
	nil,
	nil,
)

var dominantShareDesc = prometheus.NewDesc(
	metricPrefix+"framework_dominant_share",
	"Dominant resource share of a framework",
	[]string{"framework"},
	nil,
)

var allocatedDesc = prometheus.NewDesc(
	metricPrefix+"framework_allocated",
	"Scalar resources allocated to a framework",
	[]string{"framework", "resource"},
	nil,
)

var capacityDesc = prometheus.NewDesc(
	metricPrefix+"cluster_capacity",
	"Total advertised scalar capacity across agents",
	[]string{"resource"},
	nil,
)

var freeDesc = prometheus.NewDesc(
	metricPrefix+"cluster_free",
	"Currently free scalar capacity across agents",
	[]string{"resource"},
	nil,
)

// metricsState carries the allocator's event counters and the latest
// state snapshot. Counters are only touched from the allocator
// goroutine; the snapshot hands them to the scrape goroutine.
type metricsState struct {
	passes         uint64
	offersEmitted  uint64
	declines       uint64
	recoveries     uint64
	expiredFilters uint64
	snapshot       atomic.Value // *metricsSnapshot
}

type metricsSnapshot struct {
	agents         int
	frameworks     int
	activeFilters  int
	passes         uint64
	offersEmitted  uint64
	declines       uint64
	recoveries     uint64
	expiredFilters uint64
	shares         map[api.FrameworkID]float64
	allocated      map[api.FrameworkID]map[string]float64
	capacity       map[string]float64
	free           map[string]float64
}

func newMetricsState() *metricsState {
	m := &metricsState{}
	m.snapshot.Store(&metricsSnapshot{})
	return m
}

// publishMetrics snapshots allocator state for the metrics collector.
// Called at the end of every inbound event that reaches the ledger or
// the filter registry, on the allocator goroutine; the advisory hooks
// and events dropped early do not publish.
func (a *Allocator) publishMetrics() {
	total := a.ledger.Total()
	drf := fairness.NewDominantResourceFairness(total)

	snap := &metricsSnapshot{
		agents:         a.ledger.AgentCount(),
		frameworks:     a.ledger.FrameworkCount(),
		activeFilters:  a.registry.ActiveCount(),
		passes:         a.metrics.passes,
		offersEmitted:  a.metrics.offersEmitted,
		declines:       a.metrics.declines,
		recoveries:     a.metrics.recoveries,
		expiredFilters: a.metrics.expiredFilters,
		shares:         map[api.FrameworkID]float64{},
		allocated:      map[api.FrameworkID]map[string]float64{},
		capacity:       map[string]float64{},
		free:           map[string]float64{},
	}
	for _, frameworkID := range a.ledger.FrameworkIDs() {
		allocation := a.ledger.AllocationOf(frameworkID)
		snap.shares[frameworkID] = drf.Share(allocation)
		scalars := map[string]float64{}
		for name := range allocation.Scalars {
			scalars[name] = allocation.ScalarValue(name)
		}
		snap.allocated[frameworkID] = scalars
	}
	for name := range total.Scalars {
		snap.capacity[name] = total.ScalarValue(name)
	}
	for _, agentID := range a.ledger.AgentIDs() {
		free := a.ledger.FreeOf(agentID)
		for name := range free.Scalars {
			snap.free[name] += free.ScalarValue(name)
		}
	}
	a.metrics.snapshot.Store(snap)
}

// MetricsCollector exposes allocator state to prometheus. Safe to
// register once and scrape from any goroutine: it only reads the
// atomically published snapshot.
type MetricsCollector struct {
	state *metricsState
}

func (a *Allocator) Metrics() *MetricsCollector {
	return &MetricsCollector{state: a.metrics}
}

func (c *MetricsCollector) Describe(out chan<- *prometheus.Desc) {
	out <- agentsDesc
	out <- frameworksDesc
	out <- activeFiltersDesc
	out <- passesDesc
	out <- offersEmittedDesc
	out <- declinesDesc
	out <- recoveriesDesc
	out <- expiredFiltersDesc
	out <- dominantShareDesc
	out <- allocatedDesc
	out <- capacityDesc
	out <- freeDesc
}

func (c *MetricsCollector) Collect(out chan<- prometheus.Metric) {
	snap := c.state.snapshot.Load().(*metricsSnapshot)
	out <- prometheus.MustNewConstMetric(agentsDesc, prometheus.GaugeValue, float64(snap.agents))
	out <- prometheus.MustNewConstMetric(frameworksDesc, prometheus.GaugeValue, float64(snap.frameworks))
	out <- prometheus.MustNewConstMetric(activeFiltersDesc, prometheus.GaugeValue, float64(snap.activeFilters))
	out <- prometheus.MustNewConstMetric(passesDesc, prometheus.CounterValue, float64(snap.passes))
	out <- prometheus.MustNewConstMetric(offersEmittedDesc, prometheus.CounterValue, float64(snap.offersEmitted))
	out <- prometheus.MustNewConstMetric(declinesDesc, prometheus.CounterValue, float64(snap.declines))
	out <- prometheus.MustNewConstMetric(recoveriesDesc, prometheus.CounterValue, float64(snap.recoveries))
	out <- prometheus.MustNewConstMetric(expiredFiltersDesc, prometheus.CounterValue, float64(snap.expiredFilters))
	for frameworkID, share := range snap.shares {
		out <- prometheus.MustNewConstMetric(dominantShareDesc, prometheus.GaugeValue, share, string(frameworkID))
	}
	for frameworkID, scalars := range snap.allocated {
		for name, value := range scalars {
			out <- prometheus.MustNewConstMetric(allocatedDesc, prometheus.GaugeValue, value, string(frameworkID), name)
		}
	}
	for name, value := range snap.capacity {
		out <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, value, name)
	}
	for name, value := range snap.free {
		out <- prometheus.MustNewConstMetric(freeDesc, prometheus.GaugeValue, value, name)
	}
}
