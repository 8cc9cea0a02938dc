// Package metrics exposes Prometheus instrumentation for the pool, the
// invocation pipeline, the chain executor, and the storage-call subsystem.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles the runtime's Prometheus metrics behind a registry of
// its own, so embedding applications can mount it under any path.
type Collectors struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	coldStartsTotal  prometheus.Counter
	warmStartsTotal  prometheus.Counter

	vmsCreated prometheus.Counter
	vmsStopped prometheus.Counter
	vmsEvicted prometheus.Counter

	invocationDuration *prometheus.HistogramVec
	vmBootDuration     *prometheus.HistogramVec
	storageCallLatency *prometheus.HistogramVec

	activeVMs       *prometheus.GaugeVec
	reservedVMs     *prometheus.GaugeVec
	queueWaitMs     *prometheus.GaugeVec
	chainLength     prometheus.Histogram
	commitsTotal    *prometheus.CounterVec
	longLivedConns  prometheus.Gauge
	regexCacheHits  prometheus.Counter
	regexCacheMiss  prometheus.Counter
}

var (
	global     *Collectors
	globalOnce sync.Once
)

// Global returns the process-wide Collectors instance, creating it on first
// use.
func Global() *Collectors {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New creates a fresh, independently registered Collectors instance. Most
// callers should use Global(); New is for tests that want isolation.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &Collectors{
		registry: registry,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvmruntime_invocations_total",
			Help: "Total number of tenant invocations.",
		}, []string{"tenant", "success"}),
		coldStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmruntime_cold_starts_total",
			Help: "Total number of cold-started ephemeral VMs.",
		}),
		warmStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmruntime_warm_starts_total",
			Help: "Total number of invocations served by a warm VM.",
		}),
		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmruntime_vms_created_total",
			Help: "Total number of ephemeral VMs created.",
		}),
		vmsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmruntime_vms_stopped_total",
			Help: "Total number of ephemeral VMs stopped (idle eviction or shutdown).",
		}),
		vmsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmruntime_vms_evicted_total",
			Help: "Total number of ephemeral VMs evicted after a failed invocation.",
		}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvmruntime_invocation_duration_seconds",
			Help:    "Invocation wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),
		vmBootDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvmruntime_vm_boot_duration_seconds",
			Help:    "Time to boot/clone an ephemeral VM.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"tenant"}),
		storageCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvmruntime_storage_call_duration_seconds",
			Help:    "Latency of storage VM calls, serialized per Program Instance.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant", "kind"}),
		activeVMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kvmruntime_active_vms",
			Help: "Current number of live ephemeral VMs per tenant.",
		}, []string{"tenant"}),
		reservedVMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kvmruntime_reserved_vms",
			Help: "Current number of reserved (in-flight) ephemeral VMs per tenant.",
		}, []string{"tenant"}),
		queueWaitMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kvmruntime_queue_wait_ms",
			Help: "Most recent VM reservation queue wait, in milliseconds.",
		}, []string{"tenant"}),
		chainLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvmruntime_chain_length",
			Help:    "Number of invocations in a chain.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 13, 21},
		}),
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvmruntime_commits_total",
			Help: "Live-commit operations, by result.",
		}, []string{"tenant", "result"}),
		longLivedConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvmruntime_longlived_connections",
			Help: "Current number of fds donated to long-lived guest handlers.",
		}),
		regexCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmruntime_regex_cache_hits_total",
			Help: "Regex handle cache hits (CRC32-C + byte match).",
		}),
		regexCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvmruntime_regex_cache_misses_total",
			Help: "Regex handle cache misses requiring a fresh compile.",
		}),
	}

	registry.MustRegister(
		c.invocationsTotal, c.coldStartsTotal, c.warmStartsTotal,
		c.vmsCreated, c.vmsStopped, c.vmsEvicted,
		c.invocationDuration, c.vmBootDuration, c.storageCallLatency,
		c.activeVMs, c.reservedVMs, c.queueWaitMs, c.chainLength,
		c.commitsTotal, c.longLivedConns, c.regexCacheHits, c.regexCacheMiss,
	)
	return c
}

// Registry exposes the underlying Prometheus registry for mounting a
// /metrics HTTP handler.
func (c *Collectors) Registry() *prometheus.Registry { return c.registry }

func (c *Collectors) RecordInvocation(tenant string, durationSeconds float64, coldStart, success bool) {
	c.invocationsTotal.WithLabelValues(tenant, boolLabel(success)).Inc()
	c.invocationDuration.WithLabelValues(tenant).Observe(durationSeconds)
	if coldStart {
		c.coldStartsTotal.Inc()
	} else {
		c.warmStartsTotal.Inc()
	}
}

func (c *Collectors) RecordVMBoot(tenant string, durationSeconds float64) {
	c.vmsCreated.Inc()
	c.vmBootDuration.WithLabelValues(tenant).Observe(durationSeconds)
}

func (c *Collectors) RecordVMStopped()  { c.vmsStopped.Inc() }
func (c *Collectors) RecordVMEvicted()  { c.vmsEvicted.Inc() }

func (c *Collectors) SetActiveVMs(tenant string, n int)   { c.activeVMs.WithLabelValues(tenant).Set(float64(n)) }
func (c *Collectors) SetReservedVMs(tenant string, n int) { c.reservedVMs.WithLabelValues(tenant).Set(float64(n)) }
func (c *Collectors) SetQueueWaitMs(tenant string, ms int64) {
	c.queueWaitMs.WithLabelValues(tenant).Set(float64(ms))
}

func (c *Collectors) RecordStorageCall(tenant, kind string, durationSeconds float64) {
	c.storageCallLatency.WithLabelValues(tenant, kind).Observe(durationSeconds)
}

func (c *Collectors) ObserveChainLength(n int) { c.chainLength.Observe(float64(n)) }

func (c *Collectors) RecordCommit(tenant string, ok bool) {
	c.commitsTotal.WithLabelValues(tenant, boolLabel(ok)).Inc()
}

func (c *Collectors) SetLongLivedConns(n int) { c.longLivedConns.Set(float64(n)) }

func (c *Collectors) RecordRegexCacheHit()  { c.regexCacheHits.Inc() }
func (c *Collectors) RecordRegexCacheMiss() { c.regexCacheMiss.Inc() }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
