// Package prom exports the cache engine's Metrics hook as Prometheus
// collectors.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexcache/hexcache/cache"
)

// Adapter implements cache.Metrics on top of Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	sets    prometheus.Counter
	deletes prometheus.Counter
	evicts  *prometheus.CounterVec
	rejects *prometheus.CounterVec
	sweeps  prometheus.Counter
	sizeEnt prometheus.Gauge
	sizeMem prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register metrics with (nil => DefaultRegisterer)
//   - ns, sub:     Prometheus namespace and subsystem
//   - constLabels: static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:    counter("hits_total", "Cache hits"),
		misses:  counter("misses_total", "Cache misses"),
		sets:    counter("sets_total", "Acknowledged set operations"),
		deletes: counter("deletes_total", "Acknowledged delete operations"),
		sweeps:  counter("sweep_cycles_total", "Background sweep cycles"),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "evictions_total",
			Help: "Cache evictions by reason", ConstLabels: constLabels,
		}, []string{"reason"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "rejections_total",
			Help: "Admission rejections by reason", ConstLabels: constLabels,
		}, []string{"reason"}),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "size_entries",
			Help: "Number of resident entries", ConstLabels: constLabels,
		}),
		sizeMem: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "size_bytes",
			Help: "Estimated resident memory in bytes", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.sets, a.deletes, a.sweeps,
		a.evicts, a.rejects, a.sizeEnt, a.sizeMem)
	return a
}

func (a *Adapter) Hit()    { a.hits.Inc() }
func (a *Adapter) Miss()   { a.misses.Inc() }
func (a *Adapter) Set()    { a.sets.Inc() }
func (a *Adapter) Delete() { a.deletes.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r cache.EvictReason) {
	a.evicts.WithLabelValues(reason(r)).Inc()
}

// Reject increments the rejection counter; reasons are the cache package's
// stable Reject* label values.
func (a *Adapter) Reject(why string) { a.rejects.WithLabelValues(why).Inc() }

func (a *Adapter) SweepCycle() { a.sweeps.Inc() }

// Size updates gauges for entry count and estimated memory.
func (a *Adapter) Size(entries int, memBytes int64) {
	a.sizeEnt.Set(float64(entries))
	a.sizeMem.Set(float64(memBytes))
}

// reason maps EvictReason to a stable label value.
func reason(r cache.EvictReason) string {
	if r == cache.EvictExpired {
		return "expired"
	}
	return "capacity"
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
