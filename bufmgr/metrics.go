package bufmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/usnistgov/ccdma/dma/mempool"
	"go.uber.org/multierr"
)

// Metrics contains Manager counters.
type Metrics struct {
	reg prometheus.Registerer

	TablesRendered  prometheus.Counter
	EntriesRendered prometheus.Counter
	MapFailures     *prometheus.CounterVec
	TablesInUse     prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, pool *mempool.Mempool) (mt *Metrics, e error) {
	mt = &Metrics{
		TablesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccdma",
			Name:      "tables_rendered_total",
			Help:      "Number of descriptor tables rendered",
		}),
		EntriesRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccdma",
			Name:      "entries_rendered_total",
			Help:      "Number of descriptor entries written into tables",
		}),
		MapFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccdma",
			Name:      "map_failures_total",
			Help:      "Number of failed request mappings",
		}, []string{"request", "kind"}),
		TablesInUse: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ccdma",
			Name:      "tables_in_use",
			Help:      "Number of descriptor tables currently allocated",
		}, func() float64 { return float64(pool.CountInUse()) }),
	}
	if reg == nil {
		return mt, nil
	}

	var registered []prometheus.Collector
	for _, c := range mt.collectors() {
		if e = reg.Register(c); e != nil {
			for _, r := range registered {
				reg.Unregister(r)
			}
			return nil, e
		}
		registered = append(registered, c)
	}
	mt.reg = reg
	return mt, nil
}

func (mt *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{mt.TablesRendered, mt.EntriesRendered, mt.MapFailures, mt.TablesInUse}
}

func (mt *Metrics) fail(request string, e error) {
	mt.MapFailures.WithLabelValues(request, errorKind(e)).Inc()
}

func (mt *Metrics) unregister() (e error) {
	if mt.reg == nil {
		return nil
	}
	for _, c := range mt.collectors() {
		if !mt.reg.Unregister(c) {
			e = multierr.Append(e, errMetricNotRegistered)
		}
	}
	mt.reg = nil
	return e
}
