package sort

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	spills       prometheus.Counter
	spilledBytes prometheus.Counter
	mergeRounds  prometheus.Counter
	rowsOut      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		spills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_sort_spills_total",
			Help: "Number of spill events.",
		}),
		spilledBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_sort_spilled_bytes_total",
			Help: "Bytes written to spill files.",
		}),
		mergeRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_sort_merge_rounds_total",
			Help: "Number of merge passes, including spill consolidation.",
		}),
		rowsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_sort_rows_out_total",
			Help: "Rows emitted downstream.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.spills, m.spilledBytes, m.mergeRounds, m.rowsOut)
	}
	return m
}
