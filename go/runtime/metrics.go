package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fdlake_runtime_runs_total",
	Help: "counter of orchestration runs by result",
}, []string{"result"})

var drainDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fdlake_runtime_drain_depth",
	Help: "extraction queue depth observed by the draining orchestrator",
})

var qualityViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_runtime_quality_violations_total",
	Help: "counter of quality gate invariant violations",
})
