package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fdlake_worker_tasks_total",
	Help: "counter of handled extraction tasks, labeled by settlement result",
}, []string{"result"})

var claimsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_worker_claims_total",
	Help: "counter of Bronze claims established by this worker",
})

var failuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_worker_permanent_failures_total",
	Help: "counter of documents recorded as failed-permanent",
})
