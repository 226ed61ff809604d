package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_queue_enqueued_total",
	Help: "counter of messages inserted into the work queue",
})

var enqueueDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_queue_enqueue_deduped_total",
	Help: "counter of enqueues skipped because a live row already carried the dedupe key",
})

var receivedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_queue_received_total",
	Help: "counter of message deliveries leased to workers",
})

var ackedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_queue_acked_total",
	Help: "counter of messages completed and removed from the queue",
})

var nackedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_queue_nacked_total",
	Help: "counter of messages released back to the queue for redelivery",
})

var deadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_queue_dead_lettered_total",
	Help: "counter of messages parked on the dead-letter table",
})
