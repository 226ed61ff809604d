package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entriesNormalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_indexer_entries_normalized_total",
	Help: "counter of index entries normalized into Silver rows",
})

var documentsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_indexer_documents_enqueued_total",
	Help: "counter of document versions enqueued for extraction",
})
