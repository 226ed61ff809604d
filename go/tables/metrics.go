package tables

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fdlake_tables_upserts_total",
	Help: "counter of committed partition upserts",
}, []string{"table"})

var rowsUpsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fdlake_tables_rows_upserted_total",
	Help: "counter of rows written through partition upserts",
}, []string{"table"})

var upsertConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fdlake_tables_upsert_conflicts_total",
	Help: "counter of etag conflicts encountered while replacing a partition",
}, []string{"table"})
