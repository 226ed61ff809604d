package pdftext

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fdlake_pdftext_extractions_total",
	Help: "counter of completed text extractions by method",
}, []string{"method"})

var ocrPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_pdftext_ocr_pages_total",
	Help: "counter of pages sent through the OCR fallback",
})

var confidenceObserved = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "fdlake_pdftext_confidence",
	Help:    "distribution of overall extraction confidences",
	Buckets: prometheus.LinearBuckets(0, 0.1, 11),
})
