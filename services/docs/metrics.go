package docs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taxdocs",
		Name:      "uploads_total",
		Help:      "Documents uploaded and recorded.",
	})
	uploadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taxdocs",
		Name:      "upload_failures_total",
		Help:      "Uploads that failed, by step.",
	}, []string{"step"})
	deletesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taxdocs",
		Name:      "deletes_total",
		Help:      "Document records deleted.",
	})
	orphanedObjects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taxdocs",
		Name:      "orphaned_objects_total",
		Help:      "Stored objects left behind without a record.",
	})
	signInFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taxdocs",
		Name:      "signin_failures_total",
		Help:      "Failed sign-in and sign-up attempts, by mode.",
	}, []string{"mode"})
)
