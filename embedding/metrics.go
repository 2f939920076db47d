package embedding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_embedding_enqueued_total",
	Help: "counter of documents queued for embedding",
})

var queueCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_embedding_completed_total",
	Help: "counter of embedding queue items completed",
})

var embeddedDocs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_embedding_documents_total",
	Help: "counter of documents processed by the embedding worker",
})
