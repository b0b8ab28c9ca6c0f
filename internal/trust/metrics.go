package trust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var spamDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ramenmap_spam_decisions",
	Help: "Number of scored contributions, by kind and outcome",
}, []string{"kind", "outcome"})

var ingestRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ramenmap_ingest_rejections",
	Help: "Number of contributions rejected before persistence, by reason",
}, []string{"reason"})
