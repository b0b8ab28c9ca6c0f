package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "ramenmap_llm_request_duration_sec",
	Help: "Duration of LLM generateContent calls",
})

var requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ramenmap_llm_request_count",
	Help: "Number of LLM generateContent calls, by HTTP status code",
}, []string{"status"})
