package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queuedTasks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ramenmap_moderation_tasks_queued",
	Help: "Number of moderation tasks accepted by the queue",
})

var taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ramenmap_moderation_tasks",
	Help: "Number of finished moderation tasks, by tier and outcome",
}, []string{"tier", "outcome"})

var analysisFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ramenmap_moderation_analysis_failures",
	Help: "Number of LLM analyses that failed and were treated as no violation",
})

var cascadeDeletions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ramenmap_moderation_cascade_deletions",
	Help: "Number of artifacts removed by cascade sweeps",
})

var verdictCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ramenmap_moderation_verdict_cache_hits",
	Help: "Number of analyses answered from the verdict cache",
})
