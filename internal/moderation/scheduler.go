package moderation

import (
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"go.uber.org/zap"
)

// Queue accepts moderation tasks. *Pool implements it.
type Queue interface {
	Enqueue(task Task) error
}

// Scheduler decides whether a persisted artifact needs LLM review and queues it.
type Scheduler struct {
	queue  Queue
	rules  TierRules
	logger *zap.Logger
}

// NewScheduler constructs a scheduler. Zero rules fall back to DefaultTierRules.
func NewScheduler(queue Queue, rules TierRules, logger *zap.Logger) *Scheduler {
	if rules == (TierRules{}) {
		rules = DefaultTierRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{queue: queue, rules: rules, logger: logger}
}

// Schedule queues the artifact at the selected tier and returns the tier, or TierNone when no review
// is needed. A full queue drops the task with a warning.
func (s *Scheduler) Schedule(artifact content.Artifact, authorInternal int) Tier {
	score := 0.0
	if artifact.SpamScore != nil {
		score = *artifact.SpamScore
	}
	tier := s.rules.Select(artifact.IsShadowBanned, score, authorInternal)
	if tier == TierNone {
		return TierNone
	}
	if err := s.queue.Enqueue(Task{ArtifactID: artifact.ID, Tier: tier}); err != nil {
		taskOutcomes.WithLabelValues(string(tier), "dropped").Inc()
		s.logger.Warn("moderation task dropped",
			zap.String("artifact_id", artifact.ID),
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
	}
	return tier
}

// ScheduleReported queues a report-driven review.
func (s *Scheduler) ScheduleReported(artifactID, reason string) error {
	if reason == "" {
		reason = "other"
	}
	if err := s.queue.Enqueue(Task{ArtifactID: artifactID, Tier: TierHigh, ReportReason: reason}); err != nil {
		taskOutcomes.WithLabelValues(reportedTierLabel, "dropped").Inc()
		s.logger.Warn("reported review dropped",
			zap.String("artifact_id", artifactID),
			zap.String("tier", reportedTierLabel),
			zap.Error(err),
		)
		return err
	}
	return nil
}
