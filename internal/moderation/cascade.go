package moderation

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Sweep re-analyses the author's most recent remaining artifacts after a confirmed violation and deletes
// those whose verdict meets the cascade threshold. Each deletion commits on its own; a failed analysis
// skips that artifact only. It returns how many artifacts were removed.
func (m *Moderator) Sweep(ctx context.Context, authorID, reason string) int {
	recent, err := m.store.RecentByAuthor(ctx, authorID, m.cascadeLimit)
	if err != nil {
		m.warn("cascade lookup failed", "", cascadeTierLabel, err)
		return 0
	}
	policy := m.tiers[TierHigh]

	var removed atomic.Int64
	var group errgroup.Group
	group.SetLimit(m.cascadeConcurrency)
	for _, artifact := range recent {
		if strings.TrimSpace(artifact.Content) == "" {
			continue
		}
		group.Go(func() error {
			verdict, err := m.analyze(ctx, m.request(buildPrompt(artifact, "", ""), policy.Temperature))
			if err != nil {
				analysisFailures.Inc()
				m.warn("cascade analysis failed", artifact.ID, cascadeTierLabel, err)
				return nil
			}
			if !verdict.Meets(m.cascadeThreshold) {
				return nil
			}
			err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return removeArtifact(ctx, m.store.WithTx(tx), artifact.ID)
			})
			if errors.Is(err, content.ErrNotFound) {
				return nil
			}
			if err != nil {
				m.warn("cascade delete failed", artifact.ID, cascadeTierLabel, err)
				return nil
			}
			removed.Add(1)
			cascadeDeletions.Inc()
			m.notify(authorID, artifact.ID, verdict.Reason)
			return nil
		})
	}
	_ = group.Wait()

	if count := removed.Load(); count > 0 {
		m.logger.Info("cascade sweep removed artifacts",
			zap.String("author_id", authorID),
			zap.String("trigger_reason", reason),
			zap.Int64("removed", count),
			zap.Int("scanned", len(recent)),
		)
	}
	return int(removed.Load())
}
