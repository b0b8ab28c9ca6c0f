package content

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ReportSummary aggregates the reports filed against an author's artifacts or account.
type ReportSummary struct {
	Count   int64
	Reasons []ReportReason
}

// CreateReport persists a report. A second report by the same reporter on the same artifact fails with
// ErrDuplicateReport.
func (s *Store) CreateReport(ctx context.Context, report *Report) error {
	db := s.db.WithContext(ctx)
	if report.TargetArtifactID != nil {
		var existing int64
		err := db.Model(&Report{}).
			Where("reporter_id = ? AND target_artifact_id = ?", report.ReporterID, *report.TargetArtifactID).
			Count(&existing).Error
		if err != nil {
			return fmt.Errorf("content: report lookup: %w", err)
		}
		if existing > 0 {
			return ErrDuplicateReport
		}
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = s.clock().UTC()
	}
	if err := db.Create(report).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReport
		}
		return fmt.Errorf("content: create report: %w", err)
	}
	return nil
}

// DeleteReportsFor removes every report targeting the artifact and returns how many were removed.
func (s *Store) DeleteReportsFor(ctx context.Context, artifactID string) (int64, error) {
	result := s.db.WithContext(ctx).Where("target_artifact_id = ?", artifactID).Delete(&Report{})
	if result.Error != nil {
		return 0, fmt.Errorf("content: delete reports: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ReportsFor returns the reports targeting an artifact, newest first.
func (s *Store) ReportsFor(ctx context.Context, artifactID string) ([]Report, error) {
	var reports []Report
	err := s.db.WithContext(ctx).
		Where("target_artifact_id = ?", artifactID).
		Order("created_at DESC").
		Find(&reports).Error
	if err != nil {
		return nil, fmt.Errorf("content: list reports: %w", err)
	}
	return reports, nil
}

// SummarizeReportsAgainst aggregates reports on the author's artifacts and on the author's account.
func (s *Store) SummarizeReportsAgainst(ctx context.Context, authorID string) (ReportSummary, error) {
	var reasons []ReportReason
	err := s.db.WithContext(ctx).Model(&Report{}).
		Where("target_user_id = ? OR target_artifact_id IN (?)",
			authorID,
			s.db.Model(&Artifact{}).Select("id").Where("author_id = ?", authorID),
		).
		Order("created_at DESC").
		Pluck("reason", &reasons).Error
	if err != nil {
		return ReportSummary{}, fmt.Errorf("content: summarize reports: %w", err)
	}
	return ReportSummary{Count: int64(len(reasons)), Reasons: reasons}, nil
}
