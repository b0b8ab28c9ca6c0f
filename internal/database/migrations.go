package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillContentHash = "2026-03-01_backfill_content_hash"
	migrationNormalizeReasons    = "2026-03-08_normalize_report_reasons"
)

const backfillBatchSize = 500

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillContentHash, apply: backfillContentHash},
		{name: migrationNormalizeReasons, apply: normalizeReportReasons},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillContentHash fills the duplicate-lookup hash on artifacts stored before the column existed.
func backfillContentHash(tx *gorm.DB) error {
	for {
		var artifacts []content.Artifact
		err := tx.Select("id", "content").
			Where("content_hash = '' AND content <> ''").
			Limit(backfillBatchSize).
			Find(&artifacts).Error
		if err != nil {
			return err
		}
		if len(artifacts) == 0 {
			return nil
		}
		for _, artifact := range artifacts {
			err := tx.Model(&content.Artifact{}).
				Where("id = ?", artifact.ID).
				Update("content_hash", content.HashContent(artifact.Content)).Error
			if err != nil {
				return err
			}
		}
	}
}

// normalizeReportReasons folds legacy reason spellings into the closed reason set.
func normalizeReportReasons(tx *gorm.DB) error {
	var reports []content.Report
	if err := tx.Select("id", "reason").Find(&reports).Error; err != nil {
		return err
	}
	for _, report := range reports {
		reason, ok := content.ParseReportReason(string(report.Reason))
		if !ok {
			reason = content.ReportReasonOther
		}
		if reason == report.Reason {
			continue
		}
		if err := tx.Model(&content.Report{}).Where("id = ?", report.ID).Update("reason", reason).Error; err != nil {
			return err
		}
	}
	return nil
}
