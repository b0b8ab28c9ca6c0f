package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"go.uber.org/zap"
)

func TestOpenMigratesAndBackfills(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	legacy := content.Artifact{ID: "a-1", Kind: content.KindPost, AuthorID: "user-1", Content: "shoyu ramen", CreatedAt: now}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert artifact: %v", err)
	}
	target := legacy.ID
	report := content.Report{ID: "r-1", ReporterID: "user-2", TargetArtifactID: &target, Reason: "SPAM", CreatedAt: now}
	if err := database.Create(&report).Error; err != nil {
		testContext.Fatalf("failed to insert report: %v", err)
	}
	odd := content.Report{ID: "r-2", ReporterID: "user-3", TargetArtifactID: &target, Reason: "boring", CreatedAt: now}
	if err := database.Create(&odd).Error; err != nil {
		testContext.Fatalf("failed to insert report: %v", err)
	}
	if err := database.Where("1 = 1").Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migrations: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored content.Artifact
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload artifact: %v", err)
	}
	if stored.ContentHash != content.HashContent("shoyu ramen") {
		testContext.Fatalf("expected content hash to be backfilled, got %q", stored.ContentHash)
	}

	var reasons []string
	if err := database.Model(&content.Report{}).Order("id ASC").Pluck("reason", &reasons).Error; err != nil {
		testContext.Fatalf("failed to reload reports: %v", err)
	}
	if len(reasons) != 2 || reasons[0] != "spam" || reasons[1] != "other" {
		testContext.Fatalf("expected normalized reasons, got %v", reasons)
	}

	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", records)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("mysql", "dsn", nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(DriverSQLite, " ", nil); err == nil {
		testContext.Fatalf("expected missing target error")
	}
}
