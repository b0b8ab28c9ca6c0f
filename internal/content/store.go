// Package content persists user-contributed artifacts, their likes and reports, and enforces the
// shadow-ban visibility rule on every read path.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("content: database handle is required")

// Store reads and writes artifacts. A Store bound to a transaction via WithTx shares that transaction.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a Store over the database handle.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, clock: clock}, nil
}

// WithTx returns a Store whose operations run inside tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, clock: s.clock}
}

// DB exposes the underlying handle for callers composing transactions.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Create inserts the artifact together with its variant detail row.
func (s *Store) Create(ctx context.Context, artifact *Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = s.clock().UTC()
	}
	if err := s.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("content: create artifact: %w", err)
	}
	return nil
}

// Get loads an artifact regardless of visibility. Moderation uses it; read paths use GetVisible.
func (s *Store) Get(ctx context.Context, id string) (Artifact, error) {
	var artifact Artifact
	err := s.withDetails(s.db.WithContext(ctx)).Where("id = ?", id).Take(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("content: get artifact: %w", err)
	}
	return artifact, nil
}

// Exists reports whether the artifact row is still present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Artifact{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("content: check artifact: %w", err)
	}
	return count > 0, nil
}

// RecentByAuthor returns the author's newest artifacts, newest first.
func (s *Store) RecentByAuthor(ctx context.Context, authorID string, limit int) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.db.WithContext(ctx).
		Where("author_id = ?", authorID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("content: recent artifacts: %w", err)
	}
	return artifacts, nil
}

// RecentByAuthorKind returns the author's newest artifacts of one kind, newest first.
func (s *Store) RecentByAuthorKind(ctx context.Context, authorID string, kind Kind, limit int) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.db.WithContext(ctx).
		Where("author_id = ? AND kind = ?", authorID, kind).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("content: recent artifacts by kind: %w", err)
	}
	return artifacts, nil
}

// HasExactDuplicate reports whether the author already stored identical normalized content of the same kind.
func (s *Store) HasExactDuplicate(ctx context.Context, authorID string, kind Kind, normalized string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("author_id = ? AND kind = ? AND content_hash = ? AND content = ?", authorID, kind, HashContent(normalized), normalized).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("content: duplicate lookup: %w", err)
	}
	return count > 0, nil
}

// CountDuplicatesSince counts the author's artifacts with identical normalized content created at or after since.
func (s *Store) CountDuplicatesSince(ctx context.Context, authorID, normalized string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("author_id = ? AND content_hash = ? AND content = ? AND created_at >= ?", authorID, HashContent(normalized), normalized, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("content: duplicate count: %w", err)
	}
	return count, nil
}

// CountByAuthorSince counts the author's artifacts of the given kinds created at or after since.
func (s *Store) CountByAuthorSince(ctx context.Context, authorID string, kinds []Kind, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("author_id = ? AND kind IN ? AND created_at >= ?", authorID, kinds, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("content: count artifacts: %w", err)
	}
	return count, nil
}

// CountByAuthorKind counts every artifact of one kind by the author.
func (s *Store) CountByAuthorKind(ctx context.Context, authorID string, kind Kind) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("author_id = ? AND kind = ?", authorID, kind).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("content: count artifacts by kind: %w", err)
	}
	return count, nil
}

// SetShadowBan flips the shadow-ban marker. An empty reason clears it.
func (s *Store) SetShadowBan(ctx context.Context, id string, banned bool, reason string) error {
	updates := map[string]any{"is_shadow_banned": banned, "shadow_ban_reason": nil}
	if banned && reason != "" {
		updates["shadow_ban_reason"] = reason
	}
	result := s.db.WithContext(ctx).Model(&Artifact{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("content: set shadow ban: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes the artifact with its likes, reports, variant rows and replies.
// It returns false when the artifact was already gone.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	db := s.db.WithContext(ctx)

	var replyIDs []string
	if err := db.Model(&ReplyDetail{}).Where("post_id = ?", id).Pluck("artifact_id", &replyIDs).Error; err != nil {
		return false, fmt.Errorf("content: list replies: %w", err)
	}
	for _, replyID := range replyIDs {
		if _, err := s.Delete(ctx, replyID); err != nil {
			return false, err
		}
	}

	if _, err := s.DeleteReportsFor(ctx, id); err != nil {
		return false, err
	}
	for _, dependent := range []any{&Like{}, &PostDetail{}, &ReplyDetail{}, &ReviewDetail{}, &CheckinDetail{}} {
		if err := db.Where("artifact_id = ?", id).Delete(dependent).Error; err != nil {
			return false, fmt.Errorf("content: delete dependent rows: %w", err)
		}
	}
	result := db.Where("id = ?", id).Delete(&Artifact{})
	if result.Error != nil {
		return false, fmt.Errorf("content: delete artifact: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// AddLike records a like; liking twice is a no-op.
func (s *Store) AddLike(ctx context.Context, artifactID, userID string) error {
	like := Like{ArtifactID: artifactID, UserID: userID, CreatedAt: s.clock().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&like).Error
	if err != nil {
		return fmt.Errorf("content: add like: %w", err)
	}
	return nil
}

func (s *Store) withDetails(db *gorm.DB) *gorm.DB {
	return db.Preload("Post").Preload("Reply").Preload("Review").Preload("Checkin")
}
