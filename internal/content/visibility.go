package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// VisibleTo restricts an artifacts query to rows the viewer may read: every artifact that is not
// shadow-banned, plus the viewer's own. An empty viewer is anonymous.
func VisibleTo(viewerID string) func(*gorm.DB) *gorm.DB {
	return visibleToAs("artifacts", viewerID)
}

func visibleToAs(table, viewerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if viewerID == "" {
			return db.Where(table+".is_shadow_banned = ?", false)
		}
		return db.Where(
			db.Session(&gorm.Session{NewDB: true}).
				Where(table+".is_shadow_banned = ?", false).
				Or(table+".author_id = ?", viewerID),
		)
	}
}

// Query filters a read of artifacts. Zero values mean "no filter".
type Query struct {
	Kind     Kind
	AuthorID string
	ShopID   string
	PostID   string
	Before   time.Time
	Limit    int
}

// View is an artifact as shown to one viewer, with counts computed over the rows that viewer may see.
type View struct {
	Artifact
	ReplyCount int64
	LikeCount  int64
}

type countRow struct {
	ID    string `gorm:"column:id"`
	Total int64  `gorm:"column:total"`
}

// ListVisible returns artifacts matching the query that the viewer may read, newest first.
func (s *Store) ListVisible(ctx context.Context, viewerID string, query Query) ([]View, error) {
	db := s.db.WithContext(ctx).Model(&Artifact{}).Scopes(VisibleTo(viewerID), query.scope)
	var artifacts []Artifact
	if err := s.withDetails(db).
		Order("artifacts.created_at DESC").
		Order("artifacts.id DESC").
		Limit(query.limit()).
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("content: list artifacts: %w", err)
	}
	return s.attachCounts(ctx, viewerID, artifacts)
}

// GetVisible loads one artifact for the viewer. Hidden and missing artifacts are both ErrNotFound.
func (s *Store) GetVisible(ctx context.Context, viewerID, id string) (View, error) {
	var artifact Artifact
	err := s.withDetails(s.db.WithContext(ctx).Model(&Artifact{})).
		Scopes(VisibleTo(viewerID)).
		Where("artifacts.id = ?", id).
		Take(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return View{}, ErrNotFound
	}
	if err != nil {
		return View{}, fmt.Errorf("content: get visible artifact: %w", err)
	}
	views, err := s.attachCounts(ctx, viewerID, []Artifact{artifact})
	if err != nil {
		return View{}, err
	}
	return views[0], nil
}

func (s *Store) attachCounts(ctx context.Context, viewerID string, artifacts []Artifact) ([]View, error) {
	views := make([]View, 0, len(artifacts))
	if len(artifacts) == 0 {
		return views, nil
	}
	ids := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		ids = append(ids, artifact.ID)
	}

	var replyRows []countRow
	err := s.db.WithContext(ctx).
		Table("reply_details").
		Select("reply_details.post_id AS id, COUNT(*) AS total").
		Joins("JOIN artifacts ON artifacts.id = reply_details.artifact_id").
		Scopes(VisibleTo(viewerID)).
		Where("reply_details.post_id IN ?", ids).
		Group("reply_details.post_id").
		Scan(&replyRows).Error
	if err != nil {
		return nil, fmt.Errorf("content: count replies: %w", err)
	}

	var likeRows []countRow
	err = s.db.WithContext(ctx).
		Table("likes").
		Select("likes.artifact_id AS id, COUNT(*) AS total").
		Where("likes.artifact_id IN ?", ids).
		Group("likes.artifact_id").
		Scan(&likeRows).Error
	if err != nil {
		return nil, fmt.Errorf("content: count likes: %w", err)
	}

	replies := make(map[string]int64, len(replyRows))
	for _, row := range replyRows {
		replies[row.ID] = row.Total
	}
	likes := make(map[string]int64, len(likeRows))
	for _, row := range likeRows {
		likes[row.ID] = row.Total
	}
	for _, artifact := range artifacts {
		views = append(views, View{
			Artifact:   artifact,
			ReplyCount: replies[artifact.ID],
			LikeCount:  likes[artifact.ID],
		})
	}
	return views, nil
}

func (q Query) scope(db *gorm.DB) *gorm.DB {
	if q.Kind != "" {
		db = db.Where("artifacts.kind = ?", q.Kind)
	}
	if q.AuthorID != "" {
		db = db.Where("artifacts.author_id = ?", q.AuthorID)
	}
	if q.ShopID != "" {
		db = db.Where("artifacts.shop_id = ?", q.ShopID)
	}
	if q.PostID != "" {
		db = db.Where("artifacts.id IN (?)",
			db.Session(&gorm.Session{NewDB: true}).Model(&ReplyDetail{}).Select("artifact_id").Where("post_id = ?", q.PostID))
	}
	if !q.Before.IsZero() {
		db = db.Where("artifacts.created_at < ?", q.Before)
	}
	return db
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultListLimit
	case q.Limit > maxListLimit:
		return maxListLimit
	default:
		return q.Limit
	}
}
