package moderation

import "time"

// Outcome names how a moderation task ended.
type Outcome string

const (
	OutcomeClean       Outcome = "clean"
	OutcomeViolation   Outcome = "violation"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeFailed      Outcome = "failed"
	OutcomeHumanReview Outcome = "human_review"
)

// FallbackPolicy decides what happens when the model cannot be consulted.
type FallbackPolicy string

const (
	FallbackNone        FallbackPolicy = "none"
	FallbackHumanReview FallbackPolicy = "human_review"
)

// HumanReviewStatusPending marks a queued human review item.
const HumanReviewStatusPending = "pending"

// HumanReviewItem queues an artifact for a person when automated review was unavailable.
type HumanReviewItem struct {
	ID         string    `gorm:"column:id;primaryKey;size:64;not null"`
	ArtifactID string    `gorm:"column:artifact_id;size:64;not null;index"`
	Tier       string    `gorm:"column:tier;size:16;not null;default:''"`
	Reason     string    `gorm:"column:reason;size:255;not null;default:''"`
	Status     string    `gorm:"column:status;size:16;not null;default:'pending';index"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HumanReviewItem) TableName() string {
	return "human_review_items"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&HumanReviewItem{}}
}

// NoticeContentRemoved tells an author that moderation removed one of their artifacts.
const NoticeContentRemoved = "content_removed"

// Notice is a message to a user about a moderation action.
type Notice struct {
	UserID     string
	Type       string
	ArtifactID string
	Reason     string
	Timestamp  time.Time
}

// Notifier delivers notices. Delivery is best effort.
type Notifier interface {
	Publish(notice Notice)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Notice) {}
