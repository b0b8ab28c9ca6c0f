package content

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the artifact variants.
type Kind string

const (
	// KindPost is a shop post, optionally carrying media.
	KindPost Kind = "post"
	// KindReply answers a post.
	KindReply Kind = "reply"
	// KindReview rates a shop.
	KindReview Kind = "review"
	// KindCheckin records a visit, optionally with a wait time.
	KindCheckin Kind = "checkin"
)

var (
	// ErrNotFound covers artifacts that never existed, were deleted, or are hidden from the viewer.
	ErrNotFound = errors.New("content: artifact not found")
	// ErrInvalidKind indicates an unknown artifact kind.
	ErrInvalidKind = errors.New("content: invalid artifact kind")
	// ErrDuplicateReport indicates the reporter already reported the artifact.
	ErrDuplicateReport = errors.New("content: artifact already reported by this user")
)

// ParseKind validates a raw kind string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindPost:
		return KindPost, nil
	case KindReply:
		return KindReply, nil
	case KindReview:
		return KindReview, nil
	case KindCheckin:
		return KindCheckin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// Artifact holds the columns shared by every user contribution. Variant columns live in the detail tables.
type Artifact struct {
	ID              string    `gorm:"column:id;primaryKey;size:64;not null"`
	Kind            Kind      `gorm:"column:kind;size:16;not null;index:idx_artifacts_author_kind,priority:2"`
	AuthorID        string    `gorm:"column:author_id;size:190;not null;index:idx_artifacts_author_kind,priority:1;index:idx_artifacts_author_created,priority:1"`
	ShopID          string    `gorm:"column:shop_id;size:190;not null;default:'';index"`
	Content         string    `gorm:"column:content;type:text;not null;default:''"`
	ContentHash     string    `gorm:"column:content_hash;size:16;not null;default:'';index"`
	SpamScore       *float64  `gorm:"column:spam_score"`
	IsShadowBanned  bool      `gorm:"column:is_shadow_banned;not null;default:false;index"`
	ShadowBanReason *string   `gorm:"column:shadow_ban_reason;size:255"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;index:idx_artifacts_author_created,priority:2"`

	Post    *PostDetail    `gorm:"foreignKey:ArtifactID;references:ID"`
	Reply   *ReplyDetail   `gorm:"foreignKey:ArtifactID;references:ID"`
	Review  *ReviewDetail  `gorm:"foreignKey:ArtifactID;references:ID"`
	Checkin *CheckinDetail `gorm:"foreignKey:ArtifactID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Artifact) TableName() string {
	return "artifacts"
}

// VisibleTo reports whether the viewer may read the artifact.
func (a Artifact) VisibleTo(viewerID string) bool {
	return !a.IsShadowBanned || (viewerID != "" && viewerID == a.AuthorID)
}

// Text returns the artifact content; every variant shares the column.
func (a Artifact) Text() string {
	return a.Content
}

// PostDetail carries media references of a post.
type PostDetail struct {
	ArtifactID string `gorm:"column:artifact_id;primaryKey;size:64;not null"`
	ImageURL   string `gorm:"column:image_url;size:512;not null;default:''"`
	VideoURL   string `gorm:"column:video_url;size:512;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (PostDetail) TableName() string {
	return "post_details"
}

// ReplyDetail links a reply to its post.
type ReplyDetail struct {
	ArtifactID string `gorm:"column:artifact_id;primaryKey;size:64;not null"`
	PostID     string `gorm:"column:post_id;size:64;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ReplyDetail) TableName() string {
	return "reply_details"
}

// ReviewDetail carries the review rating.
type ReviewDetail struct {
	ArtifactID string `gorm:"column:artifact_id;primaryKey;size:64;not null"`
	Rating     int    `gorm:"column:rating;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewDetail) TableName() string {
	return "review_details"
}

// CheckinDetail carries the optional reported wait time.
type CheckinDetail struct {
	ArtifactID  string `gorm:"column:artifact_id;primaryKey;size:64;not null"`
	WaitMinutes *int   `gorm:"column:wait_minutes"`
}

// TableName provides the explicit table binding for GORM.
func (CheckinDetail) TableName() string {
	return "checkin_details"
}

// Like is a weak reference from a user to an artifact.
type Like struct {
	ArtifactID string    `gorm:"column:artifact_id;primaryKey;size:64;not null"`
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Like) TableName() string {
	return "likes"
}

// ReportReason enumerates why a report was filed.
type ReportReason string

const (
	ReportReasonSpam           ReportReason = "spam"
	ReportReasonHarassment     ReportReason = "harassment"
	ReportReasonInappropriate  ReportReason = "inappropriate"
	ReportReasonMisinformation ReportReason = "misinformation"
	ReportReasonOther          ReportReason = "other"
)

// ParseReportReason validates a raw reason string.
func ParseReportReason(raw string) (ReportReason, bool) {
	reason := ReportReason(strings.ToLower(strings.TrimSpace(raw)))
	switch reason {
	case ReportReasonSpam, ReportReasonHarassment, ReportReasonInappropriate, ReportReasonMisinformation, ReportReasonOther:
		return reason, true
	default:
		return "", false
	}
}

// Report flags an artifact or a user. At most one report exists per (reporter, artifact).
type Report struct {
	ID               string       `gorm:"column:id;primaryKey;size:64;not null"`
	ReporterID       string       `gorm:"column:reporter_id;size:190;not null;uniqueIndex:idx_reports_reporter_artifact,priority:1"`
	TargetArtifactID *string      `gorm:"column:target_artifact_id;size:64;uniqueIndex:idx_reports_reporter_artifact,priority:2;index"`
	TargetUserID     *string      `gorm:"column:target_user_id;size:190;index"`
	Reason           ReportReason `gorm:"column:reason;size:32;not null"`
	Description      string       `gorm:"column:description;type:text;not null;default:''"`
	CreatedAt        time.Time    `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Report) TableName() string {
	return "reports"
}

// Models lists every table owned by the package, for migrations.
func Models() []any {
	return []any{
		&Artifact{},
		&PostDetail{},
		&ReplyDetail{},
		&ReviewDetail{},
		&CheckinDetail{},
		&Like{},
		&Report{},
	}
}
