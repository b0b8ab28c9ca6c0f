package reputation

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
)

var (
	// ErrUnknownEvent indicates an event type missing from the event table.
	ErrUnknownEvent = errors.New("reputation: unknown event type")
	// ErrInvalidMetadata indicates metadata the event cannot be applied with.
	ErrInvalidMetadata = errors.New("reputation: invalid event metadata")
	// ErrIneligible indicates the author may not contribute in the current status.
	ErrIneligible = errors.New("reputation: account may not contribute")
)

// PointLogEntry is one append-only ledger row. Delta is the nominal event delta; AppliedDelta is the
// change actually made to the user's points after flooring at zero.
type PointLogEntry struct {
	ID            string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID        string    `gorm:"column:user_id;size:190;not null;index:idx_point_log_user_created,priority:1"`
	Delta         int64     `gorm:"column:delta;not null"`
	AppliedDelta  int64     `gorm:"column:applied_delta;not null"`
	InternalDelta int       `gorm:"column:internal_delta;not null"`
	EventType     EventType `gorm:"column:event_type;size:48;not null;index"`
	Reason        string    `gorm:"column:reason;size:255;not null;default:''"`
	ContextJSON   string    `gorm:"column:context_json;type:text;not null;default:'{}'"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;index:idx_point_log_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (PointLogEntry) TableName() string {
	return "point_log_entries"
}

// Title is an achievement earned once per user and never revoked.
type Title struct {
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	TitleKey string    `gorm:"column:title_key;primaryKey;size:64;not null"`
	Prestige int       `gorm:"column:prestige;not null;default:1"`
	EarnedAt time.Time `gorm:"column:earned_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Title) TableName() string {
	return "user_titles"
}

// Models lists every table owned by the package, for migrations.
func Models() []any {
	return []any{&PointLogEntry{}, &Title{}}
}

// Snapshot is the reputation state returned after a ledger operation.
type Snapshot struct {
	UserID        string
	Points        int64
	InternalScore int
	Rank          string
	Progress      Progress
	Status        users.Status
	AppliedDelta  int64
	NewTitles     []Title
}
