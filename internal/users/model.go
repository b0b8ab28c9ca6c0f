package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	// DefaultInternalScore is the internal score of a newly registered user.
	DefaultInternalScore = 100
	// MaxInternalScore bounds the internal score from above; zero bounds it from below.
	MaxInternalScore = 120
)

var (
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrNotFound indicates the user row does not exist.
	ErrNotFound = errors.New("users: user not found")
	// ErrInvalidStatus indicates an unknown account status.
	ErrInvalidStatus = errors.New("users: invalid account status")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Status is the effective account status.
type Status string

const (
	StatusActive     Status = "active"
	StatusWarning    Status = "warning"
	StatusRestricted Status = "restricted"
	StatusBanned     Status = "banned"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if status.Severity() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// Severity orders statuses from active (0) to banned (3); unknown statuses are -1.
func (s Status) Severity() int {
	switch s {
	case StatusActive:
		return 0
	case StatusWarning:
		return 1
	case StatusRestricted:
		return 2
	case StatusBanned:
		return 3
	default:
		return -1
	}
}

// MoreSevere returns whichever status is more severe.
func MoreSevere(a, b Status) Status {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// CanContribute reports whether the status admits new contributions.
func (s Status) CanContribute() bool {
	return s == StatusActive || s == StatusWarning
}

// User is a registered account together with its reputation state. Rank and AccountStatus are derived
// columns; the reputation ledger is their only writer.
type User struct {
	ID                          string     `gorm:"column:id;primaryKey;size:190;not null"`
	DisplayName                 string     `gorm:"column:display_name;size:320;not null;default:''"`
	Email                       string     `gorm:"column:email;size:320;not null;default:''"`
	Points                      int64      `gorm:"column:points;not null;default:0"`
	InternalScore               int        `gorm:"column:internal_score;not null;default:100"`
	Rank                        string     `gorm:"column:rank;size:64;not null;default:''"`
	AccountStatus               Status     `gorm:"column:account_status;size:16;not null;default:'active';index"`
	AccountStatusOverride       *Status    `gorm:"column:account_status_override;size:16"`
	PostingRestrictionExpiresAt *time.Time `gorm:"column:posting_restriction_expires_at"`
	BanExpiresAt                *time.Time `gorm:"column:ban_expires_at;index"`
	FollowerCount               int64      `gorm:"column:follower_count;not null;default:0"`
	ApprovedShopCount           int64      `gorm:"column:approved_shop_count;not null;default:0"`
	LastSeenAt                  time.Time  `gorm:"column:last_seen_at"`
	CreatedAt                   time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt                   time.Time  `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
