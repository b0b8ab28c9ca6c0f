package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user persistence.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service reads and writes user rows. A Service bound to a transaction via WithTx shares it.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// WithTx returns a Service whose operations run inside tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx, now: s.now}
}

// Create inserts the user unless a row with the same id exists. It reports whether a row was inserted.
func (s *Service) Create(ctx context.Context, user *User) (bool, error) {
	if _, err := NewUserID(user.ID); err != nil {
		return false, err
	}
	now := s.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.LastSeenAt.IsZero() {
		user.LastSeenAt = now
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(user)
	if result.Error != nil {
		return false, fmt.Errorf("users: create user: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", normalize(id)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: get user: %w", err)
	}
	return user, nil
}

// GetForUpdate loads a user with a row lock. It must run on a transaction-bound Service.
func (s *Service) GetForUpdate(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", normalize(id)).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: lock user: %w", err)
	}
	return user, nil
}

// SaveReputation persists the reputation columns of the user.
func (s *Service) SaveReputation(ctx context.Context, user *User) error {
	user.UpdatedAt = s.now().UTC()
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"points":                         user.Points,
		"internal_score":                 user.InternalScore,
		"rank":                           user.Rank,
		"account_status":                 user.AccountStatus,
		"account_status_override":        user.AccountStatusOverride,
		"posting_restriction_expires_at": user.PostingRestrictionExpiresAt,
		"ban_expires_at":                 user.BanExpiresAt,
		"follower_count":                 user.FollowerCount,
		"approved_shop_count":            user.ApprovedShopCount,
		"updated_at":                     user.UpdatedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("users: save reputation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RefreshProfile updates the profile columns from session claims and marks the user as seen.
func (s *Service) RefreshProfile(ctx context.Context, id string, claims auth.SessionClaims) error {
	updates := map[string]interface{}{}
	if email := normalize(claims.UserEmail); email != "" {
		updates["email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" {
		updates["display_name"] = display
	}
	updates["last_seen_at"] = s.now().UTC()
	return s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(updates).Error
}

// IDsAfter pages through user ids in ascending order.
func (s *Service) IDsAfter(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("users: list ids: %w", err)
	}
	return ids, nil
}

// IDsWithExpiredSanctions lists users whose timed ban or posting restriction ended at or before now.
func (s *Service) IDsWithExpiredSanctions(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("(ban_expires_at IS NOT NULL AND ban_expires_at <= ?) OR (posting_restriction_expires_at IS NOT NULL AND posting_restriction_expires_at <= ?)", now, now).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("users: list expired sanctions: %w", err)
	}
	return ids, nil
}

// SubjectFromClaims derives the canonical user id carried by session claims. A provider prefix such as
// "google:" is stripped.
func SubjectFromClaims(claims auth.SessionClaims) (UserID, error) {
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	return NewUserID(subject)
}
