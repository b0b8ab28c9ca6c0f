// Package reputation keeps the points ledger, derives rank and account status from it, and gates
// contributions on the resulting status.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxReasonRunes = 255

var (
	errMissingDatabase   = errors.New("reputation: database handle is required")
	errMissingUsers      = errors.New("reputation: user service is required")
	errMissingIDProvider = errors.New("reputation: id provider is required")
)

// IDProvider issues identifiers for ledger rows.
type IDProvider interface {
	NewID() (string, error)
}

// LedgerConfig describes the ledger's dependencies and tables.
type LedgerConfig struct {
	Database   *gorm.DB
	Users      *users.Service
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Ranks      RankTable
	Statuses   StatusThresholds
	Titles     []TitleRule
}

// Ledger applies reputation events. It is the only writer of points, internal score, rank and status.
type Ledger struct {
	db         *gorm.DB
	users      *users.Service
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	ranks      RankTable
	statuses   StatusThresholds
	titles     []TitleRule
}

// NewLedger constructs a ledger, filling zero-valued tables with defaults.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	ranks := cfg.Ranks
	if len(ranks.Thresholds) == 0 {
		ranks = DefaultRankTable()
	}
	if err := ranks.Validate(); err != nil {
		return nil, err
	}
	statuses := cfg.Statuses
	if statuses == (StatusThresholds{}) {
		statuses = DefaultStatusThresholds()
	}
	if err := statuses.Validate(); err != nil {
		return nil, err
	}
	titles := cfg.Titles
	if titles == nil {
		titles = DefaultTitleRules()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:         cfg.Database,
		users:      cfg.Users,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		ranks:      ranks,
		statuses:   statuses,
		titles:     titles,
	}, nil
}

// Ranks exposes the rank table in use.
func (l *Ledger) Ranks() RankTable {
	return l.ranks
}

// Statuses exposes the status thresholds in use.
func (l *Ledger) Statuses() StatusThresholds {
	return l.statuses
}

// Register creates the user with derived rank and status unless the user exists, and returns the row.
func (l *Ledger) Register(ctx context.Context, id users.UserID, displayName string) (users.User, error) {
	user := users.User{
		ID:            id.String(),
		DisplayName:   displayName,
		InternalScore: users.DefaultInternalScore,
	}
	user.Rank = l.ranks.Label(user.Points)
	user.AccountStatus, _ = l.statuses.EffectiveStatus(&user, l.clock())
	if _, err := l.users.Create(ctx, &user); err != nil {
		return users.User{}, err
	}
	return l.users.Get(ctx, id.String())
}

// Apply records one event in its own transaction.
func (l *Ledger) Apply(ctx context.Context, userID string, event EventType, metadata Metadata) (Snapshot, error) {
	var snapshot Snapshot
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := l.ApplyTx(ctx, tx, userID, event, metadata)
		if err != nil {
			return err
		}
		snapshot = applied
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// ApplyTx records one event inside the caller's transaction. The user row is locked for the rest of tx.
func (l *Ledger) ApplyTx(ctx context.Context, tx *gorm.DB, userID string, event EventType, metadata Metadata) (Snapshot, error) {
	effect, class, err := effectOf(event, metadata)
	if err != nil {
		return Snapshot{}, err
	}
	scoped := l.users.WithTx(tx)
	user, err := scoped.GetForUpdate(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	now := l.clock().UTC()

	previous := user.Points
	user.Points = max(0, user.Points+effect.Points)
	user.InternalScore = clampInternal(user.InternalScore + effect.Internal)
	switch event {
	case EventNewFollower:
		user.FollowerCount++
	case EventShopSubmissionApproved:
		user.ApprovedShopCount++
	}
	l.derive(&user, now)
	if err := scoped.SaveReputation(ctx, &user); err != nil {
		return Snapshot{}, err
	}

	entry, err := l.newEntry(user.ID, event, effect, user.Points-previous, metadata, class, now)
	if err != nil {
		return Snapshot{}, err
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return Snapshot{}, fmt.Errorf("reputation: append ledger entry: %w", err)
	}

	var awarded []Title
	if class == classReward {
		awarded, err = awardTitles(ctx, tx, l.titles, user, now)
		if err != nil {
			return Snapshot{}, err
		}
	}

	l.logger.Debug("reputation event applied",
		zap.String("user_id", user.ID),
		zap.String("event_type", string(event)),
		zap.Int64("delta", effect.Points),
		zap.Int64("applied_delta", entry.AppliedDelta),
		zap.String("status", string(user.AccountStatus)),
	)
	snapshot := l.snapshotOf(user)
	snapshot.AppliedDelta = entry.AppliedDelta
	snapshot.NewTitles = awarded
	return snapshot, nil
}

// Snapshot returns the stored reputation state of the user.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	user, err := l.users.Get(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return l.snapshotOf(user), nil
}

func (l *Ledger) snapshotOf(user users.User) Snapshot {
	return Snapshot{
		UserID:        user.ID,
		Points:        user.Points,
		InternalScore: user.InternalScore,
		Rank:          user.Rank,
		Progress:      l.ranks.ProgressOf(user.Points),
		Status:        user.AccountStatus,
	}
}

// derive recomputes the derived columns in place and clears expired timed sanctions.
func (l *Ledger) derive(user *users.User, now time.Time) bool {
	rank := l.ranks.Label(user.Points)
	status, cleared := l.statuses.EffectiveStatus(user, now)
	changed := cleared || rank != user.Rank || status != user.AccountStatus
	user.Rank = rank
	user.AccountStatus = status
	return changed
}

func (l *Ledger) newEntry(userID string, event EventType, effect Effect, applied int64, metadata Metadata, class eventClass, now time.Time) (PointLogEntry, error) {
	id, err := l.idProvider.NewID()
	if err != nil {
		return PointLogEntry{}, fmt.Errorf("reputation: ledger entry id: %w", err)
	}
	details := Metadata{}
	for key, value := range metadata {
		details[key] = value
	}
	if class == classAdmin {
		details[MetaAdmin] = true
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return PointLogEntry{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	reason := metadata.str(MetaReason)
	if reason == "" {
		reason = string(event)
	}
	if runes := []rune(reason); len(runes) > maxReasonRunes {
		reason = string(runes[:maxReasonRunes])
	}
	return PointLogEntry{
		ID:            id,
		UserID:        userID,
		Delta:         effect.Points,
		AppliedDelta:  applied,
		InternalDelta: effect.Internal,
		EventType:     event,
		Reason:        reason,
		ContextJSON:   string(encoded),
		CreatedAt:     now,
	}, nil
}

// EntriesFor returns the user's ledger, oldest first.
func (l *Ledger) EntriesFor(ctx context.Context, userID string) ([]PointLogEntry, error) {
	var entries []PointLogEntry
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("reputation: list ledger: %w", err)
	}
	return entries, nil
}
