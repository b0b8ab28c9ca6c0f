package reputation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const recomputePageSize = 200

// SetOverride pins the account status, or clears the pin when status is nil.
func (l *Ledger) SetOverride(ctx context.Context, userID string, status *users.Status) (Snapshot, error) {
	if status != nil && status.Severity() < 0 {
		return Snapshot{}, fmt.Errorf("%w: %q", users.ErrInvalidStatus, *status)
	}
	return l.mutate(ctx, userID, "override", func(user *users.User) {
		if status == nil {
			user.AccountStatusOverride = nil
			return
		}
		pinned := *status
		user.AccountStatusOverride = &pinned
	})
}

// BanUntil bans the user until the instant. A zero instant lifts the timed ban.
func (l *Ledger) BanUntil(ctx context.Context, userID string, until time.Time) (Snapshot, error) {
	return l.mutate(ctx, userID, "ban", func(user *users.User) {
		user.BanExpiresAt = optionalTime(until)
	})
}

// RestrictUntil restricts posting until the instant. A zero instant lifts the restriction.
func (l *Ledger) RestrictUntil(ctx context.Context, userID string, until time.Time) (Snapshot, error) {
	return l.mutate(ctx, userID, "restrict", func(user *users.User) {
		user.PostingRestrictionExpiresAt = optionalTime(until)
	})
}

// Recompute re-derives rank and status from the stored fields, clearing expired sanctions.
func (l *Ledger) Recompute(ctx context.Context, userID string) (Snapshot, error) {
	return l.mutate(ctx, userID, "", func(*users.User) {})
}

func (l *Ledger) mutate(ctx context.Context, userID, action string, change func(*users.User)) (Snapshot, error) {
	var snapshot Snapshot
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := l.users.WithTx(tx)
		user, err := scoped.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		before := user
		change(&user)
		changed := l.derive(&user, l.clock().UTC())
		if changed || action != "" {
			if err := scoped.SaveReputation(ctx, &user); err != nil {
				return err
			}
		}
		if action != "" || before.AccountStatus != user.AccountStatus {
			l.logger.Info("account status updated",
				zap.String("user_id", user.ID),
				zap.String("action", action),
				zap.String("previous_status", string(before.AccountStatus)),
				zap.String("status", string(user.AccountStatus)),
			)
		}
		snapshot = l.snapshotOf(user)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// RecomputeAll re-derives every user and returns how many rows changed.
func (l *Ledger) RecomputeAll(ctx context.Context) (int, error) {
	changed := 0
	after := ""
	for {
		ids, err := l.users.IDsAfter(ctx, after, recomputePageSize)
		if err != nil {
			return changed, err
		}
		if len(ids) == 0 {
			return changed, nil
		}
		for _, id := range ids {
			before, err := l.users.Get(ctx, id)
			if err != nil {
				return changed, err
			}
			snapshot, err := l.Recompute(ctx, id)
			if err != nil {
				return changed, err
			}
			if snapshot.Rank != before.Rank || snapshot.Status != before.AccountStatus {
				changed++
			}
		}
		after = ids[len(ids)-1]
	}
}

// LedgerCheck compares the stored points with the ledger sum.
type LedgerCheck struct {
	UserID     string
	Points     int64
	LedgerSum  int64
	Entries    int64
	Consistent bool
}

// VerifyLedger checks that the user's points equal the sum of applied deltas.
func (l *Ledger) VerifyLedger(ctx context.Context, userID string) (LedgerCheck, error) {
	user, err := l.users.Get(ctx, userID)
	if err != nil {
		return LedgerCheck{}, err
	}
	var totals struct {
		Total   int64
		Entries int64
	}
	err = l.db.WithContext(ctx).Model(&PointLogEntry{}).
		Select("COALESCE(SUM(applied_delta), 0) AS total, COUNT(*) AS entries").
		Where("user_id = ?", userID).
		Scan(&totals).Error
	if err != nil {
		return LedgerCheck{}, fmt.Errorf("reputation: sum ledger: %w", err)
	}
	return LedgerCheck{
		UserID:     userID,
		Points:     user.Points,
		LedgerSum:  totals.Total,
		Entries:    totals.Entries,
		Consistent: totals.Total == user.Points,
	}, nil
}

// SweepExpiredSanctions clears ended timed bans and restrictions and returns how many users were swept.
func (l *Ledger) SweepExpiredSanctions(ctx context.Context) (int, error) {
	ids, err := l.users.IDsWithExpiredSanctions(ctx, l.clock().UTC())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := l.Recompute(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// SanctionSweeper runs SweepExpiredSanctions on a cron schedule.
type SanctionSweeper struct {
	ledger    *Ledger
	logger    *zap.Logger
	mu        sync.Mutex
	scheduler *cron.Cron
}

// NewSanctionSweeper constructs a sweeper over the ledger.
func NewSanctionSweeper(ledger *Ledger, logger *zap.Logger) *SanctionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SanctionSweeper{ledger: ledger, logger: logger}
}

// Start schedules the sweep. The context bounds every run.
func (s *SanctionSweeper) Start(ctx context.Context, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return nil
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		swept, err := s.ledger.SweepExpiredSanctions(ctx)
		if err != nil {
			s.logger.Warn("sanction sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			s.logger.Info("expired sanctions cleared", zap.Int("users", swept))
		}
	})
	if err != nil {
		return fmt.Errorf("reputation: schedule sanction sweep: %w", err)
	}
	scheduler.Start()
	s.scheduler = scheduler
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *SanctionSweeper) Stop() {
	s.mu.Lock()
	scheduler := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
}

func optionalTime(instant time.Time) *time.Time {
	if instant.IsZero() {
		return nil
	}
	utc := instant.UTC()
	return &utc
}
