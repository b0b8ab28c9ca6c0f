package reputation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metric names an aggregate a title rule reads.
type Metric string

const (
	MetricCheckins      Metric = "checkins"
	MetricWaitReports   Metric = "wait_reports"
	MetricPosts         Metric = "posts"
	MetricReviews       Metric = "reviews"
	MetricFollowers     Metric = "followers"
	MetricApprovedShops Metric = "approved_shops"
	MetricPoints        Metric = "points"
)

// TitleRule awards Key once Metric reaches Threshold.
type TitleRule struct {
	Key       string
	Metric    Metric
	Threshold int64
	Prestige  int
}

// DefaultTitleRules returns the stock achievement table.
func DefaultTitleRules() []TitleRule {
	return []TitleRule{
		{Key: "first_slurp", Metric: MetricCheckins, Threshold: 1, Prestige: 1},
		{Key: "regular_slurper", Metric: MetricCheckins, Threshold: 10, Prestige: 2},
		{Key: "ramen_pilgrim", Metric: MetricCheckins, Threshold: 50, Prestige: 3},
		{Key: "line_watcher", Metric: MetricWaitReports, Threshold: 5, Prestige: 2},
		{Key: "first_post", Metric: MetricPosts, Threshold: 1, Prestige: 1},
		{Key: "storyteller", Metric: MetricPosts, Threshold: 25, Prestige: 2},
		{Key: "critic", Metric: MetricReviews, Threshold: 10, Prestige: 2},
		{Key: "rising_star", Metric: MetricFollowers, Threshold: 10, Prestige: 2},
		{Key: "influencer", Metric: MetricFollowers, Threshold: 100, Prestige: 3},
		{Key: "shop_scout", Metric: MetricApprovedShops, Threshold: 1, Prestige: 2},
		{Key: "noodle_master", Metric: MetricPoints, Threshold: 320, Prestige: 3},
	}
}

type metrics map[Metric]int64

func collectMetrics(ctx context.Context, tx *gorm.DB, user users.User) (metrics, error) {
	store, err := content.NewStore(tx, nil)
	if err != nil {
		return nil, err
	}
	collected := metrics{
		MetricFollowers:     user.FollowerCount,
		MetricApprovedShops: user.ApprovedShopCount,
		MetricPoints:        user.Points,
	}
	for metric, kind := range map[Metric]content.Kind{
		MetricCheckins: content.KindCheckin,
		MetricPosts:    content.KindPost,
		MetricReviews:  content.KindReview,
	} {
		count, err := store.CountByAuthorKind(ctx, user.ID, kind)
		if err != nil {
			return nil, err
		}
		collected[metric] = count
	}
	var waitReports int64
	err = tx.WithContext(ctx).Model(&content.CheckinDetail{}).
		Joins("JOIN artifacts ON artifacts.id = checkin_details.artifact_id").
		Where("artifacts.author_id = ? AND checkin_details.wait_minutes IS NOT NULL", user.ID).
		Count(&waitReports).Error
	if err != nil {
		return nil, fmt.Errorf("reputation: count wait reports: %w", err)
	}
	collected[MetricWaitReports] = waitReports
	return collected, nil
}

// awardTitles inserts every satisfied title the user does not hold yet and returns the new ones.
func awardTitles(ctx context.Context, tx *gorm.DB, rules []TitleRule, user users.User, now time.Time) ([]Title, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	collected, err := collectMetrics(ctx, tx, user)
	if err != nil {
		return nil, err
	}
	var held []string
	if err := tx.WithContext(ctx).Model(&Title{}).Where("user_id = ?", user.ID).Pluck("title_key", &held).Error; err != nil {
		return nil, fmt.Errorf("reputation: list titles: %w", err)
	}
	owned := make(map[string]struct{}, len(held))
	for _, key := range held {
		owned[key] = struct{}{}
	}

	var awarded []Title
	for _, rule := range rules {
		if _, ok := owned[rule.Key]; ok {
			continue
		}
		if collected[rule.Metric] < rule.Threshold {
			continue
		}
		title := Title{UserID: user.ID, TitleKey: rule.Key, Prestige: rule.Prestige, EarnedAt: now}
		result := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&title)
		if result.Error != nil {
			return nil, fmt.Errorf("reputation: award title: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			awarded = append(awarded, title)
			owned[rule.Key] = struct{}{}
		}
	}
	return awarded, nil
}

// TitlesOf lists the user's titles, most prestigious first.
func (l *Ledger) TitlesOf(ctx context.Context, userID string) ([]Title, error) {
	var titles []Title
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("prestige DESC").
		Order("earned_at ASC").
		Find(&titles).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("reputation: titles: %w", err)
	}
	return titles, nil
}
