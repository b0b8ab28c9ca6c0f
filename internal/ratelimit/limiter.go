// Package ratelimit admits contributions through per-(action, user) sliding windows.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrLimited indicates the caller exhausted the budget for the action.
var ErrLimited = errors.New("ratelimit: limit exceeded")

var rejectionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ramenmap_ratelimit_rejections",
	Help: "Number of contributions rejected by the rate limiter",
}, []string{"action"})

// Action names a rate-limited operation.
type Action string

const (
	ActionPost          Action = "posts"
	ActionReply         Action = "replies"
	ActionGuideQuestion Action = "guide_questions"
	ActionReview        Action = "reviews"
	ActionCheckin       Action = "checkins"
	ActionReport        Action = "reports"
)

// Budget is the number of admitted calls per window.
type Budget struct {
	Limit  int
	Window time.Duration
}

// DefaultBudgets returns the stock budget table.
func DefaultBudgets() map[Action]Budget {
	return map[Action]Budget{
		ActionPost:          {Limit: 5, Window: time.Minute},
		ActionReply:         {Limit: 20, Window: time.Minute},
		ActionGuideQuestion: {Limit: 5, Window: time.Minute},
		ActionReview:        {Limit: 10, Window: time.Minute},
		ActionCheckin:       {Limit: 10, Window: time.Minute},
		ActionReport:        {Limit: 10, Window: time.Minute},
	}
}

// Config describes a Limiter.
type Config struct {
	Enabled         bool
	Budgets         map[Action]Budget
	Clock           func() time.Time
	CleanupInterval time.Duration
}

// Limiter tracks admitted timestamps per key under a single mutex.
type Limiter struct {
	mu       sync.Mutex
	hits     map[string][]time.Time
	windows  map[string]time.Duration
	budgets  map[Action]Budget
	enabled  bool
	clock    func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Limiter. Enabled limiters run a background cleanup until Close.
func New(cfg Config) *Limiter {
	budgets := DefaultBudgets()
	for action, budget := range cfg.Budgets {
		budgets[action] = budget
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limiter := &Limiter{
		hits:    make(map[string][]time.Time),
		windows: make(map[string]time.Duration),
		budgets: budgets,
		enabled: cfg.Enabled,
		clock:   clock,
		stopCh:  make(chan struct{}),
	}
	if cfg.Enabled {
		interval := cfg.CleanupInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go limiter.cleanup(interval)
	}
	return limiter
}

// Close stops the background cleanup.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Enabled reports whether the limiter enforces budgets.
func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// Budget returns the configured budget for the action.
func (l *Limiter) Budget(action Action) (Budget, bool) {
	budget, ok := l.budgets[action]
	return budget, ok
}

// HitAction admits one call of the action by the user against the configured budget.
func (l *Limiter) HitAction(action Action, userID string) error {
	if !l.Enabled() {
		return nil
	}
	budget, ok := l.budgets[action]
	if !ok {
		return fmt.Errorf("ratelimit: no budget for action %q", action)
	}
	return l.hit(string(action), keyFor(action, userID), budget.Limit, budget.Window)
}

// Hit admits one call under the key when fewer than limit calls were admitted within the window.
func (l *Limiter) Hit(key string, limit int, window time.Duration) error {
	if !l.Enabled() {
		return nil
	}
	label, _, _ := strings.Cut(key, ":")
	return l.hit(label, key, limit, window)
}

func (l *Limiter) hit(label, key string, limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return fmt.Errorf("ratelimit: invalid budget %d/%s", limit, window)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	recent := pruned(l.hits[key], now.Add(-window))
	l.windows[key] = window
	if len(recent) >= limit {
		l.hits[key] = recent
		rejectionCount.WithLabelValues(label).Inc()
		return ErrLimited
	}
	l.hits[key] = append(recent, now)
	return nil
}

func (l *Limiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	for key, times := range l.hits {
		recent := pruned(times, now.Add(-l.windows[key]))
		if len(recent) == 0 {
			delete(l.hits, key)
			delete(l.windows, key)
			continue
		}
		l.hits[key] = recent
	}
}

func pruned(times []time.Time, cutoff time.Time) []time.Time {
	var recent []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

func keyFor(action Action, userID string) string {
	return string(action) + ":" + userID
}
