package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type ledgerFixture struct {
	ledger *Ledger
	users  *users.Service
	store  *content.Store
	db     *gorm.DB
	clock  *testClock
}

func newLedgerFixture(testContext *testing.T) ledgerFixture {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "ledger.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append([]any{&users.User{}}, content.Models()...)
	models = append(models, Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to create user service: %v", err)
	}
	ledger, err := NewLedger(LedgerConfig{
		Database:   db,
		Users:      userService,
		IDProvider: content.NewUUIDProvider(),
		Clock:      clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to create ledger: %v", err)
	}
	store, err := content.NewStore(db, clock.Now)
	if err != nil {
		testContext.Fatalf("failed to create content store: %v", err)
	}
	return ledgerFixture{ledger: ledger, users: userService, store: store, db: db, clock: clock}
}

func (f ledgerFixture) register(testContext *testing.T, id string) users.User {
	testContext.Helper()
	userID, err := users.NewUserID(id)
	if err != nil {
		testContext.Fatalf("invalid user id: %v", err)
	}
	user, err := f.ledger.Register(context.Background(), userID, id)
	if err != nil {
		testContext.Fatalf("failed to register %s: %v", id, err)
	}
	return user
}

func (f ledgerFixture) apply(testContext *testing.T, userID string, event EventType, metadata Metadata) Snapshot {
	testContext.Helper()
	snapshot, err := f.ledger.Apply(context.Background(), userID, event, metadata)
	if err != nil {
		testContext.Fatalf("apply %s failed: %v", event, err)
	}
	return snapshot
}

func (f ledgerFixture) assertDerivedColumns(testContext *testing.T, userID string) {
	testContext.Helper()
	user, err := f.users.Get(context.Background(), userID)
	if err != nil {
		testContext.Fatalf("failed to load %s: %v", userID, err)
	}
	if user.Rank != f.ledger.Ranks().Label(user.Points) {
		testContext.Fatalf("rank %q does not match points %d", user.Rank, user.Points)
	}
	probe := user
	status, _ := f.ledger.Statuses().EffectiveStatus(&probe, f.clock.Now())
	if user.AccountStatus != status {
		testContext.Fatalf("status %q does not match derivation %q", user.AccountStatus, status)
	}
	check, err := f.ledger.VerifyLedger(context.Background(), userID)
	if err != nil {
		testContext.Fatalf("verify failed: %v", err)
	}
	if !check.Consistent {
		testContext.Fatalf("ledger sum %d does not match points %d", check.LedgerSum, check.Points)
	}
}

func TestRegisterDerivesInitialState(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	user := fixture.register(testContext, "alice")
	if user.Points != 0 || user.InternalScore != users.DefaultInternalScore {
		testContext.Fatalf("unexpected initial reputation: %#v", user)
	}
	if user.Rank != "Newcomer" || user.AccountStatus != users.StatusActive {
		testContext.Fatalf("unexpected initial derived columns: %q %q", user.Rank, user.AccountStatus)
	}
	again := fixture.register(testContext, "alice")
	if !again.CreatedAt.Equal(user.CreatedAt) {
		testContext.Fatalf("expected second registration to keep the row")
	}
	fixture.assertDerivedColumns(testContext, "alice")
}

func TestRewardsAccumulateAndAwardTitles(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	fixture.register(testContext, "alice")
	ctx := context.Background()

	snapshot := fixture.apply(testContext, "alice", EventImagePost, nil)
	if snapshot.Points != 18 || snapshot.InternalScore != 101 || snapshot.AppliedDelta != 18 {
		testContext.Fatalf("unexpected snapshot after image post: %#v", snapshot)
	}
	if len(snapshot.NewTitles) != 0 {
		testContext.Fatalf("expected no titles without artifacts, got %#v", snapshot.NewTitles)
	}

	wait := 30
	checkin := content.Artifact{ID: "checkin-1", Kind: content.KindCheckin, AuthorID: "alice", Checkin: &content.CheckinDetail{WaitMinutes: &wait}}
	if err := fixture.store.Create(ctx, &checkin); err != nil {
		testContext.Fatalf("failed to create checkin: %v", err)
	}
	snapshot = fixture.apply(testContext, "alice", EventCheckin, Metadata{MetaArtifactID: "checkin-1"})
	if len(snapshot.NewTitles) != 1 || snapshot.NewTitles[0].TitleKey != "first_slurp" {
		testContext.Fatalf("expected first_slurp title, got %#v", snapshot.NewTitles)
	}
	snapshot = fixture.apply(testContext, "alice", EventWaittimeReport, nil)
	if len(snapshot.NewTitles) != 0 {
		testContext.Fatalf("titles must be awarded once, got %#v", snapshot.NewTitles)
	}
	if snapshot.Points != 45 || snapshot.InternalScore != 104 {
		testContext.Fatalf("unexpected totals: %d points, %d internal", snapshot.Points, snapshot.InternalScore)
	}

	snapshot = fixture.apply(testContext, "alice", EventShopSubmissionApproved, Metadata{MetaPoints: 40})
	if snapshot.Points != 85 || snapshot.Rank != "Regular" {
		testContext.Fatalf("expected promotion to Regular at 85 points, got %d %q", snapshot.Points, snapshot.Rank)
	}
	if snapshot.Progress.NextRank != "Connoisseur" || snapshot.Progress.PointsToNext != 95 {
		testContext.Fatalf("unexpected progress %#v", snapshot.Progress)
	}
	titles, err := fixture.ledger.TitlesOf(ctx, "alice")
	if err != nil {
		testContext.Fatalf("titles failed: %v", err)
	}
	if len(titles) != 2 || titles[0].TitleKey != "shop_scout" {
		testContext.Fatalf("expected shop_scout then first_slurp, got %#v", titles)
	}

	for index := 0; index < 19; index++ {
		fixture.apply(testContext, "alice", EventNewFollower, nil)
	}
	snapshot = fixture.apply(testContext, "alice", EventNewFollower, nil)
	if snapshot.InternalScore != users.MaxInternalScore {
		testContext.Fatalf("expected internal score to clamp at %d, got %d", users.MaxInternalScore, snapshot.InternalScore)
	}
	fixture.assertDerivedColumns(testContext, "alice")
}

func TestHighSeverityViolationFloorsPointsAndLogsNominalDelta(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	fixture.register(testContext, "bob")
	fixture.apply(testContext, "bob", EventNewFollower, nil)
	fixture.apply(testContext, "bob", EventShopReview, nil)

	snapshot := fixture.apply(testContext, "bob", EventContentViolation, Metadata{MetaSeverity: "high", MetaReason: "harassment"})
	if snapshot.Points != 0 {
		testContext.Fatalf("expected points floored at 0, got %d", snapshot.Points)
	}
	if snapshot.InternalScore != 51 {
		testContext.Fatalf("expected internal score 101-50=51, got %d", snapshot.InternalScore)
	}
	if snapshot.Status != users.StatusWarning {
		testContext.Fatalf("expected warning status, got %q", snapshot.Status)
	}
	if len(snapshot.NewTitles) != 0 {
		testContext.Fatalf("penalties must not award titles")
	}

	entries, err := fixture.ledger.EntriesFor(context.Background(), "bob")
	if err != nil {
		testContext.Fatalf("entries failed: %v", err)
	}
	var violations []PointLogEntry
	for _, entry := range entries {
		if entry.EventType == EventContentViolation {
			violations = append(violations, entry)
		}
	}
	if len(violations) != 1 {
		testContext.Fatalf("expected one violation entry, got %d", len(violations))
	}
	if violations[0].Delta != -70 || violations[0].AppliedDelta != -30 || violations[0].InternalDelta != -50 {
		testContext.Fatalf("unexpected violation entry %#v", violations[0])
	}
	if violations[0].Reason != "harassment" {
		testContext.Fatalf("expected reason from metadata, got %q", violations[0].Reason)
	}
	fixture.assertDerivedColumns(testContext, "bob")
}

func TestPenaltiesWalkStatusDownAndRankDrops(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	fixture.register(testContext, "carol")
	snapshot := fixture.apply(testContext, "carol", EventShopSubmissionApproved, Metadata{MetaPoints: "200"})
	if snapshot.Rank != "Connoisseur" {
		testContext.Fatalf("expected Connoisseur at 200 points, got %q", snapshot.Rank)
	}

	expected := []struct {
		internal int
		status   users.Status
	}{
		{internal: 75, status: users.StatusActive},
		{internal: 50, status: users.StatusWarning},
		{internal: 25, status: users.StatusBanned},
		{internal: 0, status: users.StatusBanned},
		{internal: 0, status: users.StatusBanned},
	}
	for step, want := range expected {
		snapshot = fixture.apply(testContext, "carol", EventContentViolation, Metadata{MetaSeverity: "low"})
		if snapshot.InternalScore != want.internal || snapshot.Status != want.status {
			testContext.Fatalf("step %d: expected %d/%s, got %d/%s", step, want.internal, want.status, snapshot.InternalScore, snapshot.Status)
		}
	}
	if snapshot.Points != 100 || snapshot.Rank != "Regular" {
		testContext.Fatalf("expected rank to drop with points, got %d %q", snapshot.Points, snapshot.Rank)
	}

	fixture.register(testContext, "dave")
	snapshot = fixture.apply(testContext, "dave", EventFalseInformation, nil)
	if snapshot.InternalScore != 70 || snapshot.Status != users.StatusWarning {
		testContext.Fatalf("expected false information to land on warning, got %d %s", snapshot.InternalScore, snapshot.Status)
	}
	snapshot = fixture.apply(testContext, "dave", EventContentViolation, Metadata{MetaSeverity: "medium"})
	if snapshot.InternalScore != 35 || snapshot.Status != users.StatusRestricted {
		testContext.Fatalf("expected restricted at 35, got %d %s", snapshot.InternalScore, snapshot.Status)
	}
	fixture.assertDerivedColumns(testContext, "carol")
	fixture.assertDerivedColumns(testContext, "dave")
}

func TestAdminAdjustmentIsTaggedInContext(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	fixture.register(testContext, "erin")

	snapshot := fixture.apply(testContext, "erin", EventAdminAdjustment, Metadata{MetaPoints: -5})
	if snapshot.Points != 0 || snapshot.AppliedDelta != 0 {
		testContext.Fatalf("expected floored adjustment, got %#v", snapshot)
	}
	fixture.clock.Advance(time.Minute)
	snapshot = fixture.apply(testContext, "erin", EventAdminAdjustment, Metadata{MetaPoints: 50, MetaInternal: -10, MetaReason: "contest prize"})
	if snapshot.Points != 50 || snapshot.InternalScore != 90 {
		testContext.Fatalf("unexpected adjustment result %#v", snapshot)
	}

	entries, err := fixture.ledger.EntriesFor(context.Background(), "erin")
	if err != nil {
		testContext.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 2 {
		testContext.Fatalf("expected 2 entries, got %d", len(entries))
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(entries[1].ContextJSON), &details); err != nil {
		testContext.Fatalf("context is not json: %v", err)
	}
	if details[MetaAdmin] != true || entries[1].Reason != "contest prize" {
		testContext.Fatalf("expected admin tag and reason, got %v %q", details, entries[1].Reason)
	}

	if _, err := fixture.ledger.Apply(context.Background(), "erin", EventAdminAdjustment, nil); !errors.Is(err, ErrInvalidMetadata) {
		testContext.Fatalf("expected ErrInvalidMetadata, got %v", err)
	}
	if _, err := fixture.ledger.Apply(context.Background(), "erin", EventType("karma"), nil); !errors.Is(err, ErrUnknownEvent) {
		testContext.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := fixture.ledger.Apply(context.Background(), "ghost", EventCheckin, nil); !errors.Is(err, users.ErrNotFound) {
		testContext.Fatalf("expected users.ErrNotFound, got %v", err)
	}
	fixture.assertDerivedColumns(testContext, "erin")
}

func TestEligibilityGateHonorsOverridesAndTimedSanctions(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	fixture.register(testContext, "frank")
	ctx := context.Background()

	if _, err := fixture.ledger.CheckEligibility(ctx, "frank"); err != nil {
		testContext.Fatalf("expected active user to pass: %v", err)
	}

	banned := users.StatusBanned
	if _, err := fixture.ledger.SetOverride(ctx, "frank", &banned); err != nil {
		testContext.Fatalf("override failed: %v", err)
	}
	if _, err := fixture.ledger.CheckEligibility(ctx, "frank"); !errors.Is(err, ErrIneligible) {
		testContext.Fatalf("expected ErrIneligible under banned override, got %v", err)
	}
	if _, err := fixture.ledger.SetOverride(ctx, "frank", nil); err != nil {
		testContext.Fatalf("clearing override failed: %v", err)
	}

	warning := users.StatusWarning
	if _, err := fixture.ledger.SetOverride(ctx, "frank", &warning); err != nil {
		testContext.Fatalf("override failed: %v", err)
	}
	if eligibility, err := fixture.ledger.CheckEligibility(ctx, "frank"); err != nil || eligibility.Status != users.StatusWarning {
		testContext.Fatalf("expected warning to be admitted, got %v (err %v)", eligibility.Status, err)
	}
	if _, err := fixture.ledger.SetOverride(ctx, "frank", nil); err != nil {
		testContext.Fatalf("clearing override failed: %v", err)
	}

	snapshot, err := fixture.ledger.RestrictUntil(ctx, "frank", fixture.clock.Now().Add(time.Hour))
	if err != nil {
		testContext.Fatalf("restrict failed: %v", err)
	}
	if snapshot.Status != users.StatusRestricted {
		testContext.Fatalf("expected restricted, got %q", snapshot.Status)
	}
	if _, err := fixture.ledger.CheckEligibility(ctx, "frank"); !errors.Is(err, ErrIneligible) {
		testContext.Fatalf("expected restriction to block, got %v", err)
	}

	fixture.clock.Advance(2 * time.Hour)
	eligibility, err := fixture.ledger.CheckEligibility(ctx, "frank")
	if err != nil {
		testContext.Fatalf("expected expired restriction to clear: %v", err)
	}
	if eligibility.User.PostingRestrictionExpiresAt != nil || eligibility.Status != users.StatusActive {
		testContext.Fatalf("expected restriction field to be cleared lazily, got %#v", eligibility.User)
	}
	fixture.assertDerivedColumns(testContext, "frank")
}

func TestSweepAndRecomputeRepairDerivedColumns(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	fixture.register(testContext, "gina")
	fixture.register(testContext, "hank")
	ctx := context.Background()

	if _, err := fixture.ledger.BanUntil(ctx, "gina", fixture.clock.Now().Add(time.Hour)); err != nil {
		testContext.Fatalf("ban failed: %v", err)
	}
	if err := fixture.db.Model(&users.User{}).Where("id = ?", "hank").Update("rank", "Legend").Error; err != nil {
		testContext.Fatalf("failed to corrupt rank: %v", err)
	}

	fixture.clock.Advance(2 * time.Hour)
	swept, err := fixture.ledger.SweepExpiredSanctions(ctx)
	if err != nil {
		testContext.Fatalf("sweep failed: %v", err)
	}
	if swept != 1 {
		testContext.Fatalf("expected one swept user, got %d", swept)
	}
	gina, err := fixture.users.Get(ctx, "gina")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if gina.BanExpiresAt != nil || gina.AccountStatus != users.StatusActive {
		testContext.Fatalf("expected ban to be cleared, got %#v", gina)
	}

	changed, err := fixture.ledger.RecomputeAll(ctx)
	if err != nil {
		testContext.Fatalf("recompute failed: %v", err)
	}
	if changed != 1 {
		testContext.Fatalf("expected one repaired user, got %d", changed)
	}
	fixture.assertDerivedColumns(testContext, "gina")
	fixture.assertDerivedColumns(testContext, "hank")
}

func TestSanctionSweeperStartStop(testContext *testing.T) {
	fixture := newLedgerFixture(testContext)
	sweeper := NewSanctionSweeper(fixture.ledger, nil)
	if err := sweeper.Start(context.Background(), "not a schedule"); err == nil {
		testContext.Fatalf("expected invalid schedule to fail")
	}
	if err := sweeper.Start(context.Background(), "@every 1h"); err != nil {
		testContext.Fatalf("start failed: %v", err)
	}
	sweeper.Stop()
	sweeper.Stop()
}
