package moderation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/llm"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/reputation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedLLM answers by looking for markers in the content section of the prompt.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  map[string]string
	failures map[string]error
	prompts  []string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{replies: map[string]string{}, failures: map[string]error{}}
}

func (s *scriptedLLM) Generate(_ context.Context, request llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, request.Prompt)
	body := contentSection(request.Prompt)
	for marker, err := range s.failures {
		if strings.Contains(body, marker) {
			return "", err
		}
	}
	for marker, reply := range s.replies {
		if strings.Contains(body, marker) {
			return reply, nil
		}
	}
	return `{"is_violation":false,"confidence":0.05,"reason":"","severity":"low"}`, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedLLM) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

func contentSection(prompt string) string {
	start := strings.Index(prompt, "Content:\n")
	if start < 0 {
		return prompt
	}
	body := prompt[start+len("Content:\n"):]
	if end := strings.Index(body, "\n\nAuthor history:"); end >= 0 {
		body = body[:end]
	}
	return body
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Publish(notice Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type moderationFixture struct {
	db        *gorm.DB
	store     *content.Store
	users     *users.Service
	ledger    *reputation.Ledger
	llm       *scriptedLLM
	notifier  *recordingNotifier
	moderator *Moderator
}

func newModerationFixture(testContext *testing.T, fallback FallbackPolicy) moderationFixture {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "moderation.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append([]any{&users.User{}}, content.Models()...)
	models = append(models, reputation.Models()...)
	models = append(models, Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return testEpoch }
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		testContext.Fatalf("failed to create user service: %v", err)
	}
	ledger, err := reputation.NewLedger(reputation.LedgerConfig{
		Database:   db,
		Users:      userService,
		IDProvider: content.NewUUIDProvider(),
		Clock:      clock,
	})
	if err != nil {
		testContext.Fatalf("failed to create ledger: %v", err)
	}
	store, err := content.NewStore(db, clock)
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	scripted := newScriptedLLM()
	notifier := &recordingNotifier{}
	moderator, err := NewModerator(Config{
		Database: db,
		Users:    userService,
		Ledger:   ledger,
		LLM:      scripted,
		Model:    "test-model",
		Timeout:  time.Second,
		Fallback: fallback,
		Cache:    NewVerdictCache(64, time.Minute),
		Notifier: notifier,
		Clock:    clock,
	})
	if err != nil {
		testContext.Fatalf("failed to create moderator: %v", err)
	}
	return moderationFixture{
		db:        db,
		store:     store,
		users:     userService,
		ledger:    ledger,
		llm:       scripted,
		notifier:  notifier,
		moderator: moderator,
	}
}

func (f moderationFixture) register(testContext *testing.T, id string, points int64) {
	testContext.Helper()
	userID, err := users.NewUserID(id)
	if err != nil {
		testContext.Fatalf("invalid user id: %v", err)
	}
	if _, err := f.ledger.Register(context.Background(), userID, id); err != nil {
		testContext.Fatalf("failed to register %s: %v", id, err)
	}
	if points > 0 {
		if _, err := f.ledger.Apply(context.Background(), id, reputation.EventAdminAdjustment, reputation.Metadata{reputation.MetaPoints: points}); err != nil {
			testContext.Fatalf("failed to seed points: %v", err)
		}
	}
}

func (f moderationFixture) post(testContext *testing.T, id, author, text string, age time.Duration) {
	testContext.Helper()
	artifact := content.Artifact{
		ID:          id,
		Kind:        content.KindPost,
		AuthorID:    author,
		Content:     text,
		ContentHash: content.HashContent(text),
		CreatedAt:   testEpoch.Add(-age),
		Post:        &content.PostDetail{},
	}
	if err := f.store.Create(context.Background(), &artifact); err != nil {
		testContext.Fatalf("failed to create %s: %v", id, err)
	}
}

func (f moderationFixture) exists(testContext *testing.T, id string) bool {
	testContext.Helper()
	found, err := f.store.Exists(context.Background(), id)
	if err != nil {
		testContext.Fatalf("exists failed: %v", err)
	}
	return found
}

func violation(confidence string, severity string, reason string) string {
	return `{"is_violation":true,"confidence":` + confidence + `,"reason":"` + reason + `","severity":"` + severity + `"}`
}

func TestConfirmedViolationPenalizesDeletesAndCascades(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	ctx := context.Background()
	fixture.register(testContext, "bob", 100)
	fixture.register(testContext, "carol", 0)

	fixture.post(testContext, "bob-clean", "bob", "the shio ramen at this shop is lovely", 4*time.Hour)
	fixture.post(testContext, "bob-insult", "bob", "older insult aimed at the owner", 3*time.Hour)
	fixture.post(testContext, "bob-borderline", "bob", "borderline rant about the queue", 2*time.Hour)
	fixture.post(testContext, "bob-target", "bob", "targeted harassment of another diner", time.Hour)

	targetID := "bob-target"
	if err := fixture.store.CreateReport(ctx, &content.Report{ID: "report-1", ReporterID: "carol", TargetArtifactID: &targetID, Reason: content.ReportReasonHarassment}); err != nil {
		testContext.Fatalf("failed to create report: %v", err)
	}

	fixture.llm.replies["targeted harassment"] = violation("0.9", "high", "harassment")
	fixture.llm.replies["older insult"] = violation("0.85", "medium", "insult")
	fixture.llm.replies["borderline rant"] = violation("0.75", "low", "rude")

	outcome := fixture.moderator.Review(ctx, "bob-target", TierHigh)
	if outcome != OutcomeViolation {
		testContext.Fatalf("expected violation outcome, got %s", outcome)
	}

	if fixture.exists(testContext, "bob-target") {
		testContext.Fatalf("expected violating artifact to be deleted")
	}
	reports, err := fixture.store.ReportsFor(ctx, "bob-target")
	if err != nil {
		testContext.Fatalf("reports failed: %v", err)
	}
	if len(reports) != 0 {
		testContext.Fatalf("expected reports to be deleted, got %d", len(reports))
	}
	if fixture.exists(testContext, "bob-insult") {
		testContext.Fatalf("expected cascade to remove the artifact meeting the cascade threshold")
	}
	if !fixture.exists(testContext, "bob-borderline") {
		testContext.Fatalf("expected cascade to keep the artifact under the cascade threshold")
	}
	if !fixture.exists(testContext, "bob-clean") {
		testContext.Fatalf("expected cascade to keep the clean artifact")
	}

	bob, err := fixture.users.Get(ctx, "bob")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if bob.Points != 30 || bob.InternalScore != 50 || bob.AccountStatus != users.StatusWarning {
		testContext.Fatalf("unexpected reputation after violation: points=%d internal=%d status=%s", bob.Points, bob.InternalScore, bob.AccountStatus)
	}
	entries, err := fixture.ledger.EntriesFor(ctx, "bob")
	if err != nil {
		testContext.Fatalf("entries failed: %v", err)
	}
	violations := 0
	for _, entry := range entries {
		if entry.EventType == reputation.EventContentViolation {
			violations++
			if entry.Delta != -70 || entry.Reason != "harassment" {
				testContext.Fatalf("unexpected violation entry %#v", entry)
			}
		}
	}
	if violations != 1 {
		testContext.Fatalf("expected exactly one violation entry, got %d", violations)
	}
	if fixture.notifier.count() != 2 {
		testContext.Fatalf("expected notices for the target and the cascaded artifact, got %d", fixture.notifier.count())
	}
}

func TestCascadeContinuesPastFailedAnalysis(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	ctx := context.Background()
	fixture.register(testContext, "gina", 100)

	fixture.post(testContext, "gina-insult", "gina", "older insult aimed at the owner", 3*time.Hour)
	fixture.post(testContext, "gina-broken", "gina", "this one breaks the model", 2*time.Hour)
	fixture.post(testContext, "gina-target", "gina", "targeted harassment of another diner", time.Hour)

	fixture.llm.replies["targeted harassment"] = violation("0.9", "high", "harassment")
	fixture.llm.replies["older insult"] = violation("0.85", "medium", "insult")
	fixture.llm.failures["breaks the model"] = errors.New("upstream returned 503")

	if outcome := fixture.moderator.Review(ctx, "gina-target", TierHigh); outcome != OutcomeViolation {
		testContext.Fatalf("expected violation outcome, got %s", outcome)
	}
	if fixture.exists(testContext, "gina-target") {
		testContext.Fatalf("expected violating artifact to be deleted")
	}
	if !fixture.exists(testContext, "gina-broken") {
		testContext.Fatalf("expected the artifact whose analysis failed to be kept")
	}
	if fixture.exists(testContext, "gina-insult") {
		testContext.Fatalf("expected the sweep to continue past the failed analysis and remove the insult")
	}
	if fixture.notifier.count() != 2 {
		testContext.Fatalf("expected notices for the target and the cascaded artifact, got %d", fixture.notifier.count())
	}
}

func TestReviewPromptCarriesHistoryAndReports(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	ctx := context.Background()
	fixture.register(testContext, "dan", 0)
	fixture.register(testContext, "erin", 0)
	fixture.post(testContext, "dan-old", "dan", "yesterday's tonkotsu was rich", 2*time.Hour)
	fixture.post(testContext, "dan-new", "dan", "today I tried tsukemen", time.Hour)
	oldID := "dan-old"
	if err := fixture.store.CreateReport(ctx, &content.Report{ID: "report-1", ReporterID: "erin", TargetArtifactID: &oldID, Reason: content.ReportReasonSpam}); err != nil {
		testContext.Fatalf("failed to create report: %v", err)
	}

	if outcome := fixture.moderator.Review(ctx, "dan-new", TierLow); outcome != OutcomeClean {
		testContext.Fatalf("expected clean outcome, got %s", outcome)
	}
	prompt := fixture.llm.lastPrompt()
	for _, fragment := range []string{"Content type: post", "today I tried tsukemen", "[post] yesterday's tonkotsu was rich", "Reports against this author: 1 (spam)"} {
		if !strings.Contains(prompt, fragment) {
			testContext.Fatalf("expected prompt to contain %q, got:\n%s", fragment, prompt)
		}
	}
	if strings.Count(prompt, "today I tried tsukemen") != 1 {
		testContext.Fatalf("expected the reviewed artifact to be excluded from its own history")
	}
}

func TestVerdictBelowTierThresholdChangesNothing(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	ctx := context.Background()
	fixture.register(testContext, "frank", 50)
	fixture.post(testContext, "frank-post", "frank", "slightly edgy joke about menma", time.Hour)
	fixture.llm.replies["edgy joke"] = violation("0.72", "low", "rude")

	if outcome := fixture.moderator.Review(ctx, "frank-post", TierMedium); outcome != OutcomeClean {
		testContext.Fatalf("expected clean outcome under the medium threshold, got %s", outcome)
	}
	if !fixture.exists(testContext, "frank-post") {
		testContext.Fatalf("expected artifact to remain")
	}
	frank, err := fixture.users.Get(ctx, "frank")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if frank.Points != 50 || frank.InternalScore != users.DefaultInternalScore {
		testContext.Fatalf("expected reputation untouched, got %d/%d", frank.Points, frank.InternalScore)
	}
}

func TestAnalysisFailureIsFailSafe(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	ctx := context.Background()
	fixture.register(testContext, "gina", 0)
	fixture.post(testContext, "gina-timeout", "gina", "post that times out", time.Hour)
	fixture.post(testContext, "gina-garbled", "gina", "post with a garbled verdict", time.Hour)
	fixture.llm.failures["times out"] = context.DeadlineExceeded
	fixture.llm.replies["garbled verdict"] = "I cannot decide"

	if outcome := fixture.moderator.Review(ctx, "gina-timeout", TierHigh); outcome != OutcomeFailed {
		testContext.Fatalf("expected failed outcome, got %s", outcome)
	}
	if outcome := fixture.moderator.Review(ctx, "gina-garbled", TierHigh); outcome != OutcomeFailed {
		testContext.Fatalf("expected failed outcome, got %s", outcome)
	}
	if !fixture.exists(testContext, "gina-timeout") || !fixture.exists(testContext, "gina-garbled") {
		testContext.Fatalf("failed analyses must not remove content")
	}
	items, err := fixture.moderator.PendingHumanReviews(ctx, 10)
	if err != nil {
		testContext.Fatalf("pending reviews failed: %v", err)
	}
	if len(items) != 0 {
		testContext.Fatalf("expected no human review items without the fallback policy")
	}
}

func TestHumanReviewFallbackQueuesItem(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackHumanReview)
	ctx := context.Background()
	fixture.register(testContext, "hank", 0)
	fixture.post(testContext, "hank-post", "hank", "needs a person to look", time.Hour)
	fixture.llm.failures["needs a person"] = llm.ErrDisabled

	if outcome := fixture.moderator.Review(ctx, "hank-post", TierMedium); outcome != OutcomeHumanReview {
		testContext.Fatalf("expected human review outcome, got %s", outcome)
	}
	items, err := fixture.moderator.PendingHumanReviews(ctx, 10)
	if err != nil {
		testContext.Fatalf("pending reviews failed: %v", err)
	}
	if len(items) != 1 || items[0].ArtifactID != "hank-post" || items[0].Tier != string(TierMedium) {
		testContext.Fatalf("unexpected human review items %#v", items)
	}
}

func TestMissingArtifactExitsSilently(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	if outcome := fixture.moderator.Review(context.Background(), "gone", TierHigh); outcome != OutcomeNotFound {
		testContext.Fatalf("expected not found outcome, got %s", outcome)
	}
	if fixture.llm.calls() != 0 {
		testContext.Fatalf("expected no model call for a missing artifact")
	}
}

func TestReportedReviewUsesReportReason(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	ctx := context.Background()
	fixture.register(testContext, "ivan", 0)
	fixture.post(testContext, "ivan-post", "ivan", "buy cheap followers here", time.Hour)
	fixture.llm.replies["cheap followers"] = violation("0.71", "low", "spam")

	if outcome := fixture.moderator.ReviewReported(ctx, "ivan-post", "spam"); outcome != OutcomeViolation {
		testContext.Fatalf("expected violation outcome, got %s", outcome)
	}
	if !strings.Contains(fixture.llm.lastPrompt(), "A user reported this content for: spam") {
		testContext.Fatalf("expected the report reason in the prompt, got:\n%s", fixture.llm.lastPrompt())
	}
	if fixture.exists(testContext, "ivan-post") {
		testContext.Fatalf("expected reported artifact to be removed")
	}
	ivan, err := fixture.users.Get(ctx, "ivan")
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if ivan.InternalScore != 75 {
		testContext.Fatalf("expected low severity penalty, got internal %d", ivan.InternalScore)
	}
}

func TestCascadeUsesVerdictCache(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	ctx := context.Background()
	fixture.register(testContext, "judy", 0)
	fixture.post(testContext, "judy-1", "judy", "first harmless bowl", 2*time.Hour)
	fixture.post(testContext, "judy-2", "judy", "second harmless bowl", time.Hour)

	if removed := fixture.moderator.Sweep(ctx, "judy", "spam"); removed != 0 {
		testContext.Fatalf("expected nothing removed, got %d", removed)
	}
	calls := fixture.llm.calls()
	if calls != 2 {
		testContext.Fatalf("expected two analyses, got %d", calls)
	}
	fixture.moderator.Sweep(ctx, "judy", "spam")
	if fixture.llm.calls() != calls {
		testContext.Fatalf("expected second sweep to be answered from cache")
	}
}

func TestNewModeratorValidatesPolicy(testContext *testing.T) {
	fixture := newModerationFixture(testContext, FallbackNone)
	base := Config{Database: fixture.db, Users: fixture.users, Ledger: fixture.ledger}

	invalid := base
	invalid.CascadeThreshold = 0.5
	if _, err := NewModerator(invalid); err == nil {
		testContext.Fatalf("expected cascade threshold below the high tier to be rejected")
	}
	invalid = base
	invalid.Fallback = "page_someone"
	if _, err := NewModerator(invalid); err == nil {
		testContext.Fatalf("expected unknown fallback policy to be rejected")
	}
	invalid = base
	invalid.Tiers = Tiers{TierHigh: {Threshold: 0.7}}
	if _, err := NewModerator(invalid); err == nil {
		testContext.Fatalf("expected incomplete tier table to be rejected")
	}
	if _, err := NewModerator(Config{Users: fixture.users, Ledger: fixture.ledger}); !errors.Is(err, errMissingDatabase) {
		testContext.Fatalf("expected errMissingDatabase, got %v", err)
	}
}
