package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/llm"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/reputation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultTimeout            = 30 * time.Second
	defaultCascadeThreshold   = 0.80
	defaultCascadeLimit       = 20
	defaultCascadeConcurrency = 4
	historyLimit              = 5
	historyExcerptRunes       = 200
	reportedTierLabel         = "reported"
	cascadeTierLabel          = "cascade"
)

var (
	errMissingDatabase = errors.New("moderation: database handle is required")
	errMissingLedger   = errors.New("moderation: ledger is required")
	errMissingUsers    = errors.New("moderation: user service is required")
)

// Config describes the moderator's collaborators and policy.
type Config struct {
	Database           *gorm.DB
	Users              *users.Service
	Ledger             *reputation.Ledger
	LLM                llm.Client
	Model              string
	SystemPrompt       string
	Tiers              Tiers
	Timeout            time.Duration
	Fallback           FallbackPolicy
	CascadeThreshold   float64
	CascadeLimit       int
	CascadeConcurrency int
	Cache              *VerdictCache
	Notifier           Notifier
	IDProvider         content.IDProvider
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Moderator reviews artifacts with the LLM and applies the consequences of confirmed violations.
type Moderator struct {
	db                 *gorm.DB
	store              *content.Store
	users              *users.Service
	ledger             *reputation.Ledger
	llm                llm.Client
	model              string
	systemPrompt       string
	tiers              Tiers
	timeout            time.Duration
	fallback           FallbackPolicy
	cascadeThreshold   float64
	cascadeLimit       int
	cascadeConcurrency int
	cache              *VerdictCache
	notifier           Notifier
	idProvider         content.IDProvider
	clock              func() time.Time
	logger             *zap.Logger
}

// NewModerator validates the configuration and fills defaults.
func NewModerator(cfg Config) (*Moderator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	tiers := cfg.Tiers
	if tiers == nil {
		tiers = DefaultTiers()
	}
	if err := tiers.Validate(); err != nil {
		return nil, err
	}
	cascadeThreshold := cfg.CascadeThreshold
	if cascadeThreshold == 0 {
		cascadeThreshold = defaultCascadeThreshold
	}
	if cascadeThreshold < tiers[TierHigh].Threshold || cascadeThreshold > 1 {
		return nil, fmt.Errorf("moderation: cascade threshold %.2f must be within [%.2f,1]", cascadeThreshold, tiers[TierHigh].Threshold)
	}
	fallback := cfg.Fallback
	switch fallback {
	case "":
		fallback = FallbackNone
	case FallbackNone, FallbackHumanReview:
	default:
		return nil, fmt.Errorf("moderation: unknown fallback policy %q", fallback)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store, err := content.NewStore(cfg.Database, clock)
	if err != nil {
		return nil, err
	}
	client := cfg.LLM
	if client == nil {
		client = llm.DisabledClient{}
	}
	systemPrompt := cfg.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = llm.DefaultSystemPrompt
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cascadeLimit := cfg.CascadeLimit
	if cascadeLimit <= 0 {
		cascadeLimit = defaultCascadeLimit
	}
	cascadeConcurrency := cfg.CascadeConcurrency
	if cascadeConcurrency <= 0 {
		cascadeConcurrency = defaultCascadeConcurrency
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = content.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Moderator{
		db:                 cfg.Database,
		store:              store,
		users:              cfg.Users,
		ledger:             cfg.Ledger,
		llm:                client,
		model:              cfg.Model,
		systemPrompt:       systemPrompt,
		tiers:              tiers,
		timeout:            timeout,
		fallback:           fallback,
		cascadeThreshold:   cascadeThreshold,
		cascadeLimit:       cascadeLimit,
		cascadeConcurrency: cascadeConcurrency,
		cache:              cfg.Cache,
		notifier:           notifier,
		idProvider:         idProvider,
		clock:              clock,
		logger:             logger,
	}, nil
}

// Handle runs one queued task. It is the pool handler.
func (m *Moderator) Handle(ctx context.Context, task Task) {
	if task.Reported() {
		m.ReviewReported(ctx, task.ArtifactID, task.ReportReason)
		return
	}
	m.Review(ctx, task.ArtifactID, task.Tier)
}

// Review analyses a freshly persisted artifact at the given tier.
func (m *Moderator) Review(ctx context.Context, artifactID string, tier Tier) Outcome {
	policy, ok := m.tiers[tier]
	if !ok {
		m.logger.Warn("moderation task has unknown tier",
			zap.String("artifact_id", artifactID),
			zap.String("tier", string(tier)),
		)
		return m.record(string(tier), OutcomeFailed)
	}
	return m.record(string(tier), m.review(ctx, artifactID, string(tier), policy, ""))
}

// ReviewReported analyses a reported artifact regardless of its spam score, giving the model the
// report reason. The high tier policy applies.
func (m *Moderator) ReviewReported(ctx context.Context, artifactID, reason string) Outcome {
	return m.record(reportedTierLabel, m.review(ctx, artifactID, reportedTierLabel, m.tiers[TierHigh], reason))
}

func (m *Moderator) record(tier string, outcome Outcome) Outcome {
	taskOutcomes.WithLabelValues(tier, string(outcome)).Inc()
	return outcome
}

func (m *Moderator) review(ctx context.Context, artifactID, tier string, policy TierPolicy, reportReason string) Outcome {
	artifact, err := m.store.Get(ctx, artifactID)
	if errors.Is(err, content.ErrNotFound) {
		return OutcomeNotFound
	}
	if err != nil {
		m.warn("moderation lookup failed", artifactID, tier, err)
		return OutcomeFailed
	}
	author, err := m.users.Get(ctx, artifact.AuthorID)
	if errors.Is(err, users.ErrNotFound) {
		return OutcomeNotFound
	}
	if err != nil {
		m.warn("moderation author lookup failed", artifactID, tier, err)
		return OutcomeFailed
	}

	request := m.request(buildPrompt(artifact, m.userHistory(ctx, artifact), reportReason), policy.Temperature)
	verdict, err := m.analyze(ctx, request)
	if err != nil {
		analysisFailures.Inc()
		m.warn("moderation analysis failed", artifactID, tier, err)
		if m.fallback == FallbackHumanReview {
			if queueErr := m.queueHumanReview(ctx, artifactID, tier, err); queueErr != nil {
				m.warn("human review queue failed", artifactID, tier, queueErr)
				return OutcomeFailed
			}
			return OutcomeHumanReview
		}
		return OutcomeFailed
	}
	if !verdict.Meets(policy.Threshold) {
		return OutcomeClean
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, applyErr := m.ledger.ApplyTx(ctx, tx, author.ID, reputation.EventContentViolation, reputation.Metadata{
			reputation.MetaSeverity:   verdict.Severity,
			reputation.MetaReason:     verdict.Reason,
			reputation.MetaArtifactID: artifactID,
		})
		if applyErr != nil {
			return applyErr
		}
		return removeArtifact(ctx, m.store.WithTx(tx), artifactID)
	})
	if errors.Is(err, content.ErrNotFound) {
		return OutcomeNotFound
	}
	if err != nil {
		m.warn("moderation violation rollback", artifactID, tier, err)
		return OutcomeFailed
	}

	m.logger.Info("content removed for violation",
		zap.String("artifact_id", artifactID),
		zap.String("author_id", author.ID),
		zap.String("tier", tier),
		zap.String("severity", verdict.Severity),
		zap.Float64("confidence", verdict.Confidence),
	)
	m.notify(author.ID, artifactID, verdict.Reason)
	m.Sweep(ctx, author.ID, verdict.Reason)
	return OutcomeViolation
}

// removeArtifact deletes the artifact's reports and then the artifact. ErrNotFound means another task
// already removed it.
func removeArtifact(ctx context.Context, store *content.Store, artifactID string) error {
	if _, err := store.DeleteReportsFor(ctx, artifactID); err != nil {
		return err
	}
	removed, err := store.Delete(ctx, artifactID)
	if err != nil {
		return err
	}
	if !removed {
		return content.ErrNotFound
	}
	return nil
}

func (m *Moderator) request(prompt string, temperature float64) llm.Request {
	return llm.Request{
		Model:            m.model,
		SystemPrompt:     m.systemPrompt,
		Prompt:           prompt,
		Temperature:      temperature,
		ResponseMIMEType: llm.MIMETypeJSON,
	}
}

func (m *Moderator) analyze(ctx context.Context, request llm.Request) (llm.Verdict, error) {
	if verdict, ok := m.cache.Get(request); ok {
		verdictCacheHits.Inc()
		return verdict, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	raw, err := m.llm.Generate(callCtx, request)
	if err != nil {
		return llm.Verdict{}, err
	}
	verdict, err := llm.ParseVerdict(raw)
	if err != nil {
		return llm.Verdict{}, err
	}
	m.cache.Add(request, verdict)
	return verdict, nil
}

func (m *Moderator) userHistory(ctx context.Context, artifact content.Artifact) string {
	var builder strings.Builder
	recent, err := m.store.RecentByAuthor(ctx, artifact.AuthorID, historyLimit+1)
	if err != nil {
		m.warn("moderation history lookup failed", artifact.ID, "", err)
	}
	listed := 0
	for _, previous := range recent {
		if previous.ID == artifact.ID || listed == historyLimit {
			continue
		}
		if listed == 0 {
			builder.WriteString("Recent contributions by this author:\n")
		}
		fmt.Fprintf(&builder, "- [%s] %s\n", previous.Kind, excerpt(previous.Content))
		listed++
	}
	summary, err := m.store.SummarizeReportsAgainst(ctx, artifact.AuthorID)
	if err != nil {
		m.warn("moderation report summary failed", artifact.ID, "", err)
		return builder.String()
	}
	fmt.Fprintf(&builder, "Reports against this author: %d", summary.Count)
	if len(summary.Reasons) > 0 {
		reasons := make([]string, 0, len(summary.Reasons))
		for _, reason := range summary.Reasons {
			reasons = append(reasons, string(reason))
		}
		fmt.Fprintf(&builder, " (%s)", strings.Join(reasons, ", "))
	}
	builder.WriteString("\n")
	return builder.String()
}

func buildPrompt(artifact content.Artifact, history, reportReason string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Content type: %s\n", artifact.Kind)
	if reportReason != "" {
		fmt.Fprintf(&builder, "A user reported this content for: %s\n", reportReason)
	}
	fmt.Fprintf(&builder, "Content:\n%s\n", artifact.Content)
	if history != "" {
		fmt.Fprintf(&builder, "\nAuthor history:\n%s", history)
	}
	return builder.String()
}

func excerpt(text string) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= historyExcerptRunes {
		return string(runes)
	}
	return string(runes[:historyExcerptRunes]) + "…"
}

func (m *Moderator) queueHumanReview(ctx context.Context, artifactID, tier string, cause error) error {
	id, err := m.idProvider.NewID()
	if err != nil {
		return err
	}
	reason := cause.Error()
	if runes := []rune(reason); len(runes) > 255 {
		reason = string(runes[:255])
	}
	item := HumanReviewItem{
		ID:         id,
		ArtifactID: artifactID,
		Tier:       tier,
		Reason:     reason,
		Status:     HumanReviewStatusPending,
		CreatedAt:  m.clock().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(&item).Error; err != nil {
		return fmt.Errorf("moderation: queue human review: %w", err)
	}
	return nil
}

// PendingHumanReviews lists queued human review items, oldest first.
func (m *Moderator) PendingHumanReviews(ctx context.Context, limit int) ([]HumanReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []HumanReviewItem
	err := m.db.WithContext(ctx).
		Where("status = ?", HumanReviewStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("moderation: list human reviews: %w", err)
	}
	return items, nil
}

func (m *Moderator) notify(userID, artifactID, reason string) {
	m.notifier.Publish(Notice{
		UserID:     userID,
		Type:       NoticeContentRemoved,
		ArtifactID: artifactID,
		Reason:     reason,
		Timestamp:  m.clock().UTC(),
	})
}

func (m *Moderator) warn(message, artifactID, tier string, err error) {
	m.logger.Warn(message,
		zap.String("artifact_id", artifactID),
		zap.String("tier", tier),
		zap.Error(err),
	)
}
