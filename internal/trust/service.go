// Package trust is the entry point for contributions, reports, reads and reputation events. It runs the
// admission checks, scores content and hands suspicious artifacts to background moderation.
package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/reputation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/spam"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/textnorm"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// Scheduler queues background moderation. *moderation.Scheduler implements it.
type Scheduler interface {
	Schedule(artifact content.Artifact, authorInternal int) moderation.Tier
	ScheduleReported(artifactID, reason string) error
}

type nopScheduler struct{}

func (nopScheduler) Schedule(content.Artifact, int) moderation.Tier { return moderation.TierNone }
func (nopScheduler) ScheduleReported(string, string) error          { return nil }

// ServiceConfig describes the collaborators of the trust service.
type ServiceConfig struct {
	Database   *gorm.DB
	Users      *users.Service
	Ledger     *reputation.Ledger
	Scorer     *spam.Scorer
	History    *spam.HistoryProbe
	Limiter    *ratelimit.Limiter
	Scheduler  Scheduler
	IDProvider content.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service implements the contribution, report, read and event contracts.
type Service struct {
	db         *gorm.DB
	store      *content.Store
	users      *users.Service
	ledger     *reputation.Ledger
	scorer     *spam.Scorer
	history    *spam.HistoryProbe
	limiter    *ratelimit.Limiter
	scheduler  Scheduler
	idProvider content.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Users == nil {
		return nil, newServiceError(opServiceNew, "missing_users", errMissingUsers)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Scorer == nil {
		return nil, newServiceError(opServiceNew, "missing_scorer", errMissingScorer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	store, err := content.NewStore(cfg.Database, clock)
	if err != nil {
		return nil, newServiceError(opServiceNew, "store", err)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = nopScheduler{}
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = content.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		store:      store,
		users:      cfg.Users,
		ledger:     cfg.Ledger,
		scorer:     cfg.Scorer,
		history:    cfg.History,
		limiter:    cfg.Limiter,
		scheduler:  scheduler,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// IngestResult describes a persisted contribution.
type IngestResult struct {
	ArtifactID   string
	SpamScore    float64
	SpamReasons  []string
	ShadowBanned bool
	ReviewTier   moderation.Tier
	Snapshot     reputation.Snapshot
}

// IngestTextContribution admits, scores and persists a contribution, rewards clean ones, and queues
// LLM review when the artifact warrants it.
func (s *Service) IngestTextContribution(ctx context.Context, authorID string, contribution Contribution) (IngestResult, error) {
	kind, err := content.ParseKind(string(contribution.Kind))
	if err != nil {
		return IngestResult{}, validationError("%v", err)
	}
	contribution.Kind = kind

	if err := s.admit(actionFor(kind), authorID); err != nil {
		return IngestResult{}, err
	}
	eligibility, err := s.ledger.CheckEligibility(ctx, authorID)
	if err != nil {
		return IngestResult{}, s.gateError(opIngest, authorID, err)
	}

	normalized := textnorm.Normalize(contribution.Text)
	if err := validate(contribution, normalized); err != nil {
		ingestRejections.WithLabelValues("validation").Inc()
		return IngestResult{}, err
	}
	if kind == content.KindReply {
		parent, err := s.store.GetVisible(ctx, authorID, contribution.ParentPostID)
		if errors.Is(err, content.ErrNotFound) || (err == nil && parent.Kind != content.KindPost) {
			ingestRejections.WithLabelValues("validation").Inc()
			return IngestResult{}, validationError("parent post %q not found", contribution.ParentPostID)
		}
		if err != nil {
			s.logError(opIngest, "parent_lookup_failed", err, zap.String("author_id", authorID))
			return IngestResult{}, newServiceError(opIngest, "parent_lookup_failed", err)
		}
	}

	verdict := spam.Result{}
	if normalized != "" {
		verdict = spam.Combine(
			s.scorer.Score(normalized),
			s.history.Inspect(ctx, authorID, kind, normalized),
			s.scorer.Weights(),
			s.scorer.Threshold(),
		)
	}
	outcome := "clean"
	if verdict.IsSpam {
		outcome = "spam"
	}
	spamDecisions.WithLabelValues(string(kind), outcome).Inc()

	artifact, err := s.buildArtifact(authorID, contribution, normalized, verdict)
	if err != nil {
		s.logError(opIngest, "id_generation_failed", err)
		return IngestResult{}, newServiceError(opIngest, "id_generation_failed", err)
	}

	var (
		snapshot reputation.Snapshot
		titles   []reputation.Title
	)
	rewarded := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.store.WithTx(tx).Create(ctx, &artifact); err != nil {
			return err
		}
		if artifact.IsShadowBanned {
			return nil
		}
		for _, event := range rewardsFor(contribution) {
			applied, err := s.ledger.ApplyTx(ctx, tx, authorID, event, reputation.Metadata{reputation.MetaArtifactID: artifact.ID})
			if err != nil {
				return err
			}
			titles = append(titles, applied.NewTitles...)
			snapshot = applied
			rewarded = true
		}
		return nil
	})
	if txErr != nil {
		s.logError(opIngest, "persist_failed", txErr, zap.String("author_id", authorID), zap.String("kind", string(kind)))
		return IngestResult{}, newServiceError(opIngest, "persist_failed", txErr)
	}
	snapshot.NewTitles = titles
	if !rewarded {
		snapshot, err = s.ledger.Snapshot(ctx, authorID)
		if err != nil {
			s.logError(opIngest, "snapshot_failed", err, zap.String("author_id", authorID))
			return IngestResult{}, newServiceError(opIngest, "snapshot_failed", err)
		}
	}

	tier := s.scheduler.Schedule(artifact, eligibility.User.InternalScore)
	if verdict.IsSpam {
		s.logger.Info("contribution shadow banned",
			zap.String("artifact_id", artifact.ID),
			zap.String("author_id", authorID),
			zap.Float64("spam_score", verdict.Score),
			zap.Strings("reasons", verdict.ReasonStrings()),
		)
	}
	return IngestResult{
		ArtifactID:   artifact.ID,
		SpamScore:    verdict.Score,
		SpamReasons:  verdict.ReasonStrings(),
		ShadowBanned: artifact.IsShadowBanned,
		ReviewTier:   tier,
		Snapshot:     snapshot,
	}, nil
}

func (s *Service) buildArtifact(authorID string, contribution Contribution, normalized string, verdict spam.Result) (content.Artifact, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return content.Artifact{}, err
	}
	score := verdict.Score
	artifact := content.Artifact{
		ID:             id,
		Kind:           contribution.Kind,
		AuthorID:       authorID,
		ShopID:         strings.TrimSpace(contribution.ShopID),
		Content:        normalized,
		ContentHash:    content.HashContent(normalized),
		SpamScore:      &score,
		IsShadowBanned: verdict.IsSpam,
		CreatedAt:      s.clock().UTC(),
	}
	if verdict.IsSpam {
		reason := "spam: " + strings.Join(verdict.ReasonStrings(), ",")
		if utf8.RuneCountInString(reason) > 255 {
			reason = string([]rune(reason)[:255])
		}
		artifact.ShadowBanReason = &reason
	}
	switch contribution.Kind {
	case content.KindPost:
		artifact.Post = &content.PostDetail{ImageURL: contribution.ImageURL, VideoURL: contribution.VideoURL}
	case content.KindReply:
		artifact.Reply = &content.ReplyDetail{PostID: contribution.ParentPostID}
	case content.KindReview:
		artifact.Review = &content.ReviewDetail{Rating: contribution.Rating}
	case content.KindCheckin:
		artifact.Checkin = &content.CheckinDetail{WaitMinutes: contribution.WaitMinutes}
	}
	return artifact, nil
}

// rewardsFor maps a clean contribution to its reward events. Text-only posts and replies earn nothing.
func rewardsFor(contribution Contribution) []reputation.EventType {
	switch contribution.Kind {
	case content.KindPost:
		if contribution.VideoURL != "" {
			return []reputation.EventType{reputation.EventVideoPost}
		}
		if contribution.ImageURL != "" {
			return []reputation.EventType{reputation.EventImagePost}
		}
	case content.KindCheckin:
		if contribution.WaitMinutes != nil {
			return []reputation.EventType{reputation.EventCheckin, reputation.EventWaittimeReport}
		}
		return []reputation.EventType{reputation.EventCheckin}
	case content.KindReview:
		return []reputation.EventType{reputation.EventShopReview}
	}
	return nil
}

func actionFor(kind content.Kind) ratelimit.Action {
	switch kind {
	case content.KindReply:
		return ratelimit.ActionReply
	case content.KindReview:
		return ratelimit.ActionReview
	case content.KindCheckin:
		return ratelimit.ActionCheckin
	default:
		return ratelimit.ActionPost
	}
}

func (s *Service) admit(action ratelimit.Action, userID string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.HitAction(action, userID)
	if errors.Is(err, ratelimit.ErrLimited) {
		ingestRejections.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: %s", ErrRateLimited, action)
	}
	return err
}

func (s *Service) gateError(operation, userID string, err error) error {
	switch {
	case errors.Is(err, reputation.ErrIneligible):
		ingestRejections.WithLabelValues("ineligible").Inc()
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	case errors.Is(err, users.ErrNotFound):
		ingestRejections.WithLabelValues("unknown_author").Inc()
		return fmt.Errorf("%w: unknown author", ErrForbidden)
	default:
		s.logError(operation, "eligibility_failed", err, zap.String("user_id", userID))
		return newServiceError(operation, "eligibility_failed", err)
	}
}

// HandleReport persists a report against a visible artifact and queues a report-driven review.
func (s *Service) HandleReport(ctx context.Context, reporterID, artifactID, reason, description string) (content.Report, error) {
	if err := s.admit(ratelimit.ActionReport, reporterID); err != nil {
		return content.Report{}, err
	}
	parsed, ok := content.ParseReportReason(reason)
	if !ok {
		return content.Report{}, validationError("unknown report reason %q", reason)
	}
	description = strings.TrimSpace(textnorm.Normalize(description))
	if utf8.RuneCountInString(description) > maxDescriptionRunes {
		return content.Report{}, validationError("description exceeds %d characters", maxDescriptionRunes)
	}
	if _, err := s.store.GetVisible(ctx, reporterID, artifactID); err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return content.Report{}, ErrNotFound
		}
		s.logError(opReport, "artifact_lookup_failed", err, zap.String("artifact_id", artifactID))
		return content.Report{}, newServiceError(opReport, "artifact_lookup_failed", err)
	}

	report, err := s.newReport(reporterID, parsed, description)
	if err != nil {
		return content.Report{}, newServiceError(opReport, "id_generation_failed", err)
	}
	report.TargetArtifactID = &artifactID
	if err := s.store.CreateReport(ctx, &report); err != nil {
		if errors.Is(err, content.ErrDuplicateReport) {
			return content.Report{}, ErrDuplicateReport
		}
		s.logError(opReport, "persist_failed", err, zap.String("artifact_id", artifactID))
		return content.Report{}, newServiceError(opReport, "persist_failed", err)
	}
	_ = s.scheduler.ScheduleReported(artifactID, string(parsed))
	return report, nil
}

// ReportUser records a report against an account. It feeds the author history given to the model.
func (s *Service) ReportUser(ctx context.Context, reporterID, targetUserID, reason, description string) (content.Report, error) {
	if err := s.admit(ratelimit.ActionReport, reporterID); err != nil {
		return content.Report{}, err
	}
	parsed, ok := content.ParseReportReason(reason)
	if !ok {
		return content.Report{}, validationError("unknown report reason %q", reason)
	}
	if _, err := s.users.Get(ctx, targetUserID); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return content.Report{}, ErrNotFound
		}
		return content.Report{}, newServiceError(opReport, "user_lookup_failed", err)
	}
	description = strings.TrimSpace(textnorm.Normalize(description))
	if utf8.RuneCountInString(description) > maxDescriptionRunes {
		return content.Report{}, validationError("description exceeds %d characters", maxDescriptionRunes)
	}
	report, err := s.newReport(reporterID, parsed, description)
	if err != nil {
		return content.Report{}, newServiceError(opReport, "id_generation_failed", err)
	}
	report.TargetUserID = &targetUserID
	if err := s.store.CreateReport(ctx, &report); err != nil {
		s.logError(opReport, "persist_failed", err, zap.String("target_user_id", targetUserID))
		return content.Report{}, newServiceError(opReport, "persist_failed", err)
	}
	return report, nil
}

func (s *Service) newReport(reporterID string, reason content.ReportReason, description string) (content.Report, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return content.Report{}, err
	}
	return content.Report{
		ID:          id,
		ReporterID:  reporterID,
		Reason:      reason,
		Description: description,
		CreatedAt:   s.clock().UTC(),
	}, nil
}

// VisibleArtifacts lists artifacts the viewer may see. An empty viewer is anonymous.
func (s *Service) VisibleArtifacts(ctx context.Context, viewerID string, query content.Query) ([]content.View, error) {
	views, err := s.store.ListVisible(ctx, viewerID, query)
	if err != nil {
		s.logError(opVisible, "list_failed", err)
		return nil, newServiceError(opVisible, "list_failed", err)
	}
	return views, nil
}

// VisibleArtifact returns one artifact, or ErrNotFound when it is missing or hidden from the viewer.
func (s *Service) VisibleArtifact(ctx context.Context, viewerID, artifactID string) (content.View, error) {
	view, err := s.store.GetVisible(ctx, viewerID, artifactID)
	if errors.Is(err, content.ErrNotFound) {
		return content.View{}, ErrNotFound
	}
	if err != nil {
		s.logError(opVisible, "get_failed", err, zap.String("artifact_id", artifactID))
		return content.View{}, newServiceError(opVisible, "get_failed", err)
	}
	return view, nil
}

// ApplyEvent records a non-text reputation event for the user.
func (s *Service) ApplyEvent(ctx context.Context, userID, eventType string, metadata reputation.Metadata) (reputation.Snapshot, error) {
	event, err := reputation.ParseEventType(eventType)
	if err != nil {
		return reputation.Snapshot{}, validationError("%v", err)
	}
	snapshot, err := s.ledger.Apply(ctx, userID, event, metadata)
	switch {
	case err == nil:
		return snapshot, nil
	case errors.Is(err, reputation.ErrInvalidMetadata), errors.Is(err, reputation.ErrUnknownEvent):
		return reputation.Snapshot{}, validationError("%v", err)
	case errors.Is(err, users.ErrNotFound):
		return reputation.Snapshot{}, ErrNotFound
	default:
		s.logError(opApplyEvent, "apply_failed", err, zap.String("user_id", userID), zap.String("event_type", eventType))
		return reputation.Snapshot{}, newServiceError(opApplyEvent, "apply_failed", err)
	}
}

// EnsureUser registers the session's user on first sight and refreshes the profile columns.
func (s *Service) EnsureUser(ctx context.Context, claims auth.SessionClaims) (users.User, error) {
	id, err := users.SubjectFromClaims(claims)
	if err != nil {
		return users.User{}, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if _, err := s.ledger.Register(ctx, id, claims.UserDisplayName); err != nil {
		s.logError(opEnsureUser, "register_failed", err, zap.String("user_id", id.String()))
		return users.User{}, newServiceError(opEnsureUser, "register_failed", err)
	}
	if err := s.users.RefreshProfile(ctx, id.String(), claims); err != nil {
		s.logError(opEnsureUser, "refresh_failed", err, zap.String("user_id", id.String()))
		return users.User{}, newServiceError(opEnsureUser, "refresh_failed", err)
	}
	user, err := s.users.Get(ctx, id.String())
	if err != nil {
		return users.User{}, newServiceError(opEnsureUser, "load_failed", err)
	}
	return user, nil
}

// SetAccountStatus applies an administrative sanction. A zero until sets a permanent override; a
// non-zero until sets a timed ban or posting restriction. The status "clear" removes the override.
func (s *Service) SetAccountStatus(ctx context.Context, userID, status string, until time.Time) (reputation.Snapshot, error) {
	var (
		snapshot reputation.Snapshot
		err      error
	)
	if strings.EqualFold(strings.TrimSpace(status), "clear") {
		snapshot, err = s.ledger.SetOverride(ctx, userID, nil)
	} else {
		parsed, parseErr := users.ParseStatus(status)
		if parseErr != nil {
			return reputation.Snapshot{}, validationError("%v", parseErr)
		}
		switch {
		case until.IsZero():
			snapshot, err = s.ledger.SetOverride(ctx, userID, &parsed)
		case !until.After(s.clock()):
			return reputation.Snapshot{}, validationError("sanction end must be in the future")
		case parsed == users.StatusBanned:
			snapshot, err = s.ledger.BanUntil(ctx, userID, until)
		case parsed == users.StatusRestricted:
			snapshot, err = s.ledger.RestrictUntil(ctx, userID, until)
		default:
			return reputation.Snapshot{}, validationError("only banned and restricted can be timed")
		}
	}
	switch {
	case err == nil:
		return snapshot, nil
	case errors.Is(err, users.ErrNotFound):
		return reputation.Snapshot{}, ErrNotFound
	default:
		s.logError(opSanction, "apply_failed", err, zap.String("user_id", userID), zap.String("status", status))
		return reputation.Snapshot{}, newServiceError(opSanction, "apply_failed", err)
	}
}

// Like records the user's like on an artifact they can see.
func (s *Service) Like(ctx context.Context, userID, artifactID string) error {
	if _, err := s.store.GetVisible(ctx, userID, artifactID); err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return ErrNotFound
		}
		return newServiceError(opLike, "artifact_lookup_failed", err)
	}
	if err := s.store.AddLike(ctx, artifactID, userID); err != nil {
		s.logError(opLike, "persist_failed", err, zap.String("artifact_id", artifactID))
		return newServiceError(opLike, "persist_failed", err)
	}
	return nil
}

// DeleteOwned hard-deletes an artifact on behalf of its author.
func (s *Service) DeleteOwned(ctx context.Context, userID, artifactID string) error {
	view, err := s.store.GetVisible(ctx, userID, artifactID)
	if errors.Is(err, content.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return newServiceError(opDeleteOwned, "artifact_lookup_failed", err)
	}
	if view.AuthorID != userID {
		return fmt.Errorf("%w: not the author", ErrForbidden)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.store.WithTx(tx).Delete(ctx, artifactID)
		return err
	})
	if txErr != nil {
		s.logError(opDeleteOwned, "delete_failed", txErr, zap.String("artifact_id", artifactID))
		return newServiceError(opDeleteOwned, "delete_failed", txErr)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("trust service error", attrs...)
}
