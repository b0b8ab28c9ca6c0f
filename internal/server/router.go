// Package server is the HTTP boundary of the ramen map backend. It translates requests into trust
// service calls and maps the closed error set onto status codes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/content"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/moderation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/reputation"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/trust"
	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "ramenmap_user_id"
	claimsContextKey = "ramenmap_claims"
	userContextKey   = "ramenmap_user"

	defaultHeartbeatInterval = 25 * time.Second
	humanReviewPageSize      = 50
)

var (
	errMissingTrustService = errors.New("trust service dependency required")
	errMissingSessions     = errors.New("session validator dependency required")
	errMissingNotices      = errors.New("notice dispatcher dependency required")
)

// SessionValidator resolves the viewer's session. *auth.SessionValidator implements it.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// HumanReviewLister exposes the fallback review queue. *moderation.Moderator implements it.
type HumanReviewLister interface {
	PendingHumanReviews(ctx context.Context, limit int) ([]moderation.HumanReviewItem, error)
}

// Dependencies are the collaborators of the HTTP handler.
type Dependencies struct {
	TrustService      *trust.Service
	Sessions          SessionValidator
	Notices           *NoticeDispatcher
	HumanReviews      HumanReviewLister
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TrustService == nil {
		return nil, errMissingTrustService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Notices == nil {
		return nil, errMissingNotices
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		trust:        deps.TrustService,
		sessions:     deps.Sessions,
		notices:      deps.Notices,
		humanReviews: deps.HumanReviews,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := router.Group("/")
	public.Use(handler.resolveViewer)
	public.GET("/artifacts", handler.handleListArtifacts)
	public.GET("/artifacts/:id", handler.handleGetArtifact)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.POST("/contributions", handler.handleContribution)
	protected.POST("/artifacts/:id/reports", handler.handleReportArtifact)
	protected.POST("/artifacts/:id/likes", handler.handleLike)
	protected.DELETE("/artifacts/:id", handler.handleDelete)
	protected.POST("/users/:id/reports", handler.handleReportUser)
	protected.GET("/moderation/notices", handler.handleNoticeStream)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/users/:id/events", handler.handleApplyEvent)
	admin.POST("/users/:id/status", handler.handleSetStatus)
	admin.GET("/human-reviews", handler.handleHumanReviews)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	trust        *trust.Service
	sessions     SessionValidator
	notices      *NoticeDispatcher
	humanReviews HumanReviewLister
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.trust.EnsureUser(c.Request.Context(), claims)
	if err != nil {
		h.writeError(c, err)
		c.Abort()
		return
	}
	c.Set(userIDContextKey, user.ID)
	c.Set(userContextKey, user)
	c.Set(claimsContextKey, claims)
	c.Next()
}

// resolveViewer identifies the viewer when a valid session is present and falls back to anonymous.
func (h *httpHandler) resolveViewer(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err == nil {
		if id, idErr := users.SubjectFromClaims(claims); idErr == nil {
			c.Set(userIDContextKey, id.String())
		}
	}
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	value, _ := c.Get(claimsContextKey)
	claims, ok := value.(auth.SessionClaims)
	if !ok || !claims.HasRole(auth.RoleAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// statusForError maps the trust error set onto an HTTP status and a stable error code.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, trust.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, trust.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, trust.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, trust.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, trust.ErrDuplicateReport):
		return http.StatusConflict, "duplicate_report"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := statusForError(err)
	body := gin.H{"error": code}
	switch status {
	case http.StatusBadRequest:
		body["detail"] = err.Error()
	case http.StatusInternalServerError:
		fields := []zap.Field{zap.String("path", c.FullPath()), zap.Error(err)}
		var serviceErr *trust.ServiceError
		if errors.As(err, &serviceErr) {
			fields = append(fields, zap.String("code", serviceErr.Code()))
		}
		h.logger.Error("request failed", fields...)
	}
	c.JSON(status, body)
}

type contributionRequest struct {
	Kind         string `json:"kind"`
	Text         string `json:"text"`
	ShopID       string `json:"shop_id"`
	ParentPostID string `json:"parent_post_id"`
	ImageURL     string `json:"image_url"`
	VideoURL     string `json:"video_url"`
	Rating       int    `json:"rating"`
	WaitMinutes  *int   `json:"wait_minutes"`
}

type contributionResponse struct {
	ArtifactID string          `json:"artifact_id"`
	Reputation snapshotPayload `json:"reputation"`
}

type snapshotPayload struct {
	Points       int64    `json:"points"`
	Rank         string   `json:"rank"`
	NextRank     string   `json:"next_rank,omitempty"`
	PointsToNext int64    `json:"points_to_next"`
	Progress     float64  `json:"progress"`
	Status       string   `json:"status"`
	NewTitles    []string `json:"new_titles,omitempty"`
}

func newSnapshotPayload(snapshot reputation.Snapshot) snapshotPayload {
	payload := snapshotPayload{
		Points:       snapshot.Points,
		Rank:         snapshot.Rank,
		NextRank:     snapshot.Progress.NextRank,
		PointsToNext: snapshot.Progress.PointsToNext,
		Progress:     snapshot.Progress.Ratio,
		Status:       string(snapshot.Status),
	}
	for _, title := range snapshot.NewTitles {
		payload.NewTitles = append(payload.NewTitles, title.TitleKey)
	}
	return payload
}

// handleContribution never reveals spam scoring. A shadow-banned author sees a normal success.
func (h *httpHandler) handleContribution(c *gin.Context) {
	var request contributionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.trust.IngestTextContribution(c.Request.Context(), c.GetString(userIDContextKey), trust.Contribution{
		Kind:         content.Kind(strings.ToLower(strings.TrimSpace(request.Kind))),
		Text:         request.Text,
		ShopID:       request.ShopID,
		ParentPostID: request.ParentPostID,
		ImageURL:     strings.TrimSpace(request.ImageURL),
		VideoURL:     strings.TrimSpace(request.VideoURL),
		Rating:       request.Rating,
		WaitMinutes:  request.WaitMinutes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contributionResponse{
		ArtifactID: result.ArtifactID,
		Reputation: newSnapshotPayload(result.Snapshot),
	})
}

type artifactPayload struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	AuthorID     string    `json:"author_id"`
	ShopID       string    `json:"shop_id,omitempty"`
	Text         string    `json:"text"`
	ImageURL     string    `json:"image_url,omitempty"`
	VideoURL     string    `json:"video_url,omitempty"`
	ParentPostID string    `json:"parent_post_id,omitempty"`
	Rating       int       `json:"rating,omitempty"`
	WaitMinutes  *int      `json:"wait_minutes,omitempty"`
	ReplyCount   int64     `json:"reply_count"`
	LikeCount    int64     `json:"like_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func newArtifactPayload(view content.View) artifactPayload {
	payload := artifactPayload{
		ID:         view.ID,
		Kind:       string(view.Kind),
		AuthorID:   view.AuthorID,
		ShopID:     view.ShopID,
		Text:       view.Content,
		ReplyCount: view.ReplyCount,
		LikeCount:  view.LikeCount,
		CreatedAt:  view.CreatedAt.UTC(),
	}
	if view.Post != nil {
		payload.ImageURL = view.Post.ImageURL
		payload.VideoURL = view.Post.VideoURL
	}
	if view.Reply != nil {
		payload.ParentPostID = view.Reply.PostID
	}
	if view.Review != nil {
		payload.Rating = view.Review.Rating
	}
	if view.Checkin != nil {
		payload.WaitMinutes = view.Checkin.WaitMinutes
	}
	return payload
}

func parseQuery(c *gin.Context) (content.Query, error) {
	query := content.Query{
		AuthorID: strings.TrimSpace(c.Query("author_id")),
		ShopID:   strings.TrimSpace(c.Query("shop_id")),
		PostID:   strings.TrimSpace(c.Query("post_id")),
	}
	if raw := strings.TrimSpace(c.Query("kind")); raw != "" {
		kind, err := content.ParseKind(raw)
		if err != nil {
			return content.Query{}, err
		}
		query.Kind = kind
	}
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return content.Query{}, err
		}
		query.Before = before.UTC()
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return content.Query{}, errors.New("limit must be a non-negative integer")
		}
		query.Limit = limit
	}
	return query, nil
}

func (h *httpHandler) handleListArtifacts(c *gin.Context) {
	query, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	views, err := h.trust.VisibleArtifacts(c.Request.Context(), c.GetString(userIDContextKey), query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	artifacts := make([]artifactPayload, 0, len(views))
	for _, view := range views {
		artifacts = append(artifacts, newArtifactPayload(view))
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (h *httpHandler) handleGetArtifact(c *gin.Context) {
	view, err := h.trust.VisibleArtifact(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newArtifactPayload(view))
}

func (h *httpHandler) handleMe(c *gin.Context) {
	value, _ := c.Get(userContextKey)
	user, ok := value.(users.User)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           user.ID,
		"display_name": user.DisplayName,
		"points":       user.Points,
		"rank":         user.Rank,
		"status":       user.AccountStatus,
	})
}

type reportRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (h *httpHandler) handleReportArtifact(c *gin.Context) {
	var request reportRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	report, err := h.trust.HandleReport(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.Reason, request.Description)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report_id": report.ID})
}

func (h *httpHandler) handleReportUser(c *gin.Context) {
	var request reportRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	report, err := h.trust.ReportUser(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.Reason, request.Description)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report_id": report.ID})
}

func (h *httpHandler) handleLike(c *gin.Context) {
	if err := h.trust.Like(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	if err := h.trust.DeleteOwned(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type eventRequest struct {
	EventType string              `json:"event_type"`
	Metadata  reputation.Metadata `json:"metadata"`
}

func (h *httpHandler) handleApplyEvent(c *gin.Context) {
	var request eventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := h.trust.ApplyEvent(c.Request.Context(), c.Param("id"), request.EventType, request.Metadata)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSnapshotPayload(snapshot))
}

type statusRequest struct {
	Status string    `json:"status"`
	Until  time.Time `json:"until"`
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	var request statusRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := h.trust.SetAccountStatus(c.Request.Context(), c.Param("id"), request.Status, request.Until)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSnapshotPayload(snapshot))
}

func (h *httpHandler) handleHumanReviews(c *gin.Context) {
	if h.humanReviews == nil {
		c.JSON(http.StatusOK, gin.H{"items": []moderation.HumanReviewItem{}})
		return
	}
	items, err := h.humanReviews.PendingHumanReviews(c.Request.Context(), humanReviewPageSize)
	if err != nil {
		h.logger.Error("failed to list human reviews", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	payload := make([]gin.H, 0, len(items))
	for _, item := range items {
		payload = append(payload, gin.H{
			"id":          item.ID,
			"artifact_id": item.ArtifactID,
			"tier":        item.Tier,
			"reason":      item.Reason,
			"created_at":  item.CreatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": payload})
}

// handleNoticeStream streams the viewer's moderation notices as server-sent events.
func (h *httpHandler) handleNoticeStream(c *gin.Context) {
	stream, cleanup := h.notices.Subscribe(c.Request.Context(), c.GetString(userIDContextKey))
	defer cleanup()
	serveNotices(c, stream, h.heartbeat)
}
