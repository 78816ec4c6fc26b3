package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hikarilabs/warden/internal/directives"
	"github.com/hikarilabs/warden/internal/faults"
	"github.com/hikarilabs/warden/internal/identity"
	"github.com/hikarilabs/warden/internal/moderation"
	"github.com/hikarilabs/warden/internal/profiles"
	"github.com/hikarilabs/warden/internal/ratelimit"
	"go.uber.org/zap"
)

const subjectContextKey = "warden_subject"

const defaultLeaderboardLimit = 10

var (
	errMissingProfiles      = errors.New("profile ledger dependency required")
	errMissingModeration    = errors.New("moderation ledger dependency required")
	errMissingGate          = errors.New("rate limit gate dependency required")
	errMissingTokens        = errors.New("token validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks collaborator service tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// DirectiveStreamer exposes the per-chat directive subscription used by the
// SSE endpoint. Satisfied by directives.Dispatcher.
type DirectiveStreamer interface {
	Subscribe(ctx context.Context, chatID int64) (<-chan directives.Directive, func())
}

// Dependencies wires the engine services into the HTTP surface.
type Dependencies struct {
	Profiles      *profiles.Service
	Moderation    *moderation.Service
	Gate          *ratelimit.Gate
	Tokens        TokenValidator
	Directives    DirectiveStreamer
	Logger        *zap.Logger
	Clock         func() time.Time
	RetentionDays int
}

// NewHTTPHandler builds the gin router exposing the engine operations.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Moderation == nil {
		return nil, errMissingModeration
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	retentionDays := deps.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		profiles:      deps.Profiles,
		moderation:    deps.Moderation,
		gate:          deps.Gate,
		tokens:        deps.Tokens,
		directives:    deps.Directives,
		logger:        logger,
		clock:         clock,
		retentionDays: retentionDays,
	}

	v1 := router.Group("/v1")
	v1.Use(handler.authorizeRequest)

	v1.POST("/activity", handler.handleRecordActivity)
	v1.GET("/leaderboard", handler.handleLeaderboard)
	v1.GET("/users/:user_id/level", handler.handleGetLevel)
	v1.GET("/users/:user_id/profile", handler.handleGetProfile)
	v1.GET("/users/:user_id/rank", handler.handleRankOf)
	v1.GET("/users/:user_id/stats", handler.handleUserStats)

	v1.POST("/chats/:chat_id/users/:user_id/warnings", handler.handleAddWarning)
	v1.GET("/chats/:chat_id/users/:user_id/warnings", handler.handleListWarnings)
	v1.DELETE("/chats/:chat_id/users/:user_id/warnings", handler.handleClearWarnings)
	v1.POST("/chats/:chat_id/users/:user_id/mute", handler.handleAddMute)
	v1.DELETE("/chats/:chat_id/users/:user_id/mute", handler.handleRemoveMute)
	v1.GET("/chats/:chat_id/mutes", handler.handleActiveMutes)
	v1.GET("/chats/:chat_id/stats", handler.handleChatStats)
	v1.GET("/chats/:chat_id/directives", handler.handleDirectiveStream)

	v1.POST("/maintenance/sweep", handler.handleSweep)
	v1.POST("/enforcement/report", handler.handleEnforcementReport)

	return router, nil
}

type httpHandler struct {
	profiles      *profiles.Service
	moderation    *moderation.Service
	gate          *ratelimit.Gate
	tokens        TokenValidator
	directives    DirectiveStreamer
	logger        *zap.Logger
	clock         func() time.Time
	retentionDays int
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("service token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

type activityRequest struct {
	UserID          int64  `json:"user_id"`
	DisplayName     string `json:"display_name"`
	ExperienceDelta int64  `json:"experience_delta"`
}

type activityResponse struct {
	Level      int   `json:"level"`
	Experience int64 `json:"experience"`
	LeveledUp  bool  `json:"leveled_up"`
}

func (h *httpHandler) handleRecordActivity(c *gin.Context) {
	var request activityRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if !h.gate.Allow(request.UserID, h.clock()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	user, err := identity.Resolved(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.profiles.RecordActivity(c.Request.Context(), user, request.DisplayName, request.ExperienceDelta)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, activityResponse{
		Level:      result.Level,
		Experience: result.Experience,
		LeveledUp:  result.LeveledUp,
	})
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	limit := defaultLeaderboardLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	standings, err := h.profiles.Top(c.Request.Context(), limit)
	if err != nil {
		h.renderFault(c, err)
		return
	}

	entries := make([]gin.H, 0, len(standings))
	for i, profile := range standings {
		into, requirement := profile.Progress()
		entries = append(entries, gin.H{
			"rank":          i + 1,
			"user_id":       profile.UserID,
			"display_name":  profile.DisplayName,
			"level":         profile.Level,
			"experience":    profile.Experience,
			"message_count": profile.MessageCount,
			"tier_progress": into,
			"tier_required": requirement,
		})
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

func (h *httpHandler) handleGetLevel(c *gin.Context) {
	userID, ok := h.pathID(c, "user_id")
	if !ok {
		return
	}
	level, experience, err := h.profiles.GetLevel(c.Request.Context(), userID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "level": level, "experience": experience})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	userID, ok := h.pathID(c, "user_id")
	if !ok {
		return
	}
	profile, err := h.profiles.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	into, requirement := profile.Progress()
	c.JSON(http.StatusOK, gin.H{
		"user_id":         profile.UserID,
		"display_name":    profile.DisplayName,
		"level":           profile.Level,
		"experience":      profile.Experience,
		"message_count":   profile.MessageCount,
		"last_activity_s": profile.LastActivityS,
		"tier_progress":   into,
		"tier_required":   requirement,
	})
}

func (h *httpHandler) handleRankOf(c *gin.Context) {
	userID, ok := h.pathID(c, "user_id")
	if !ok {
		return
	}
	rank, err := h.profiles.RankOf(c.Request.Context(), userID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "rank": rank})
}

func (h *httpHandler) handleUserStats(c *gin.Context) {
	userID, ok := h.pathID(c, "user_id")
	if !ok {
		return
	}
	stats, err := h.moderation.UserStats(c.Request.Context(), userID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":          userID,
		"current_warnings": stats.CurrentWarnings,
		"warnings_count":   stats.Counters.WarningsCount,
		"mutes_count":      stats.Counters.MutesCount,
		"kicks_count":      stats.Counters.KicksCount,
		"bans_count":       stats.Counters.BansCount,
	})
}

type warningRequest struct {
	IssuerID int64  `json:"issuer_id"`
	Reason   string `json:"reason"`
}

func (h *httpHandler) handleAddWarning(c *gin.Context) {
	userID, chatID, ok := h.pairIDs(c)
	if !ok {
		return
	}
	var request warningRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, issuer, ok := h.resolvedPair(c, userID, request.IssuerID)
	if !ok {
		return
	}

	outcome, err := h.moderation.AddWarning(c.Request.Context(), user, chatID, issuer, request.Reason)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": outcome.Count, "escalated": outcome.Escalated})
}

func (h *httpHandler) handleListWarnings(c *gin.Context) {
	userID, chatID, ok := h.pairIDs(c)
	if !ok {
		return
	}
	warnings, err := h.moderation.ListWarnings(c.Request.Context(), userID, chatID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	entries := make([]gin.H, 0, len(warnings))
	for _, warning := range warnings {
		entries = append(entries, gin.H{
			"id":           warning.ID,
			"issuer_id":    warning.IssuerID,
			"reason":       warning.Reason,
			"created_at_s": warning.CreatedAtS,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "warnings": entries})
}

func (h *httpHandler) handleClearWarnings(c *gin.Context) {
	userID, chatID, ok := h.pairIDs(c)
	if !ok {
		return
	}
	user, err := identity.Resolved(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.moderation.ClearWarnings(c.Request.Context(), user, chatID); err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

type muteRequest struct {
	IssuerID        int64 `json:"issuer_id"`
	DurationSeconds int64 `json:"duration_seconds"`
}

func (h *httpHandler) handleAddMute(c *gin.Context) {
	userID, chatID, ok := h.pairIDs(c)
	if !ok {
		return
	}
	var request muteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, issuer, ok := h.resolvedPair(c, userID, request.IssuerID)
	if !ok {
		return
	}

	unmuteAt, err := h.moderation.AddMute(c.Request.Context(), user, chatID, issuer, time.Duration(request.DurationSeconds)*time.Second)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unmute_time_s": unmuteAt.Unix()})
}

func (h *httpHandler) handleRemoveMute(c *gin.Context) {
	userID, chatID, ok := h.pairIDs(c)
	if !ok {
		return
	}
	user, err := identity.Resolved(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.moderation.RemoveMute(c.Request.Context(), user, chatID); err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *httpHandler) handleActiveMutes(c *gin.Context) {
	chatID, ok := h.pathChatID(c)
	if !ok {
		return
	}
	mutes, err := h.moderation.ActiveMutes(c.Request.Context(), chatID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	entries := make([]gin.H, 0, len(mutes))
	for _, record := range mutes {
		entries = append(entries, gin.H{
			"user_id":       record.UserID,
			"issuer_id":     record.IssuerID,
			"duration_s":    record.DurationS,
			"unmute_time_s": record.UnmuteTimeS,
		})
	}
	c.JSON(http.StatusOK, gin.H{"mutes": entries})
}

func (h *httpHandler) handleChatStats(c *gin.Context) {
	chatID, ok := h.pathChatID(c)
	if !ok {
		return
	}
	stats, err := h.moderation.ChatStats(c.Request.Context(), chatID)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":        chatID,
		"warned_users":   stats.WarnedUsers,
		"total_warnings": stats.TotalWarnings,
		"active_mutes":   stats.ActiveMutes,
	})
}

type sweepRequest struct {
	RetentionDays int `json:"retention_days"`
}

func (h *httpHandler) handleSweep(c *gin.Context) {
	request := sweepRequest{RetentionDays: h.retentionDays}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	result, err := h.moderation.Sweep(c.Request.Context(), request.RetentionDays)
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"warnings_removed": result.WarningsRemoved,
		"mutes_removed":    result.MutesRemoved,
	})
}

type enforcementReport struct {
	UserID int64  `json:"user_id"`
	Action string `json:"action"`
}

// handleEnforcementReport lets the transport report enforcement it executed
// so lifetime counters stay complete. Execution failures are only logged;
// they never touch ledger state.
func (h *httpHandler) handleEnforcementReport(c *gin.Context) {
	var report enforcementReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	user, err := identity.Resolved(report.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch report.Action {
	case "kick":
		err = h.moderation.RecordKick(c.Request.Context(), user)
	case "ban":
		err = h.moderation.RecordBan(c.Request.Context(), user)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_action"})
		return
	}
	if err != nil {
		h.renderFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}

func (h *httpHandler) pathID(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || value <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return value, true
}

// pathChatID allows negative values: group chats carry negative platform
// ids. Only zero is rejected.
func (h *httpHandler) pathChatID(c *gin.Context) (int64, bool) {
	value, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || value == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chat_id"})
		return 0, false
	}
	return value, true
}

func (h *httpHandler) pairIDs(c *gin.Context) (userID, chatID int64, ok bool) {
	userID, ok = h.pathID(c, "user_id")
	if !ok {
		return 0, 0, false
	}
	chatID, ok = h.pathChatID(c)
	if !ok {
		return 0, 0, false
	}
	return userID, chatID, true
}

func (h *httpHandler) resolvedPair(c *gin.Context, userID, issuerID int64) (identity.UserRef, identity.UserRef, bool) {
	user, err := identity.Resolved(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return identity.UserRef{}, identity.UserRef{}, false
	}
	issuer, err := identity.Resolved(issuerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return identity.UserRef{}, identity.UserRef{}, false
	}
	return user, issuer, true
}

func (h *httpHandler) renderFault(c *gin.Context, err error) {
	switch {
	case errors.Is(err, faults.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, faults.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, faults.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, faults.ErrStorage):
		h.logger.Error("storage failure", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	default:
		h.logger.Error("unexpected failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
