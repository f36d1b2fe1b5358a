package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultSearchLimit       = 10
	maxSearchLimit           = 25
	reciprocalFollowersPage  = 100
	bearerTokenType          = "Bearer"
	errorCodeUserNotFound    = "user_not_found"
	errorCodeInvalidRequest  = "invalid_request"
	errorCodeInvalidEntry    = "invalid_entry"
	errorCodeUnauthorized    = "unauthorized"
	errorCodeSignerRejected  = "signer_rejected"
	errorCodeTokenIssueError = "token_issue_failed"
)

type userPayload struct {
	FID            int64  `json:"fid"`
	Username       string `json:"username"`
	DisplayName    string `json:"display_name"`
	PfpURL         string `json:"pfp_url"`
	FollowerCount  int64  `json:"follower_count,omitempty"`
	FollowingCount int64  `json:"following_count,omitempty"`
}

func newUserPayload(user neynar.User) userPayload {
	return userPayload{
		FID:            user.FID,
		Username:       user.Username,
		DisplayName:    user.DisplayName,
		PfpURL:         user.PfpURL,
		FollowerCount:  user.FollowerCount,
		FollowingCount: user.FollowingCount,
	}
}

type signInRequestPayload struct {
	SignerUUID string `json:"signer_uuid"`
	FID        int64  `json:"fid"`
}

type signInResponsePayload struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	TokenType   string      `json:"token_type"`
	User        userPayload `json:"user"`
}

// handleNeynarSignIn completes sign-in: the browser reports the signer it
// obtained and the server confirms it with the social graph before issuing a session.
func (h *httpHandler) handleNeynarSignIn(c *gin.Context) {
	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SignerUUID) == "" || request.FID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.signers.Verify(ctx, request.SignerUUID, request.FID); err != nil {
		switch {
		case errors.Is(err, auth.ErrSignerNotApproved), errors.Is(err, auth.ErrSignerMismatch):
			c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeSignerRejected})
		case errors.Is(err, auth.ErrInvalidSignInRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		default:
			h.respondError(c, "signer verification failed", err)
		}
		return
	}

	user, found, err := h.graph.LookupByFID(ctx, request.FID)
	if err != nil {
		h.respondError(c, "sign-in user lookup failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeUserNotFound})
		return
	}
	h.profiles.Upsert(ctx, profiles.FromUser(user))

	token, expiresAt, err := h.tokens.IssueSessionToken(ctx, user.FID, user.Username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Int64("fid", user.FID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeTokenIssueError})
		return
	}

	expiresIn := int64(time.Until(expiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), token, int(expiresIn), "/", "", h.secureCookies, true)

	c.JSON(http.StatusOK, signInResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   bearerTokenType,
		User:        newUserPayload(user),
	})
}

// lookupUser resolves the path username and caches the profile. It writes the
// response itself when the user cannot be resolved.
func (h *httpHandler) lookupUser(c *gin.Context) (neynar.User, bool) {
	username := strings.TrimSpace(c.Param("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return neynar.User{}, false
	}

	user, found, err := h.graph.LookupByUsername(c.Request.Context(), username)
	if err != nil {
		h.respondError(c, "user lookup failed", err)
		return neynar.User{}, false
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeUserNotFound})
		return neynar.User{}, false
	}
	h.profiles.Upsert(c.Request.Context(), profiles.FromUser(user))
	return user, true
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	user, ok := h.lookupUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newUserPayload(user))
}

type top8SetPayload struct {
	AlgorithmVersion string    `json:"algorithm_version"`
	Customized       bool      `json:"customized"`
	GeneratedAt      time.Time `json:"generated_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type top8EntryPayload struct {
	Slot                int          `json:"slot"`
	TargetFID           int64        `json:"target_fid"`
	Source              string       `json:"source"`
	MutualAffinityScore float64      `json:"mutual_affinity_score"`
	User                *userPayload `json:"user"`
}

type top8ResponsePayload struct {
	Owner   userPayload        `json:"owner"`
	Set     *top8SetPayload    `json:"set"`
	Entries []top8EntryPayload `json:"entries"`
}

func newTop8Response(owner neynar.User, resolution top8.Resolution) top8ResponsePayload {
	response := top8ResponsePayload{
		Owner:   newUserPayload(owner),
		Entries: make([]top8EntryPayload, 0, len(resolution.Entries)),
	}
	if resolution.Set != nil {
		response.Set = &top8SetPayload{
			AlgorithmVersion: resolution.Set.AlgorithmVersion,
			Customized:       resolution.Set.Customized,
			GeneratedAt:      resolution.Set.GeneratedAt,
			UpdatedAt:        resolution.Set.UpdatedAt,
		}
	}
	for _, item := range resolution.Entries {
		entry := top8EntryPayload{
			Slot:                item.Entry.Slot,
			TargetFID:           item.Entry.TargetFID,
			Source:              string(item.Entry.Source),
			MutualAffinityScore: item.Entry.MutualAffinityScore,
		}
		if item.User != nil {
			user := newUserPayload(*item.User)
			entry.User = &user
		}
		response.Entries = append(response.Entries, entry)
	}
	return response
}

func (h *httpHandler) handleGetTop8(c *gin.Context) {
	owner, ok := h.lookupUser(c)
	if !ok {
		return
	}
	resolution, err := h.top8.Resolve(c.Request.Context(), owner.FID)
	if err != nil {
		h.respondError(c, "top8 resolution failed", err)
		return
	}
	c.JSON(http.StatusOK, newTop8Response(owner, resolution))
}

func (h *httpHandler) handleGetFriendCount(c *gin.Context) {
	user, ok := h.lookupUser(c)
	if !ok {
		return
	}
	count, err := h.graph.CountReciprocalFollowers(c.Request.Context(), user.FID, reciprocalFollowersPage)
	if err != nil {
		h.respondError(c, "friend count failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fid": user.FID, "friend_count": count})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusOK, gin.H{"users": []userPayload{}})
		return
	}
	limit := defaultSearchLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
			return
		}
		limit = parsed
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	users, err := h.graph.Search(c.Request.Context(), query, limit)
	if err != nil {
		h.respondError(c, "user search failed", err)
		return
	}
	payload := make([]userPayload, 0, len(users))
	for _, user := range users {
		payload = append(payload, newUserPayload(user))
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

type updateTop8RequestPayload struct {
	Entries []top8.EntryInput `json:"entries"`
}

func (h *httpHandler) handleUpdateTop8(c *gin.Context) {
	claims, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}

	var request updateTop8RequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	for _, entry := range request.Entries {
		if entry.TargetFID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidEntry})
			return
		}
	}

	ctx := c.Request.Context()
	previous, hadPrevious, err := h.top8.Version(ctx, claims.FID)
	if err != nil {
		h.respondError(c, "top8 version lookup failed", err)
		return
	}
	if err := h.top8.Update(ctx, claims.FID, request.Entries); err != nil {
		h.respondError(c, "top8 update failed", err)
		return
	}

	if h.cache != nil && hadPrevious {
		if err := h.cache.Delete(ctx, cache.PreviewKey(claims.FID, previous)); err != nil {
			h.logger.Warn("preview cache invalidation failed", zap.Int64("owner_fid", claims.FID), zap.Error(err))
		}
	}

	entries := append([]top8.EntryInput{}, request.Entries...)
	h.realtime.Publish(RealtimeMessage{
		OwnerFID:  claims.FID,
		EventType: RealtimeEventTop8Changed,
		Entries:   entries,
		Timestamp: time.Now().UTC(),
	})

	c.JSON(http.StatusOK, gin.H{"owner_fid": claims.FID, "entries": entries})
}
