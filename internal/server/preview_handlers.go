package server

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	previewKindPage  = "page"
	previewKindImage = "image"
	htmlContentType  = "text/html; charset=utf-8"
	pngContentType   = "image/png"
)

// handleProfilePage serves crawler previews for /:username and sends browsers to the app.
func (h *httpHandler) handleProfilePage(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	username, ok := preview.UsernameFromPath(c.Request.URL.Path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	if !preview.IsCrawler(c.GetHeader("User-Agent")) {
		c.Redirect(http.StatusFound, h.pages.AppURL(username))
		return
	}

	profile, found, err := h.profiles.GetByUsername(c.Request.Context(), username)
	if err != nil {
		h.logger.Warn("profile lookup failed for preview page", zap.String("username", username), zap.Error(err))
		found = false
	}

	var body bytes.Buffer
	if found {
		err = h.pages.Render(&body, profile.Username, profile.DisplayName)
	} else {
		err = h.pages.RenderFallback(&body, username)
	}
	if err != nil {
		h.logger.Error("preview page render failed", zap.String("username", username), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "render_failed"})
		return
	}

	metrics.IncPreviewRender(previewKindPage, false)
	c.Header("Cache-Control", preview.CacheControl)
	c.Data(http.StatusOK, htmlContentType, body.Bytes())
}

// handlePreviewImage renders the PNG card for a locally known profile.
func (h *httpHandler) handlePreviewImage(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}

	ctx := c.Request.Context()
	profile, found, err := h.profiles.GetByUsername(ctx, username)
	if err != nil {
		h.respondError(c, "profile lookup failed for preview image", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeUserNotFound})
		return
	}

	if h.cache != nil {
		if cached, ok := h.cachedPreview(c, profile.FID); ok {
			metrics.IncPreviewRender(previewKindImage, true)
			c.Header("Cache-Control", preview.CacheControl)
			c.Data(http.StatusOK, pngContentType, cached)
			return
		}
	}

	resolution, err := h.top8.Resolve(ctx, profile.FID)
	if err != nil {
		h.respondError(c, "top8 resolution failed for preview image", err)
		return
	}

	rendered, err := h.images.Render(ctx, cardFromResolution(profile.DisplayName, profile.Username, resolution))
	if err != nil {
		h.logger.Error("preview image render failed", zap.Int64("owner_fid", profile.FID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "render_failed"})
		return
	}

	// Keyed by the rendered version; a render that raced a save is never read back.
	if h.cache != nil && resolution.Persisted() {
		key := cache.PreviewKey(profile.FID, resolution.Set.UpdatedAt)
		if err := h.cache.Set(ctx, key, rendered, h.cacheTTL); err != nil {
			h.logger.Warn("preview cache write failed", zap.String("key", key), zap.Error(err))
		}
	}

	metrics.IncPreviewRender(previewKindImage, false)
	c.Header("Cache-Control", preview.CacheControl)
	c.Data(http.StatusOK, pngContentType, rendered)
}

// cachedPreview looks up the image rendered for the owner's current ranking version.
func (h *httpHandler) cachedPreview(c *gin.Context, ownerFID int64) ([]byte, bool) {
	ctx := c.Request.Context()
	version, found, err := h.top8.Version(ctx, ownerFID)
	if err != nil {
		h.logger.Warn("preview version lookup failed", zap.Int64("owner_fid", ownerFID), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	key := cache.PreviewKey(ownerFID, version)
	cached, hit, err := h.cache.Get(ctx, key)
	if err != nil {
		h.logger.Warn("preview cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return cached, hit
}

func cardFromResolution(displayName, username string, resolution top8.Resolution) preview.Card {
	if strings.TrimSpace(displayName) == "" {
		displayName = username
	}
	card := preview.Card{
		DisplayName: displayName,
		Entries:     make([]preview.CardEntry, 0, len(resolution.Entries)),
	}
	for _, item := range resolution.Entries {
		entry := preview.CardEntry{Slot: item.Entry.Slot}
		if item.User != nil {
			entry.DisplayName = item.User.DisplayName
			entry.Username = item.User.Username
			entry.AvatarURL = item.User.PfpURL
		}
		card.Entries = append(card.Entries, entry)
	}
	return card
}
