package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/api/middleware"
	"github.com/router-for-me/KiroGateAPI/internal/auth/kiro"
	"github.com/router-for-me/KiroGateAPI/internal/config"
	"github.com/router-for-me/KiroGateAPI/internal/store"
)

// TokensHandler serves the Kiro token management routes.
type TokensHandler struct {
	store *store.Store
	cache *kiro.Cache
}

// NewTokensHandler creates a tokens handler. The auth cache is needed so
// deleting a token also drops its live manager.
func NewTokensHandler(s *store.Store, cache *kiro.Cache) *TokensHandler {
	return &TokensHandler{store: s, cache: cache}
}

type createTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
	AuthType     string `json:"auth_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
	Visibility   string `json:"visibility"`
	Anonymous    bool   `json:"anonymous"`
	OpusEnabled  bool   `json:"opus_enabled"`
}

// Create handles POST /user/api/tokens.
func (h *TokensHandler) Create(c *gin.Context) {
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Request body must be valid JSON.")
		return
	}
	if req.Region != "" && !config.IsSupportedRegion(req.Region) {
		writeError(c, http.StatusUnprocessableEntity,
			"region must be one of "+strings.Join(config.SupportedRegions, ", ")+".")
		return
	}
	if req.AuthType == "" {
		req.AuthType = string(store.AuthTypeSocial)
	}
	// An anonymous contribution always lands in the shared pool.
	if req.Anonymous {
		req.Visibility = string(store.VisibilityPublic)
	}

	userID := middleware.UserID(c)
	token, err := h.store.CreateToken(c.Request.Context(), store.CreateTokenParams{
		UserID:       userID,
		RefreshToken: req.RefreshToken,
		AuthType:     store.AuthType(req.AuthType),
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Region:       req.Region,
		Visibility:   store.Visibility(req.Visibility),
		OpusEnabled:  req.OpusEnabled,
	})
	if err != nil {
		var validationErr *store.ValidationError
		switch {
		case errors.As(err, &validationErr):
			writeError(c, http.StatusUnprocessableEntity, validationErr.Error())
		case errors.Is(err, store.ErrDuplicateToken):
			writeError(c, http.StatusConflict, "This refresh token is already registered.")
		default:
			log.Errorf("tokens: create for user %d: %v", userID, err)
			writeError(c, http.StatusInternalServerError, "Failed to store token.")
		}
		return
	}

	log.Infof("tokens: user %d registered token %d (%s, %s)", userID, token.ID, token.AuthType, token.Region)
	c.JSON(http.StatusCreated, gin.H{"token": token})
}

// List handles GET /user/api/tokens.
func (h *TokensHandler) List(c *gin.Context) {
	userID := middleware.UserID(c)
	tokens, err := h.store.ListTokensByUser(c.Request.Context(), userID)
	if err != nil {
		log.Errorf("tokens: list for user %d: %v", userID, err)
		writeError(c, http.StatusInternalServerError, "Failed to list tokens.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// Delete handles DELETE /user/api/tokens/:id.
func (h *TokensHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "Token id must be numeric.")
		return
	}
	h.delete(c, id, middleware.UserID(c))
}

// AdminList handles GET /admin/api/tokens.
func (h *TokensHandler) AdminList(c *gin.Context) {
	tokens, err := h.store.AdminListTokens(c.Request.Context())
	if err != nil {
		log.Errorf("tokens: admin list: %v", err)
		writeError(c, http.StatusInternalServerError, "Failed to list tokens.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// AdminDelete handles DELETE /admin/api/tokens/:id.
func (h *TokensHandler) AdminDelete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		writeError(c, http.StatusBadRequest, "Token id must be numeric.")
		return
	}
	h.delete(c, id, 0)
}

// delete removes a token row and evicts its live manager. userID zero skips
// the ownership check (admin path).
func (h *TokensHandler) delete(c *gin.Context, id, userID int64) {
	token, err := h.store.GetToken(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "Token not found.")
			return
		}
		log.Errorf("tokens: load %d: %v", id, err)
		writeError(c, http.StatusInternalServerError, "Failed to delete token.")
		return
	}

	var deleted bool
	if userID == 0 {
		deleted, err = h.store.AdminDeleteToken(c.Request.Context(), id)
	} else {
		deleted, err = h.store.DeleteToken(c.Request.Context(), id, userID)
	}
	if err != nil {
		log.Errorf("tokens: delete %d: %v", id, err)
		writeError(c, http.StatusInternalServerError, "Failed to delete token.")
		return
	}
	if !deleted {
		writeError(c, http.StatusNotFound, "Token not found.")
		return
	}

	h.cache.Remove(token.TokenHash)
	log.Infof("tokens: token %d deleted", id)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
