package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateAPI/internal/crypto"
	"github.com/router-for-me/KiroGateAPI/internal/store"
	"github.com/router-for-me/KiroGateAPI/internal/util"
)

// CtxUserID is the Gin context key holding the authenticated user's id.
const CtxUserID = "user_id"

// ExtractAPIKey pulls the client credential from x-api-key or a bearer
// Authorization header, in that order.
func ExtractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("x-api-key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// APIKeyAuth authenticates client traffic against the stored API key digests
// and stashes the owning user id on the context. Missing or unknown keys get
// 401 with an Anthropic-shaped error body.
func APIKeyAuth(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ExtractAPIKey(c)
		if key == "" {
			unauthorized(c, "Missing API key. Pass it via x-api-key or Authorization: Bearer.")
			return
		}

		user, err := s.GetUserByAPIKeyHash(c.Request.Context(), crypto.TokenHash(key))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Errorf("auth: api key lookup: %v", err)
			}
			unauthorized(c, "Invalid API key.")
			return
		}
		if user.Status != store.UserStatusActive {
			unauthorized(c, "Account is not active.")
			return
		}

		c.Set(CtxUserID, user.ID)
		c.Next()
	}
}

// AdminAuth guards the /admin/api routes with the operator key from config.
// An empty configured key disables the surface entirely.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "not_found_error",
					"message": "Admin API is disabled.",
				},
			})
			return
		}
		key := ExtractAPIKey(c)
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			log.Warnf("auth: rejected admin key %s from %s", util.MaskToken(key), c.ClientIP())
			unauthorized(c, "Invalid admin key.")
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "authentication_error",
			"message": message,
		},
	})
}

// UserID reads the authenticated user id set by APIKeyAuth.
func UserID(c *gin.Context) int64 {
	v, ok := c.Get(CtxUserID)
	if !ok {
		return 0
	}
	id, _ := v.(int64)
	return id
}
