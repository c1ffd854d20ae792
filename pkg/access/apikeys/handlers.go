package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/apierror"
	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/service"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
)

const (
	// KeyLength is the length of the generated API key in bytes (32 bytes = 64 hex chars)
	KeyLength = 32
	// KeyPrefixLength is the number of characters to store as prefix for identification
	KeyPrefixLength = 8
)

// Handler manages the API keys used by the external API. Only super users hold keys.
type Handler struct {
	store *store.Store
	svc   *service.Service
	log   *zap.Logger
}

// NewHandler creates a new API keys handler
func NewHandler(s *store.Store, svc *service.Service, log *zap.Logger) *Handler {
	return &Handler{store: s, svc: svc, log: log}
}

// APIKeyResponse represents an API key in responses
type APIKeyResponse struct {
	ID          uint       `json:"id"`
	KeyPrefix   string     `json:"key_prefix"`
	Description string     `json:"description"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateAPIKeyRequest represents a request to create an API key
type CreateAPIKeyRequest struct {
	Description string `json:"description"`
}

// CreateAPIKeyResponse includes the full key (only shown once)
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

func generateAPIKey() (string, error) {
	b := make([]byte, KeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func toResponse(k models.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:          k.ID,
		KeyPrefix:   k.KeyPrefix,
		Description: k.Description,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
	}
}

// superUser writes the error response unless the current user is a super user
func (h *Handler) superUser(c *gin.Context) (*models.User, bool) {
	user, err := h.svc.RequireSuperUser(c.Request.Context())
	if err != nil {
		apierror.Respond(c, h.log, err)
		return nil, false
	}
	return user, true
}

// Create creates a new API key for the current super user
func (h *Handler) Create(c *gin.Context) {
	user, ok := h.superUser(c)
	if !ok {
		return
	}

	var req CreateAPIKeyRequest
	// Description is optional, an empty body is fine
	_ = c.ShouldBindJSON(&req)

	key, err := generateAPIKey()
	if err != nil {
		h.log.Error("generating API key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate API key"})
		return
	}

	apiKey := models.APIKey{
		UserID:      user.ID,
		KeyHash:     hashAPIKey(key),
		KeyPrefix:   key[:KeyPrefixLength],
		Description: req.Description,
	}
	if err := h.store.CreateAPIKey(c.Request.Context(), &apiKey); err != nil {
		h.log.Error("storing API key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
		return
	}

	h.log.Info("api key created", zap.Uint("user_id", user.ID), zap.String("key_prefix", apiKey.KeyPrefix))
	c.JSON(http.StatusCreated, CreateAPIKeyResponse{APIKeyResponse: toResponse(apiKey), Key: key})
}

// List returns the API keys of the current super user
func (h *Handler) List(c *gin.Context) {
	user, ok := h.superUser(c)
	if !ok {
		return
	}

	keys, err := h.store.ListAPIKeys(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch API keys"})
		return
	}

	responses := make([]APIKeyResponse, len(keys))
	for i, k := range keys {
		responses[i] = toResponse(k)
	}
	c.JSON(http.StatusOK, responses)
}

// Delete revokes an API key
func (h *Handler) Delete(c *gin.Context) {
	user, ok := h.superUser(c)
	if !ok {
		return
	}
	keyID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid API key ID"})
		return
	}

	if err := h.store.DeleteAPIKey(c.Request.Context(), uint(keyID), user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete API key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "API key deleted"})
}

// CombinedAuthMiddleware authenticates via JWT or API key. Both are passed in
// the Authorization header as "Bearer <token>". JWTs contain dots, API keys
// are hex strings without dots.
func CombinedAuthMiddleware(s *store.Store, tokens *auth.Tokens, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}
		token, ok := auth.BearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		if strings.Contains(token, ".") {
			claims, err := tokens.Validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
				c.Abort()
				return
			}
			auth.SetUser(c, claims.UserID, claims.Email, claims.Authority)
			c.Next()
			return
		}

		apiKey, err := s.FindAPIKeyByHash(c.Request.Context(), hashAPIKey(token))
		if err != nil || apiKey.User.ID == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}
		if err := s.TouchAPIKey(c.Request.Context(), apiKey.ID, time.Now()); err != nil {
			log.Warn("recording API key use", zap.Uint("key_id", apiKey.ID), zap.Error(err))
		}

		auth.SetUser(c, apiKey.UserID, apiKey.User.Email, apiKey.User.Authority)
		c.Next()
	}
}

// RegisterRoutes registers API key routes. The group must already require authentication.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/api-keys", h.Create)
	rg.GET("/api-keys", h.List)
	rg.DELETE("/api-keys/:id", h.Delete)
}
