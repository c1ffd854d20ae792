package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/apierror"
	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/service"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
)

// Handler serves the super user administration endpoints
type Handler struct {
	store *store.Store
	log   *zap.Logger
}

// NewHandler creates a new admin handler
func NewHandler(s *store.Store, log *zap.Logger) *Handler {
	return &Handler{store: s, log: log}
}

// UserResponse represents user data in admin responses
type UserResponse struct {
	ID         uint             `json:"id"`
	Email      string           `json:"email"`
	Name       string           `json:"name"`
	Authority  models.Authority `json:"authority"`
	CreatedAt  string           `json:"created_at"`
	GrantCount int              `json:"grant_count"`
}

// UpdateUserRequest represents the request to update a user
type UpdateUserRequest struct {
	Name             *string           `json:"name"`
	Authority        *models.Authority `json:"authority"`
	OrganizationGUID *string           `json:"organization_guid"`
}

// CreateRoleRequest represents the request to create a role
type CreateRoleRequest struct {
	Name              string `json:"name" binding:"required"`
	ShortName         string `json:"short_name"`
	Description       string `json:"description"`
	ManageID          string `json:"manage_id" binding:"required"`
	ManageType        string `json:"manage_type" binding:"required,oneof=saml20_sp oidc10_rp"`
	OrganizationGUID  string `json:"organization_guid"`
	DefaultExpiryDays int    `json:"default_expiry_days" binding:"gte=0"`
}

func toUserResponse(u models.User) UserResponse {
	return UserResponse{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Authority:  u.Authority,
		CreatedAt:  u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		GrantCount: len(u.UserRoles),
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return uint(id), true
}

// RequireSuperUser aborts unless the authenticated user is a super user. The
// authority is read from the database, not from the token.
func RequireSuperUser(svc *service.Service, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := svc.RequireSuperUser(c.Request.Context()); err != nil {
			apierror.Respond(c, log, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ListUsers returns all users, optionally filtered by q and authority
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.store.ListUsers(c.Request.Context(), c.Query("q"), models.Authority(c.Query("authority")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch users"})
		return
	}

	responses := make([]UserResponse, len(users))
	for i, user := range users {
		responses[i] = toUserResponse(user)
	}
	c.JSON(http.StatusOK, responses)
}

// UpdateUser changes a user's name, authority or organization
func (h *Handler) UpdateUser(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	user, err := h.store.FindUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		h.log.Error("loading user", zap.Uint("user_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}

	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	currentUserID, _ := auth.GetUserID(c)
	if id == currentUserID && req.Authority != nil && *req.Authority != models.AuthoritySuperUser {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot demote yourself"})
		return
	}
	if req.Authority != nil && !req.Authority.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid authority"})
		return
	}

	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.Authority != nil {
		user.Authority = *req.Authority
	}
	if req.OrganizationGUID != nil {
		user.OrganizationGUID = *req.OrganizationGUID
	}
	if err := h.store.SaveUser(ctx, user); err != nil {
		h.log.Error("updating user", zap.Uint("user_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update user"})
		return
	}

	h.log.Info("user updated", zap.Uint("user_id", id), zap.Uint("by", currentUserID), zap.String("authority", string(user.Authority)))
	c.JSON(http.StatusOK, toUserResponse(*user))
}

// DeleteUser soft-deletes a user with its grants and API keys
func (h *Handler) DeleteUser(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	currentUserID, _ := auth.GetUserID(c)
	if id == currentUserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete yourself"})
		return
	}

	if err := h.store.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.log.Error("deleting user", zap.Uint("user_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User deleted successfully"})
}

// ListRoles returns all roles
func (h *Handler) ListRoles(c *gin.Context) {
	roles, err := h.store.ListRoles(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch roles"})
		return
	}
	c.JSON(http.StatusOK, roles)
}

// CreateRole adds a role bound to a Manage catalog entry
func (h *Handler) CreateRole(c *gin.Context) {
	var req CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := models.Role{
		Name:              req.Name,
		ShortName:         req.ShortName,
		Description:       req.Description,
		ManageID:          req.ManageID,
		ManageType:        req.ManageType,
		OrganizationGUID:  req.OrganizationGUID,
		DefaultExpiryDays: req.DefaultExpiryDays,
	}
	if err := h.store.CreateRole(c.Request.Context(), &role); err != nil {
		h.log.Error("creating role", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create role"})
		return
	}
	c.JSON(http.StatusCreated, role)
}

// DeleteRole removes a role and every grant of it
func (h *Handler) DeleteRole(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteRole(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Role not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete role"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Role deleted successfully"})
}

// GetStats returns system-wide statistics
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.CollectStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to collect statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterRoutes registers admin routes on the given router group. The group
// must already require authentication and a super user.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.GET("/users", h.ListUsers)
	rg.PUT("/users/:id", h.UpdateUser)
	rg.DELETE("/users/:id", h.DeleteUser)
	rg.GET("/roles", h.ListRoles)
	rg.POST("/roles", h.CreateRole)
	rg.DELETE("/roles/:id", h.DeleteRole)
}
