package users

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/apierror"
	"github.com/mikepea/access/pkg/access/service"
	"go.uber.org/zap"
)

// Handler serves the user endpoints
type Handler struct {
	svc       *service.Service
	clientURL string
	log       *zap.Logger
}

// NewHandler creates a new users handler. clientURL is where the login endpoint redirects to.
func NewHandler(svc *service.Service, clientURL string, log *zap.Logger) *Handler {
	return &Handler{svc: svc, clientURL: clientURL, log: log}
}

// ConfigResponse tells the client whether a session exists
type ConfigResponse struct {
	Authenticated bool   `json:"authenticated"`
	Name          string `json:"name,omitempty"`
	ClientURL     string `json:"clientUrl"`
}

// Config returns the client configuration. It never fails for anonymous callers.
func (h *Handler) Config(c *gin.Context) {
	resp := ConfigResponse{ClientURL: h.clientURL}
	if user, err := h.svc.CurrentUser(c.Request.Context()); err == nil {
		resp.Authenticated = true
		resp.Name = user.Name
	}
	c.JSON(http.StatusOK, resp)
}

// Me returns the current user with the catalog metadata of the user's roles
func (h *Handler) Me(c *gin.Context) {
	user, err := h.svc.Me(c.Request.Context())
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Other returns another user's profile (super users only)
func (h *Handler) Other(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	user, err := h.svc.Other(c.Request.Context(), uint(id))
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// ByRole lists the users holding a role
func (h *Handler) ByRole(c *gin.Context) {
	roleID, err := strconv.ParseUint(c.Param("roleId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role ID"})
		return
	}

	users, err := h.svc.UsersByRole(c.Request.Context(), uint(roleID))
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// Search finds users by the start of their email or name (super users only)
func (h *Handler) Search(c *gin.Context) {
	query := c.Query("query")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter is required"})
		return
	}

	users, err := h.svc.Search(c.Request.Context(), query)
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// Login redirects to the client once the identity provider has established a session
func (h *Handler) Login(c *gin.Context) {
	c.Redirect(http.StatusFound, h.clientURL)
}

// Logout ends the session. Tokens are stateless, so the client discards its token.
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": http.StatusOK})
}

// Error records a client side error report
func (h *Handler) Error(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.svc.ReportError(c.Request.Context(), payload)
	c.JSON(http.StatusCreated, gin.H{"status": http.StatusCreated})
}

// RegisterRoutes registers user routes. Endpoints that need a session run behind authenticated,
// the rest behind optional.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authenticated, optional gin.HandlerFunc) {
	rg.GET("/config", optional, h.Config)
	rg.GET("/login", h.Login)
	rg.GET("/logout", h.Logout)
	rg.POST("/error", optional, h.Error)

	rg.GET("/me", authenticated, h.Me)
	rg.GET("/other/:id", authenticated, h.Other)
	rg.GET("/roles/:roleId", authenticated, h.ByRole)
	rg.GET("/search", authenticated, h.Search)
}
