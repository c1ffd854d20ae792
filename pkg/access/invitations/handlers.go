package invitations

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/apierror"
	"github.com/mikepea/access/pkg/access/invite"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/service"
	"go.uber.org/zap"
)

// Handler serves the invitation endpoints
type Handler struct {
	svc *service.Service
	log *zap.Logger
}

// NewHandler creates a new invitations handler
func NewHandler(svc *service.Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RoleRequest is one role offered by a new invitation
type RoleRequest struct {
	RoleID  uint       `json:"role_id" binding:"required"`
	EndDate *time.Time `json:"end_date"`
}

// CreateRequest is the body of a new invitation. Either email or invites
// names the recipients.
type CreateRequest struct {
	IntendedAuthority    models.Authority `json:"intended_authority" binding:"required"`
	Email                string           `json:"email" binding:"omitempty,email"`
	Invites              []string         `json:"invites" binding:"omitempty,dive,email"`
	Message              string           `json:"message"`
	EnforceEmailEquality bool             `json:"enforce_email_equality"`
	ExpiryDate           *time.Time       `json:"expiry_date"`
	Roles                []RoleRequest    `json:"roles"`
}

// AcceptRequest carries the secret hash of the invitation being accepted
type AcceptRequest struct {
	Hash string `json:"hash" binding:"required"`
}

// Inviter is the public view of the user who sent an invitation
type Inviter struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Response is the public view of an invitation. The hash is never included.
type Response struct {
	*models.Invitation
	Inviter *Inviter `json:"inviter,omitempty"`
}

// AcceptResponse reports the outcome of an acceptance attempt
type AcceptResponse struct {
	Outcome    invite.Outcome `json:"outcome"`
	Invitation Response       `json:"invitation"`
	User       *models.User   `json:"user,omitempty"`
}

func toResponse(inv *models.Invitation) Response {
	resp := Response{Invitation: inv}
	if inv.Inviter != nil {
		resp.Inviter = &Inviter{Email: inv.Inviter.Email, Name: inv.Inviter.Name}
	}
	return resp
}

var outcomeStatus = map[invite.Outcome]int{
	invite.OutcomeAccepted:      http.StatusCreated,
	invite.OutcomeExpired:       http.StatusGone,
	invite.OutcomeEmailConflict: http.StatusPreconditionFailed,
}

// Create sends a new invitation on behalf of the current user
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Email == "" && len(req.Invites) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email or invites is required"})
		return
	}

	roles := make([]service.RoleRequest, len(req.Roles))
	for i, r := range req.Roles {
		roles[i] = service.RoleRequest{RoleID: r.RoleID, EndDate: r.EndDate}
	}

	created, err := h.svc.CreateInvitations(c.Request.Context(), service.CreateInvitationRequest{
		IntendedAuthority:    req.IntendedAuthority,
		Email:                req.Email,
		Invites:              req.Invites,
		Message:              req.Message,
		EnforceEmailEquality: req.EnforceEmailEquality,
		ExpiryDate:           req.ExpiryDate,
		Roles:                roles,
	})
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}

	// A request with a single email keeps the single object response
	if len(req.Invites) == 0 {
		c.JSON(http.StatusCreated, toResponse(created[0]))
		return
	}
	out := make([]Response, len(created))
	for i, inv := range created {
		out[i] = toResponse(inv)
	}
	c.JSON(http.StatusCreated, out)
}

// Public returns the invitation identified by the hash query parameter for preview by its invitee
func (h *Handler) Public(c *gin.Context) {
	hash := c.Query("hash")
	if hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash parameter is required"})
		return
	}

	inv, err := h.svc.InvitationByHash(c.Request.Context(), hash)
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(inv))
}

// Accept attempts to accept an invitation as the current user
func (h *Handler) Accept(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.AcceptInvitation(c.Request.Context(), req.Hash)
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}

	resp := AcceptResponse{Outcome: res.Outcome, Invitation: toResponse(res.Invitation)}
	if res.Outcome == invite.OutcomeAccepted {
		resp.User = res.User
	}
	c.JSON(outcomeStatus[res.Outcome], resp)
}

// Deny withdraws an open invitation
func (h *Handler) Deny(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid invitation ID"})
		return
	}

	inv, err := h.svc.DenyInvitation(c.Request.Context(), uint(id))
	if err != nil {
		apierror.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(inv))
}

// RegisterRoutes registers invitation routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authenticated, optional gin.HandlerFunc) {
	rg.GET("/public", optional, h.Public)

	rg.POST("", authenticated, h.Create)
	rg.POST("/accept", authenticated, h.Accept)
	rg.PUT("/:id/deny", authenticated, h.Deny)
}
