// Package apierror maps facade errors to HTTP responses.
package apierror

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/invite"
	"github.com/mikepea/access/pkg/access/service"
	"go.uber.org/zap"
)

// Status returns the HTTP status for err
func Status(err error) int {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, invite.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, invite.ErrInvalidInvitation), errors.Is(err, invite.ErrInvalidExpiry):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var messages = map[int]string{
	http.StatusUnauthorized: "Authentication required",
	http.StatusForbidden:    "Access denied",
	http.StatusNotFound:     "Not found",
	http.StatusConflict:     "Invitation is no longer open",
}

// Respond writes the error response for err. Unexpected errors are logged and
// answered with a generic message.
func Respond(c *gin.Context, log *zap.Logger, err error) {
	status := Status(err)
	switch status {
	case http.StatusInternalServerError:
		log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal server error"})
	case http.StatusBadRequest:
		c.JSON(status, gin.H{"error": err.Error()})
	default:
		c.JSON(status, gin.H{"error": messages[status]})
	}
}
