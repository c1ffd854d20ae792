package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/models"
)

const (
	// ContextKeyUserID is the key for user ID in gin context
	ContextKeyUserID = "user_id"
	// ContextKeyEmail is the key for email in gin context
	ContextKeyEmail = "email"
	// ContextKeyAuthority is the key for the user's authority in gin context
	ContextKeyAuthority = "authority"
)

type userIDKey struct{}

// WithUserID returns a context carrying the acting user's id
func WithUserID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

// UserIDFrom returns the acting user's id stored by WithUserID
func UserIDFrom(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(userIDKey{}).(uint)
	return id, ok && id != 0
}

// ContextResolver resolves the acting user id from a request context
type ContextResolver struct{}

// ActingUserID implements the session resolver used by the access facade
func (ContextResolver) ActingUserID(ctx context.Context) (uint, bool) {
	return UserIDFrom(ctx)
}

// SetUser stores the authenticated identity in both the gin and the request context
func SetUser(c *gin.Context, id uint, email string, authority models.Authority) {
	c.Set(ContextKeyUserID, id)
	c.Set(ContextKeyEmail, email)
	c.Set(ContextKeyAuthority, string(authority))
	c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), id))
}

// BearerToken extracts the token of a "Bearer <token>" Authorization header
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Middleware validates JWT tokens and sets user info in context
func Middleware(tokens *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		tokenString, ok := BearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := tokens.Validate(tokenString)
		if err != nil {
			if err == ErrExpiredToken {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Token has expired"})
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			}
			c.Abort()
			return
		}

		SetUser(c, claims.UserID, claims.Email, claims.Authority)
		c.Next()
	}
}

// OptionalMiddleware sets user info when a valid token is present and lets anonymous requests through
func OptionalMiddleware(tokens *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := BearerToken(c); ok {
			if claims, err := tokens.Validate(tokenString); err == nil {
				SetUser(c, claims.UserID, claims.Email, claims.Authority)
			}
		}
		c.Next()
	}
}

// GetUserID returns the user ID from the gin context
func GetUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		return 0, false
	}
	return userID.(uint), true
}

// GetEmail returns the email from the gin context
func GetEmail(c *gin.Context) (string, bool) {
	email, exists := c.Get(ContextKeyEmail)
	if !exists {
		return "", false
	}
	return email.(string), true
}
