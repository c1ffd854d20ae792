// Package oidc signs users in through an OpenID Connect provider and
// provisions their accounts on first login.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/config"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// StateCookie carries the login state between the redirect and the callback
const StateCookie = "access_oidc_state"

const stateTTL = 10 * time.Minute

// Handler serves the login redirect and the provider callback
type Handler struct {
	conf      config.OIDCConf
	store     *store.Store
	tokens    *auth.Tokens
	clientURL string
	log       *zap.Logger

	mu       sync.Mutex
	provider *providerConfig
}

type providerConfig struct {
	config   oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// StateData is stored in the state cookie and validated on callback
type StateData struct {
	State     string `json:"state"`
	Nonce     string `json:"nonce"`
	ReturnURL string `json:"return_url"`
}

// Claims are the ID token claims used to provision a user
type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

// ErrSubjectMismatch is returned when the email belongs to a user linked to another subject
var ErrSubjectMismatch = errors.New("user is linked to a different subject")

// NewHandler creates a new OIDC handler. Provider discovery happens on first use.
func NewHandler(conf config.OIDCConf, s *store.Store, tokens *auth.Tokens, clientURL string, log *zap.Logger) *Handler {
	return &Handler{conf: conf, store: s, tokens: tokens, clientURL: clientURL, log: log}
}

// Enabled reports whether an issuer is configured
func (h *Handler) Enabled() bool {
	return h.conf.Issuer != ""
}

// discover initializes the provider once. A failed discovery is retried on the next request.
func (h *Handler) discover(ctx context.Context) (*providerConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.provider != nil {
		return h.provider, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	provider, err := oidc.NewProvider(ctx, h.conf.Issuer)
	if err != nil {
		return nil, err
	}

	scopes := h.conf.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	h.provider = &providerConfig{
		config: oauth2.Config{
			ClientID:     h.conf.ClientID,
			ClientSecret: h.conf.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  h.conf.RedirectURL,
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: h.conf.ClientID}),
	}
	return h.provider, nil
}

// Login redirects to the provider's authorization endpoint
func (h *Handler) Login(c *gin.Context) {
	pc, err := h.discover(c.Request.Context())
	if err != nil {
		h.log.Error("oidc discovery failed", zap.String("issuer", h.conf.Issuer), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Identity provider unavailable"})
		return
	}

	state, err := generateRandomString(32)
	if err != nil {
		h.log.Error("generating oidc state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start login"})
		return
	}
	nonce, err := generateRandomString(32)
	if err != nil {
		h.log.Error("generating oidc nonce", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start login"})
		return
	}
	data := StateData{
		State:     state,
		Nonce:     nonce,
		ReturnURL: h.returnURL(c.Query("return_url")),
	}
	raw, _ := json.Marshal(data)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(StateCookie, base64.URLEncoding.EncodeToString(raw), int(stateTTL.Seconds()), "/", "", c.Request.TLS != nil, true)

	c.Redirect(http.StatusFound, pc.config.AuthCodeURL(data.State, oidc.Nonce(data.Nonce)))
}

// returnURL accepts only locations below the client URL
func (h *Handler) returnURL(requested string) string {
	base := strings.TrimSuffix(h.clientURL, "/")
	if requested == base || strings.HasPrefix(requested, base+"/") || strings.HasPrefix(requested, base+"?") {
		return requested
	}
	return h.clientURL
}

func (h *Handler) readState(c *gin.Context) (*StateData, bool) {
	cookie, err := c.Cookie(StateCookie)
	if err != nil {
		return nil, false
	}
	raw, err := base64.URLEncoding.DecodeString(cookie)
	if err != nil {
		return nil, false
	}
	var data StateData
	if err := json.Unmarshal(raw, &data); err != nil || data.State == "" {
		return nil, false
	}
	return &data, true
}

// Callback completes the authorization code flow, provisions the user and
// redirects to the client with a session token.
func (h *Handler) Callback(c *gin.Context) {
	data, ok := h.readState(c)
	if !ok || c.Query("state") != data.State {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state"})
		return
	}
	c.SetCookie(StateCookie, "", -1, "/", "", c.Request.TLS != nil, true)

	code := c.Query("code")
	if code == "" {
		errorDesc := c.Query("error_description")
		if errorDesc == "" {
			errorDesc = c.Query("error")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Authentication failed: " + errorDesc})
		return
	}

	ctx := c.Request.Context()
	pc, err := h.discover(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Identity provider unavailable"})
		return
	}

	oauth2Token, err := pc.config.Exchange(ctx, code)
	if err != nil {
		h.log.Warn("oidc code exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to exchange token"})
		return
	}
	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		c.JSON(http.StatusBadGateway, gin.H{"error": "No ID token in response"})
		return
	}
	idToken, err := pc.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		h.log.Warn("oidc id token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Failed to verify ID token"})
		return
	}
	if idToken.Nonce != data.Nonce {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid nonce"})
		return
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to parse claims"})
		return
	}
	if claims.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email not provided by identity provider"})
		return
	}
	if !claims.EmailVerified {
		h.log.Warn("oidc login with unverified email", zap.String("sub", idToken.Subject))
		c.JSON(http.StatusForbidden, gin.H{"error": "Email not verified by identity provider"})
		return
	}

	user, err := h.provision(ctx, idToken.Subject, claims)
	if errors.Is(err, ErrSubjectMismatch) {
		h.log.Warn("oidc subject does not match linked user", zap.String("sub", idToken.Subject), zap.Uint("user_id", user.ID))
		c.JSON(http.StatusConflict, gin.H{"error": "Account is linked to another identity"})
		return
	}
	if err != nil {
		h.log.Error("provisioning oidc user", zap.String("sub", idToken.Subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process user"})
		return
	}

	token, err := h.tokens.Generate(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	h.log.Info("oidc login", zap.Uint("user_id", user.ID), zap.String("sub", user.Sub))
	c.Redirect(http.StatusFound, withToken(data.ReturnURL, token))
}

func withToken(location, token string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// provision finds the user by subject, then by verified email, and creates a
// GUEST account when neither matches. A user already linked to another subject
// is returned together with ErrSubjectMismatch. Names are refreshed from the
// claims on every login.
func (h *Handler) provision(ctx context.Context, sub string, claims Claims) (*models.User, error) {
	user, err := h.store.FindUserBySub(ctx, sub)
	if errors.Is(err, store.ErrNotFound) {
		user, err = h.store.FindUserByEmail(ctx, claims.Email)
		if err == nil && user.Sub != "" && user.Sub != sub {
			return user, ErrSubjectMismatch
		}
	}

	switch {
	case err == nil:
		user.Sub = sub
		applyClaims(user, claims)
		if err := h.store.SaveUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	user = &models.User{Sub: sub, Email: claims.Email, Authority: models.AuthorityGuest}
	applyClaims(user, claims)
	if err := h.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func applyClaims(user *models.User, claims Claims) {
	user.GivenName = claims.GivenName
	user.FamilyName = claims.FamilyName
	name := claims.Name
	if name == "" {
		if claims.GivenName != "" || claims.FamilyName != "" {
			name = strings.TrimSpace(claims.GivenName + " " + claims.FamilyName)
		} else {
			name = strings.Split(claims.Email, "@")[0]
		}
	}
	user.Name = name
}

// RegisterRoutes registers the login and callback routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/login", h.Login)
	rg.GET("/callback", h.Callback)
}

// randRead is replaced in tests
var randRead = rand.Read

func generateRandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := randRead(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length], nil
}
