package users

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/database"
	"github.com/mikepea/access/pkg/access/manage"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/service"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
)

const clientURL = "http://localhost:3000"

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	tokens *auth.Tokens
	super  *models.User
	guest  *models.User
	wiki   models.Role
}

func setupTestEnv(t *testing.T) *testEnv {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	s := store.New(db)
	ctx := context.Background()

	env := &testEnv{store: s, tokens: auth.NewTokens("test-secret", time.Hour)}
	env.wiki = models.Role{Name: "Wiki", ManageID: "wiki", ManageType: "saml20_sp", OrganizationGUID: "org-1"}
	if err := s.CreateRole(ctx, &env.wiki); err != nil {
		t.Fatalf("Failed to create role: %v", err)
	}
	env.super = &models.User{Email: "root@example.com", Name: "Root", Authority: models.AuthoritySuperUser}
	env.guest = &models.User{Email: "guest@example.com", Name: "Guest", Authority: models.AuthorityGuest}
	for _, u := range []*models.User{env.super, env.guest} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
	}
	if err := s.SaveGrants(ctx, []models.UserRole{{UserID: env.guest.ID, RoleID: env.wiki.ID, Authority: models.AuthorityGuest}}); err != nil {
		t.Fatalf("Failed to grant role: %v", err)
	}

	catalog := manage.StaticCatalog{
		{Type: "saml20_sp", ID: "wiki"}: {"name:en": "Wiki"},
	}
	svc := service.New(s, catalog, auth.ContextResolver{})

	gin.SetMode(gin.TestMode)
	env.router = gin.New()
	NewHandler(svc, clientURL, zap.NewNop()).RegisterRoutes(
		env.router.Group("/api/v1/users"),
		auth.Middleware(env.tokens),
		auth.OptionalMiddleware(env.tokens),
	)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, as *models.User, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		token, err := env.tokens.Generate(as)
		if err != nil {
			t.Fatalf("Failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

func TestConfig_Anonymous(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/users/config", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}

	var cfg ConfigResponse
	json.Unmarshal(resp.Body.Bytes(), &cfg)
	if cfg.Authenticated {
		t.Error("Expected anonymous config")
	}
	if cfg.ClientURL != clientURL {
		t.Errorf("Expected client URL %s, got %s", clientURL, cfg.ClientURL)
	}
}

func TestConfig_Authenticated(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/users/config", env.guest, nil)
	var cfg ConfigResponse
	json.Unmarshal(resp.Body.Bytes(), &cfg)
	if !cfg.Authenticated || cfg.Name != "Guest" {
		t.Errorf("Expected authenticated config for Guest, got %+v", cfg)
	}
}

func TestMe(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/users/me", env.guest, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var user models.User
	json.Unmarshal(resp.Body.Bytes(), &user)
	if user.Email != "guest@example.com" {
		t.Errorf("Expected guest@example.com, got %s", user.Email)
	}
	if len(user.UserRoles) != 1 {
		t.Fatalf("Expected 1 role grant, got %d", len(user.UserRoles))
	}
	if len(user.Providers) != 1 || user.Providers[0]["name:en"] != "Wiki" {
		t.Errorf("Expected resolved Wiki provider, got %v", user.Providers)
	}
}

func TestMe_RequiresToken(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/users/me", nil, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}
}

func TestMe_DeletedUser(t *testing.T) {
	env := setupTestEnv(t)
	ghost := &models.User{ID: 999, Email: "ghost@example.com", Authority: models.AuthorityGuest}

	resp := env.do(t, "GET", "/api/v1/users/me", ghost, nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for unknown user, got %d", resp.Code)
	}
}

func TestOther(t *testing.T) {
	env := setupTestEnv(t)
	path := fmt.Sprintf("/api/v1/users/other/%d", env.guest.ID)

	resp := env.do(t, "GET", path, env.super, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}

	resp = env.do(t, "GET", fmt.Sprintf("/api/v1/users/other/%d", env.super.ID), env.guest, nil)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for guest, got %d", resp.Code)
	}

	resp = env.do(t, "GET", "/api/v1/users/other/999", env.super, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}

	resp = env.do(t, "GET", "/api/v1/users/other/abc", env.super, nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestByRole(t *testing.T) {
	env := setupTestEnv(t)
	path := fmt.Sprintf("/api/v1/users/roles/%d", env.wiki.ID)

	resp := env.do(t, "GET", path, env.super, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var users []models.User
	json.Unmarshal(resp.Body.Bytes(), &users)
	if len(users) != 1 || users[0].ID != env.guest.ID {
		t.Errorf("Expected the guest only, got %v", users)
	}

	resp = env.do(t, "GET", "/api/v1/users/roles/999", env.super, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}

	resp = env.do(t, "GET", path, env.guest, nil)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for a guest grant, got %d", resp.Code)
	}

	resp = env.do(t, "GET", "/api/v1/users/roles/999", env.guest, nil)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for a missing role without access, got %d", resp.Code)
	}
}

func TestSearch(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/users/search?query=gue", env.super, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var users []models.User
	json.Unmarshal(resp.Body.Bytes(), &users)
	if len(users) != 1 || users[0].Email != "guest@example.com" {
		t.Errorf("Expected guest, got %v", users)
	}

	resp = env.do(t, "GET", "/api/v1/users/search?query=gue", env.guest, nil)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}

	resp = env.do(t, "GET", "/api/v1/users/search", env.super, nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without query, got %d", resp.Code)
	}
}

func TestLoginRedirects(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/users/login", nil, nil)
	if resp.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d", resp.Code)
	}
	if loc := resp.Header().Get("Location"); loc != clientURL {
		t.Errorf("Expected redirect to %s, got %s", clientURL, loc)
	}
}

func TestLogout(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "GET", "/api/v1/users/logout", env.guest, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var body map[string]int
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["status"] != 200 {
		t.Errorf("Expected status field 200, got %v", body)
	}
}

func TestError(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/users/error", nil, map[string]any{"message": "boom"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.Code)
	}
	var body map[string]int
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["status"] != 201 {
		t.Errorf("Expected status field 201, got %v", body)
	}

	req, _ := http.NewRequest("POST", "/api/v1/users/error", bytes.NewBufferString("not json"))
	bad := httptest.NewRecorder()
	env.router.ServeHTTP(bad, req)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed report, got %d", bad.Code)
	}
}
