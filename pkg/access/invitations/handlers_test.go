package invitations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/database"
	"github.com/mikepea/access/pkg/access/invite"
	"github.com/mikepea/access/pkg/access/manage"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/service"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
)

type testEnv struct {
	router *gin.Engine
	store  *store.Store
	svc    *service.Service
	tokens *auth.Tokens
	super  *models.User
	guest  *models.User
	bob    *models.User
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
	env.bob = &models.User{Email: "bob@example.com", Name: "Bob", Authority: models.AuthorityGuest}
	for _, u := range []*models.User{env.super, env.guest, env.bob} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
	}

	env.svc = service.New(s, manage.StaticCatalog{}, auth.ContextResolver{})

	gin.SetMode(gin.TestMode)
	env.router = gin.New()
	NewHandler(env.svc, zap.NewNop()).RegisterRoutes(
		env.router.Group("/api/v1/invitations"),
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

// invitation creates an invitation from the super user to email and returns it with its hash
func (env *testEnv) invitation(t *testing.T, email string, enforce bool) *models.Invitation {
	t.Helper()
	ctx := auth.WithUserID(context.Background(), env.super.ID)
	inv, err := env.svc.CreateInvitation(ctx, service.CreateInvitationRequest{
		IntendedAuthority:    models.AuthorityGuest,
		Email:                email,
		EnforceEmailEquality: enforce,
		Roles:                []service.RoleRequest{{RoleID: env.wiki.ID}},
	})
	if err != nil {
		t.Fatalf("Failed to create invitation: %v", err)
	}
	return inv
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", resp.Body.String(), err)
	}
	return body
}

func TestCreateInvitation(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/invitations", env.super, map[string]any{
		"intended_authority": "GUEST",
		"email":              "new@example.com",
		"message":            "Welcome",
		"roles":              []map[string]any{{"role_id": env.wiki.ID}},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	body := decode(t, resp)
	if body["status"] != "OPEN" {
		t.Errorf("Expected status OPEN, got %v", body["status"])
	}
	if _, ok := body["hash"]; ok {
		t.Error("Response must not contain the hash")
	}
	if strings.Contains(resp.Body.String(), "hash") {
		t.Error("Response must not leak the hash")
	}
	inviter, _ := body["inviter"].(map[string]any)
	if inviter["email"] != "root@example.com" {
		t.Errorf("Expected inviter root@example.com, got %v", body["inviter"])
	}
	roles, _ := body["roles"].([]any)
	if len(roles) != 1 {
		t.Errorf("Expected 1 role, got %v", body["roles"])
	}
}

func TestCreateInvitation_Forbidden(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/invitations", env.guest, map[string]any{
		"intended_authority": "GUEST",
		"email":              "new@example.com",
		"roles":              []map[string]any{{"role_id": env.wiki.ID}},
	})
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
}

func TestCreateInvitation_Validation(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"missing email", map[string]any{"intended_authority": "GUEST"}, http.StatusBadRequest},
		{"malformed email", map[string]any{"intended_authority": "GUEST", "email": "nope"}, http.StatusBadRequest},
		{"malformed invite", map[string]any{"intended_authority": "GUEST", "invites": []string{"a@example.com", "nope"}}, http.StatusBadRequest},
		{"empty invites", map[string]any{"intended_authority": "GUEST", "invites": []string{}}, http.StatusBadRequest},
		{"unknown authority", map[string]any{"intended_authority": "KING", "email": "a@example.com"}, http.StatusForbidden},
		{"unknown role", map[string]any{
			"intended_authority": "GUEST",
			"email":              "a@example.com",
			"roles":              []map[string]any{{"role_id": 999}},
		}, http.StatusNotFound},
		{"expiry in the past", map[string]any{
			"intended_authority": "GUEST",
			"email":              "a@example.com",
			"expiry_date":        time.Now().Add(-time.Hour),
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/api/v1/invitations", env.super, tt.body)
			if resp.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestCreateInvitation_MultipleInvites(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/invitations", env.super, map[string]any{
		"intended_authority": "GUEST",
		"invites":            []string{"one@example.com", "two@example.com", "ONE@example.com"},
		"roles":              []map[string]any{{"role_id": env.wiki.ID}},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var body []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected a list of invitations: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("Expected 2 invitations, got %d", len(body))
	}
	if body[0]["email"] != "one@example.com" || body[1]["email"] != "two@example.com" {
		t.Errorf("Unexpected recipients %v, %v", body[0]["email"], body[1]["email"])
	}
	if strings.Contains(resp.Body.String(), "hash") {
		t.Error("Response must not leak the hash")
	}

	stats, err := env.store.CollectStats(context.Background())
	if err != nil {
		t.Fatalf("Failed to collect stats: %v", err)
	}
	if stats.InvitationStatus[models.StatusOpen] != 2 {
		t.Errorf("Expected 2 open invitations, got %d", stats.InvitationStatus[models.StatusOpen])
	}
}

func TestCreateInvitation_Unauthenticated(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/invitations", nil, map[string]any{})
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}
}

func TestPublic(t *testing.T) {
	env := setupTestEnv(t)
	inv := env.invitation(t, "guest@example.com", true)

	resp := env.do(t, "GET", "/api/v1/invitations/public?hash="+inv.Hash, nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	if decode(t, resp)["email_equality_conflict"] != false {
		t.Error("Anonymous preview must not report a conflict")
	}

	resp = env.do(t, "GET", "/api/v1/invitations/public?hash="+inv.Hash, env.bob, nil)
	if decode(t, resp)["email_equality_conflict"] != true {
		t.Error("Expected conflict for a different signed-in user")
	}

	resp = env.do(t, "GET", "/api/v1/invitations/public?hash="+inv.Hash, env.guest, nil)
	if decode(t, resp)["email_equality_conflict"] != false {
		t.Error("Expected no conflict for the invitee")
	}

	resp = env.do(t, "GET", "/api/v1/invitations/public?hash=unknown", nil, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}

	resp = env.do(t, "GET", "/api/v1/invitations/public", nil, nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}

func TestAccept(t *testing.T) {
	env := setupTestEnv(t)
	inv := env.invitation(t, "guest@example.com", true)

	resp := env.do(t, "POST", "/api/v1/invitations/accept", env.guest, AcceptRequest{Hash: inv.Hash})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var accepted AcceptResponse
	json.Unmarshal(resp.Body.Bytes(), &accepted)
	if accepted.Outcome != invite.OutcomeAccepted {
		t.Errorf("Expected outcome ACCEPTED, got %s", accepted.Outcome)
	}
	if accepted.User == nil || len(accepted.User.UserRoles) != 1 {
		t.Fatalf("Expected the user with one grant, got %+v", accepted.User)
	}
	if accepted.User.UserRoles[0].RoleID != env.wiki.ID {
		t.Errorf("Expected grant for role %d, got %d", env.wiki.ID, accepted.User.UserRoles[0].RoleID)
	}

	resp = env.do(t, "POST", "/api/v1/invitations/accept", env.guest, AcceptRequest{Hash: inv.Hash})
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409 on second acceptance, got %d", resp.Code)
	}
}

func TestAccept_EmailConflict(t *testing.T) {
	env := setupTestEnv(t)
	inv := env.invitation(t, "guest@example.com", true)

	resp := env.do(t, "POST", "/api/v1/invitations/accept", env.bob, AcceptRequest{Hash: inv.Hash})
	if resp.Code != http.StatusPreconditionFailed {
		t.Fatalf("Expected status 412, got %d", resp.Code)
	}
	body := decode(t, resp)
	if body["outcome"] != string(invite.OutcomeEmailConflict) {
		t.Errorf("Expected EMAIL_CONFLICT, got %v", body["outcome"])
	}
	invitation, _ := body["invitation"].(map[string]any)
	if invitation["email_equality_conflict"] != true || invitation["status"] != "OPEN" {
		t.Errorf("Expected open invitation with conflict flag, got %v", invitation)
	}
	if _, ok := body["user"]; ok {
		t.Error("No user expected on conflict")
	}

	stored, _ := env.store.FindInvitationByID(context.Background(), inv.ID)
	if stored.Status != models.StatusOpen {
		t.Errorf("Conflict must leave the invitation open, got %s", stored.Status)
	}
}

func TestAccept_Expired(t *testing.T) {
	env := setupTestEnv(t)
	inv := env.invitation(t, "guest@example.com", false)
	env.store.DB().Model(&models.Invitation{}).Where("id = ?", inv.ID).
		Update("expiry_date", time.Now().UTC().Add(-time.Hour))

	resp := env.do(t, "POST", "/api/v1/invitations/accept", env.guest, AcceptRequest{Hash: inv.Hash})
	if resp.Code != http.StatusGone {
		t.Fatalf("Expected status 410, got %d", resp.Code)
	}
	if decode(t, resp)["outcome"] != string(invite.OutcomeExpired) {
		t.Error("Expected EXPIRED outcome")
	}

	stored, _ := env.store.FindInvitationByID(context.Background(), inv.ID)
	if stored.Status != models.StatusExpired {
		t.Errorf("Expected the expiry to be persisted, got %s", stored.Status)
	}
}

func TestAccept_Validation(t *testing.T) {
	env := setupTestEnv(t)

	resp := env.do(t, "POST", "/api/v1/invitations/accept", env.guest, map[string]any{})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without hash, got %d", resp.Code)
	}

	resp = env.do(t, "POST", "/api/v1/invitations/accept", env.guest, AcceptRequest{Hash: "unknown"})
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown hash, got %d", resp.Code)
	}
}

func TestDeny(t *testing.T) {
	env := setupTestEnv(t)
	inv := env.invitation(t, "guest@example.com", false)
	path := fmt.Sprintf("/api/v1/invitations/%d/deny", inv.ID)

	resp := env.do(t, "PUT", path, env.guest, nil)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for non-inviter, got %d", resp.Code)
	}

	resp = env.do(t, "PUT", path, env.super, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if decode(t, resp)["status"] != "DENIED" {
		t.Error("Expected status DENIED")
	}

	resp = env.do(t, "PUT", path, env.super, nil)
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409 on denied invitation, got %d", resp.Code)
	}

	resp = env.do(t, "POST", "/api/v1/invitations/accept", env.guest, AcceptRequest{Hash: inv.Hash})
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409 accepting denied invitation, got %d", resp.Code)
	}

	resp = env.do(t, "PUT", "/api/v1/invitations/999/deny", env.super, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}

	resp = env.do(t, "PUT", "/api/v1/invitations/999/deny", env.guest, nil)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for a missing invitation without access, got %d", resp.Code)
	}

	resp = env.do(t, "PUT", "/api/v1/invitations/abc/deny", env.super, nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.Code)
	}
}
