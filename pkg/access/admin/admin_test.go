package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/database"
	"github.com/mikepea/access/pkg/access/manage"
	"github.com/mikepea/access/pkg/access/metrics"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/service"
	"github.com/mikepea/access/pkg/access/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tokens = auth.NewTokens("test-secret", time.Hour)

func setupTestStore(t *testing.T) *store.Store {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	return store.New(db)
}

func setupTestRouter(s *store.Store) *gin.Engine {
	return newRouter(s, nil)
}

func newRouter(s *store.Store, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc := service.New(s, manage.StaticCatalog{}, auth.ContextResolver{}, service.WithMetrics(m))
	r := gin.New()
	group := r.Group("/admin")
	group.Use(auth.Middleware(tokens), RequireSuperUser(svc, zap.NewNop()))
	NewHandler(s, zap.NewNop()).RegisterRoutes(group)
	return r
}

func createTestUser(t *testing.T, s *store.Store, email, name string, authority models.Authority) *models.User {
	user := &models.User{Email: email, Name: name, Authority: authority}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	return user
}

func request(r *gin.Engine, method, path string, as *models.User, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	token, _ := tokens.Generate(as)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireSuperUser(t *testing.T) {
	s := setupTestStore(t)
	m := metrics.New()
	r := newRouter(s, m)
	manager := createTestUser(t, s, "manager@test.com", "Manager", models.AuthorityManager)

	w := request(r, "GET", "/admin/stats", manager, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}

	// A token claiming super user does not help once the stored authority is lower
	forged := *manager
	forged.Authority = models.AuthoritySuperUser
	w = request(r, "GET", "/admin/stats", &forged, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for stale token, got %d", w.Code)
	}

	ghost := &models.User{ID: 999, Email: "ghost@test.com", Authority: models.AuthoritySuperUser}
	w = request(r, "GET", "/admin/stats", ghost, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for unknown user, got %d", w.Code)
	}

	if got := testutil.ToFloat64(m.PermissionDenialsTotal.WithLabelValues("super_user")); got != 2 {
		t.Errorf("Expected 2 recorded denials, got %v", got)
	}
}

func TestListUsers(t *testing.T) {
	s := setupTestStore(t)
	r := setupTestRouter(s)
	admin := createTestUser(t, s, "admin@test.com", "Admin User", models.AuthoritySuperUser)
	createTestUser(t, s, "user1@test.com", "User One", models.AuthorityGuest)
	createTestUser(t, s, "user2@test.com", "User Two", models.AuthorityInviter)

	w := request(r, "GET", "/admin/users", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var users []UserResponse
	json.Unmarshal(w.Body.Bytes(), &users)
	if len(users) != 3 {
		t.Errorf("Expected 3 users, got %d", len(users))
	}

	w = request(r, "GET", "/admin/users?q=two", admin, nil)
	json.Unmarshal(w.Body.Bytes(), &users)
	if len(users) != 1 || users[0].Email != "user2@test.com" {
		t.Errorf("Expected user2 only, got %v", users)
	}

	w = request(r, "GET", "/admin/users?authority=SUPER_USER", admin, nil)
	json.Unmarshal(w.Body.Bytes(), &users)
	if len(users) != 1 || users[0].ID != admin.ID {
		t.Errorf("Expected the admin only, got %v", users)
	}
}

func TestUpdateUser(t *testing.T) {
	s := setupTestStore(t)
	r := setupTestRouter(s)
	admin := createTestUser(t, s, "admin@test.com", "Admin User", models.AuthoritySuperUser)
	user := createTestUser(t, s, "user@test.com", "User", models.AuthorityGuest)
	path := fmt.Sprintf("/admin/users/%d", user.ID)

	w := request(r, "PUT", path, admin, map[string]any{"name": "Renamed", "authority": "INSTITUTION_ADMIN", "organization_guid": "org-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	updated, _ := s.FindUserByID(context.Background(), user.ID)
	if updated.Name != "Renamed" || updated.Authority != models.AuthorityInstitutionAdmin || updated.OrganizationGUID != "org-1" {
		t.Errorf("User not updated: %+v", updated)
	}

	w = request(r, "PUT", path, admin, map[string]any{"authority": "KING"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid authority, got %d", w.Code)
	}

	w = request(r, "PUT", fmt.Sprintf("/admin/users/%d", admin.ID), admin, map[string]any{"authority": "GUEST"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 demoting yourself, got %d", w.Code)
	}

	w = request(r, "PUT", "/admin/users/999", admin, map[string]any{"name": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestUpdateUser_StorageFailure(t *testing.T) {
	s := setupTestStore(t)
	r := setupTestRouter(s)
	admin := createTestUser(t, s, "admin@test.com", "Admin User", models.AuthoritySuperUser)
	broken := createTestUser(t, s, "broken@test.com", "Broken", models.AuthorityGuest)

	err := s.DB().Callback().Query().After("gorm:query").Register("test:fail_user", func(tx *gorm.DB) {
		if u, ok := tx.Statement.Dest.(*models.User); ok && u.ID == broken.ID {
			tx.AddError(errors.New("disk I/O error"))
		}
	})
	if err != nil {
		t.Fatalf("Failed to register callback: %v", err)
	}

	w := request(r, "PUT", fmt.Sprintf("/admin/users/%d", broken.ID), admin, map[string]any{"name": "x"})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500 for a storage failure, got %d", w.Code)
	}
}

func TestDeleteUser(t *testing.T) {
	s := setupTestStore(t)
	r := setupTestRouter(s)
	admin := createTestUser(t, s, "admin@test.com", "Admin User", models.AuthoritySuperUser)
	user := createTestUser(t, s, "user@test.com", "User", models.AuthorityGuest)

	w := request(r, "DELETE", fmt.Sprintf("/admin/users/%d", admin.ID), admin, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 deleting yourself, got %d", w.Code)
	}

	w = request(r, "DELETE", fmt.Sprintf("/admin/users/%d", user.ID), admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if _, err := s.FindUserByID(context.Background(), user.ID); err == nil {
		t.Error("Expected user to be deleted")
	}

	w = request(r, "DELETE", fmt.Sprintf("/admin/users/%d", user.ID), admin, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestRoles(t *testing.T) {
	s := setupTestStore(t)
	r := setupTestRouter(s)
	admin := createTestUser(t, s, "admin@test.com", "Admin User", models.AuthoritySuperUser)

	w := request(r, "POST", "/admin/roles", admin, CreateRoleRequest{
		Name: "Wiki", ManageID: "wiki", ManageType: "saml20_sp", OrganizationGUID: "org-1", DefaultExpiryDays: 30,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var role models.Role
	json.Unmarshal(w.Body.Bytes(), &role)
	if role.ID == 0 || role.DefaultExpiryDays != 30 {
		t.Errorf("Unexpected role %+v", role)
	}

	w = request(r, "POST", "/admin/roles", admin, CreateRoleRequest{Name: "Bad", ManageID: "x", ManageType: "ftp"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown manage type, got %d", w.Code)
	}

	w = request(r, "GET", "/admin/roles", admin, nil)
	var roles []models.Role
	json.Unmarshal(w.Body.Bytes(), &roles)
	if len(roles) != 1 {
		t.Errorf("Expected 1 role, got %d", len(roles))
	}

	w = request(r, "DELETE", fmt.Sprintf("/admin/roles/%d", role.ID), admin, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	w = request(r, "DELETE", fmt.Sprintf("/admin/roles/%d", role.ID), admin, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestGetStats(t *testing.T) {
	s := setupTestStore(t)
	r := setupTestRouter(s)
	admin := createTestUser(t, s, "admin@test.com", "Admin User", models.AuthoritySuperUser)
	createTestUser(t, s, "user@test.com", "User", models.AuthorityGuest)

	w := request(r, "GET", "/admin/stats", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var stats store.Stats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.TotalUsers != 2 || stats.SuperUsers != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}
