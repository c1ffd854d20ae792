// Package store is the gorm backed repository for users, roles and invitations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikepea/access/pkg/access/invite"
	"github.com/mikepea/access/pkg/access/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store wraps a gorm handle, either the root connection or an open transaction
type Store struct {
	db *gorm.DB
}

// New creates a store on db
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn with a store bound to a new transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// FindUserByID loads a user with its role grants and their roles
func (s *Store) FindUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.conn(ctx).Preload("UserRoles.Role").First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// FindUserByEmail loads a user by email, ignoring case
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.conn(ctx).Preload("UserRoles.Role").
		Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// FindUserBySub loads a user by the subject issued by the identity provider
func (s *Store) FindUserBySub(ctx context.Context, sub string) (*models.User, error) {
	if sub == "" {
		return nil, ErrNotFound
	}
	var user models.User
	if err := s.conn(ctx).Preload("UserRoles.Role").Where("sub = ?", sub).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// CreateUser inserts a new user without touching its grants
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	return s.conn(ctx).Omit(clause.Associations).Create(user).Error
}

// SaveUser updates the user's own columns
func (s *Store) SaveUser(ctx context.Context, user *models.User) error {
	return s.conn(ctx).Omit(clause.Associations).Save(user).Error
}

// ListUsers returns users ordered by newest first. A non-empty query matches
// anywhere in the email or name, a non-empty authority filters on it.
func (s *Store) ListUsers(ctx context.Context, query string, authority models.Authority) ([]models.User, error) {
	db := s.conn(ctx).Preload("UserRoles").Order("created_at DESC, id DESC")
	if query != "" {
		pattern := "%" + query + "%"
		db = db.Where("email LIKE ? OR name LIKE ?", pattern, pattern)
	}
	if authority != "" {
		db = db.Where("authority = ?", authority)
	}
	var users []models.User
	err := db.Find(&users).Error
	return users, err
}

// DeleteUser soft deletes a user together with its grants and API keys
func (s *Store) DeleteUser(ctx context.Context, id uint) error {
	return s.Transaction(ctx, func(tx *Store) error {
		db := tx.conn(ctx)
		if err := db.Where("user_id = ?", id).Delete(&models.APIKey{}).Error; err != nil {
			return err
		}
		if err := db.Where("user_id = ?", id).Delete(&models.UserRole{}).Error; err != nil {
			return err
		}
		res := db.Delete(&models.User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SearchUsers returns at most limit users whose email or names start with query
func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	pattern := strings.TrimSpace(query) + "%"

	var users []models.User
	err := s.conn(ctx).
		Where("email LIKE ? OR name LIKE ? OR given_name LIKE ? OR family_name LIKE ?", pattern, pattern, pattern, pattern).
		Order("name").
		Limit(limit).
		Find(&users).Error
	return users, err
}

// FindUsersByRole returns every user holding a grant for the role
func (s *Store) FindUsersByRole(ctx context.Context, roleID uint) ([]models.User, error) {
	var users []models.User
	err := s.conn(ctx).
		Joins("JOIN user_roles ON user_roles.user_id = users.id").
		Where("user_roles.role_id = ?", roleID).
		Preload("UserRoles", "role_id = ?", roleID).
		Preload("UserRoles.Role").
		Order("users.name").
		Find(&users).Error
	return users, err
}

// FindRoleByID loads a single role
func (s *Store) FindRoleByID(ctx context.Context, id uint) (*models.Role, error) {
	var role models.Role
	if err := s.conn(ctx).First(&role, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &role, nil
}

// FindRolesByIDs loads the roles with the given ids. A missing id is an ErrNotFound.
func (s *Store) FindRolesByIDs(ctx context.Context, ids []uint) ([]models.Role, error) {
	if len(ids) == 0 {
		return []models.Role{}, nil
	}
	distinct := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		distinct[id] = struct{}{}
	}

	var roles []models.Role
	if err := s.conn(ctx).Where("id IN ?", ids).Find(&roles).Error; err != nil {
		return nil, err
	}
	if len(roles) != len(distinct) {
		return nil, fmt.Errorf("%w: role", ErrNotFound)
	}
	return roles, nil
}

// ListRoles returns all roles ordered by name
func (s *Store) ListRoles(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	err := s.conn(ctx).Order("name").Find(&roles).Error
	return roles, err
}

// CreateRole inserts a role
func (s *Store) CreateRole(ctx context.Context, role *models.Role) error {
	return s.conn(ctx).Create(role).Error
}

// DeleteRole soft deletes a role and removes its grants
func (s *Store) DeleteRole(ctx context.Context, id uint) error {
	res := s.conn(ctx).Delete(&models.Role{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return s.conn(ctx).Where("role_id = ?", id).Delete(&models.UserRole{}).Error
}

// SaveGrants inserts new grants and updates existing ones
func (s *Store) SaveGrants(ctx context.Context, grants []models.UserRole) error {
	for i := range grants {
		g := &grants[i]
		var err error
		if g.ID == 0 {
			err = s.conn(ctx).Omit("Role").Create(g).Error
		} else {
			err = s.conn(ctx).Omit("Role").Save(g).Error
		}
		if err != nil {
			return fmt.Errorf("saving grant for role %d: %w", g.RoleID, err)
		}
	}
	return nil
}

// CreateInvitation inserts an invitation and its roles
func (s *Store) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	inv.ExpiryDate = inv.ExpiryDate.UTC()
	if inv.Version == 0 {
		inv.Version = 1
	}
	if err := s.conn(ctx).Omit(clause.Associations).Create(inv).Error; err != nil {
		return err
	}
	if len(inv.Roles) == 0 {
		return nil
	}
	for i := range inv.Roles {
		inv.Roles[i].InvitationID = inv.ID
	}
	return s.conn(ctx).Omit("Role").Create(&inv.Roles).Error
}

func (s *Store) invitations(ctx context.Context) *gorm.DB {
	return s.conn(ctx).Preload("Roles.Role").Preload("Inviter")
}

// FindInvitationByID loads an invitation with its roles and inviter
func (s *Store) FindInvitationByID(ctx context.Context, id uint) (*models.Invitation, error) {
	var inv models.Invitation
	if err := s.invitations(ctx).First(&inv, id).Error; err != nil {
		return nil, notFound(err)
	}
	linkRoles(&inv)
	return &inv, nil
}

// FindInvitationByHash loads an invitation by its secret hash
func (s *Store) FindInvitationByHash(ctx context.Context, hash string) (*models.Invitation, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	var inv models.Invitation
	if err := s.invitations(ctx).Where("hash = ?", hash).First(&inv).Error; err != nil {
		return nil, notFound(err)
	}
	linkRoles(&inv)
	return &inv, nil
}

func linkRoles(inv *models.Invitation) {
	if inv.Roles == nil {
		inv.Roles = []models.InvitationRole{}
	}
	for i := range inv.Roles {
		inv.Roles[i].Invitation = inv
	}
}

// TransitionInvitation persists the in-memory status of inv, provided the row
// is still OPEN at the version that was loaded. A concurrent transition makes
// the update miss and yields invite.ErrInvalidStateTransition.
func (s *Store) TransitionInvitation(ctx context.Context, inv *models.Invitation) error {
	res := s.conn(ctx).Model(&models.Invitation{}).
		Where("id = ? AND version = ? AND status = ?", inv.ID, inv.Version, models.StatusOpen).
		Updates(map[string]any{
			"status":     inv.Status,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: invitation %d changed concurrently", invite.ErrInvalidStateTransition, inv.ID)
	}
	inv.Version++
	return nil
}

// FindOverdue lists OPEN invitations whose expiry date lies before now
func (s *Store) FindOverdue(ctx context.Context, now time.Time) ([]models.Invitation, error) {
	var invs []models.Invitation
	err := s.conn(ctx).
		Where("status = ? AND expiry_date < ?", models.StatusOpen, now.UTC()).
		Order("expiry_date").
		Find(&invs).Error
	return invs, err
}

// ExpireOverdue marks all overdue OPEN invitations EXPIRED in one conditional
// update and returns the number of rows changed.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := s.conn(ctx).Model(&models.Invitation{}).
		Where("status = ? AND expiry_date < ?", models.StatusOpen, now.UTC()).
		Updates(map[string]any{
			"status":     models.StatusExpired,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now.UTC(),
		})
	return res.RowsAffected, res.Error
}

// CreateAPIKey inserts an API key
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	return s.conn(ctx).Omit(clause.Associations).Create(key).Error
}

// ListAPIKeys returns the keys owned by a user, newest first
func (s *Store) ListAPIKeys(ctx context.Context, userID uint) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.conn(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&keys).Error
	return keys, err
}

// DeleteAPIKey soft deletes a key owned by userID
func (s *Store) DeleteAPIKey(ctx context.Context, id, userID uint) error {
	res := s.conn(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.APIKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindAPIKeyByHash loads a key and its owner by the key's hash
func (s *Store) FindAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var key models.APIKey
	if err := s.conn(ctx).Preload("User").Where("key_hash = ?", hash).First(&key).Error; err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// TouchAPIKey records the last use of a key
func (s *Store) TouchAPIKey(ctx context.Context, id uint, at time.Time) error {
	return s.conn(ctx).Model(&models.APIKey{}).Where("id = ?", id).Update("last_used_at", at.UTC()).Error
}

// Stats holds row counts for the admin dashboard
type Stats struct {
	TotalUsers       int64                   `json:"total_users"`
	SuperUsers       int64                   `json:"super_users"`
	TotalRoles       int64                   `json:"total_roles"`
	TotalGrants      int64                   `json:"total_grants"`
	InvitationStatus map[models.Status]int64 `json:"invitations"`
	ActiveAPIKeys    int64                   `json:"active_api_keys"`
}

// CollectStats counts users, roles, grants and invitations per status
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	db := s.conn(ctx)
	stats := &Stats{InvitationStatus: map[models.Status]int64{}}

	if err := db.Model(&models.User{}).Count(&stats.TotalUsers).Error; err != nil {
		return nil, err
	}
	db.Model(&models.User{}).Where("authority = ?", models.AuthoritySuperUser).Count(&stats.SuperUsers)
	db.Model(&models.Role{}).Count(&stats.TotalRoles)
	db.Model(&models.UserRole{}).Count(&stats.TotalGrants)
	db.Model(&models.APIKey{}).Count(&stats.ActiveAPIKeys)

	var rows []struct {
		Status models.Status
		Count  int64
	}
	if err := db.Model(&models.Invitation{}).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.InvitationStatus[r.Status] = r.Count
	}
	return stats, nil
}
