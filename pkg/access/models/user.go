package models

import (
	"time"

	"gorm.io/gorm"
)

// Authority is the coarse permission tier of a user or of a single role grant
type Authority string

const (
	AuthoritySuperUser        Authority = "SUPER_USER"
	AuthorityInstitutionAdmin Authority = "INSTITUTION_ADMIN" // organization-scoped administrator
	AuthorityManager          Authority = "MANAGER"
	AuthorityInviter          Authority = "INVITER"
	AuthorityGuest            Authority = "GUEST"
)

var authorityLevels = map[Authority]int{
	AuthorityGuest:            1,
	AuthorityInviter:          2,
	AuthorityManager:          3,
	AuthorityInstitutionAdmin: 4,
	AuthoritySuperUser:        5,
}

// Level returns the rank of the authority, 0 for unknown values
func (a Authority) Level() int {
	return authorityLevels[a]
}

// Valid reports whether a is one of the known authorities
func (a Authority) Valid() bool {
	return a.Level() > 0
}

// HasEqualOrHigherRights reports whether a ranks at least as high as other.
// Unknown authorities never have rights.
func (a Authority) HasEqualOrHigherRights(other Authority) bool {
	return a.Valid() && other.Valid() && a.Level() >= other.Level()
}

// HasHigherRights reports whether a ranks strictly above other
func (a Authority) HasHigherRights(other Authority) bool {
	return a.Valid() && other.Valid() && a.Level() > other.Level()
}

// User represents an identity known to the system
type User struct {
	ID               uint           `gorm:"primarykey" json:"id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	Sub              string         `gorm:"index" json:"sub,omitempty"` // Subject at the OpenID Connect provider
	Email            string         `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash     string         `json:"-"` // Empty for accounts provisioned through invitations only
	Name             string         `gorm:"not null" json:"name"`
	GivenName        string         `json:"given_name,omitempty"`
	FamilyName       string         `json:"family_name,omitempty"`
	Authority        Authority      `gorm:"type:varchar(30);default:'GUEST'" json:"authority"`
	OrganizationGUID string         `gorm:"index" json:"organization_guid,omitempty"` // Set for institution admins

	// Relationships
	UserRoles []UserRole `gorm:"foreignKey:UserID" json:"user_roles,omitempty"`

	// Resolved catalog metadata for the user's roles, never persisted
	Providers []map[string]any `gorm:"-" json:"providers,omitempty"`
}

// IsSuperUser reports whether the user holds the super user authority
func (u *User) IsSuperUser() bool {
	return u != nil && u.Authority == AuthoritySuperUser
}

// IsInstitutionAdmin reports whether the user administers an organization
func (u *User) IsInstitutionAdmin() bool {
	return u != nil && u.Authority == AuthorityInstitutionAdmin && u.OrganizationGUID != ""
}

// HighestAuthority returns the highest authority the user holds, either
// directly or through one of the role grants.
func (u *User) HighestAuthority() Authority {
	if u == nil {
		return ""
	}
	highest := u.Authority
	for _, ur := range u.UserRoles {
		if ur.Authority.Level() > highest.Level() {
			highest = ur.Authority
		}
	}
	return highest
}

// RoleGrant returns the user's grant for the given role, or nil
func (u *User) RoleGrant(roleID uint) *UserRole {
	if u == nil {
		return nil
	}
	for i := range u.UserRoles {
		if u.UserRoles[i].RoleID == roleID {
			return &u.UserRoles[i]
		}
	}
	return nil
}

// UserRole is the association between a user and a role, with the
// authority the user was granted for that role.
type UserRole struct {
	ID        uint       `gorm:"primarykey" json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	UserID    uint       `gorm:"not null;uniqueIndex:idx_user_role" json:"user_id"`
	RoleID    uint       `gorm:"not null;uniqueIndex:idx_user_role" json:"role_id"`
	Authority Authority  `gorm:"type:varchar(30);not null" json:"authority"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	InviterID *uint      `json:"-"`

	// Relationships
	Role Role `gorm:"foreignKey:RoleID" json:"role"`
}
