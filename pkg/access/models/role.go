package models

import (
	"time"

	"gorm.io/gorm"
)

// Role is a named permission grant bound to exactly one Manage catalog entry.
// Distinct roles may reference the same entry.
type Role struct {
	ID                uint           `gorm:"primarykey" json:"id"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
	Name              string         `gorm:"not null" json:"name"`
	ShortName         string         `gorm:"index" json:"short_name"`
	Description       string         `json:"description"`
	ManageID          string         `gorm:"not null;index:idx_role_manage" json:"manage_id"`
	ManageType        string         `gorm:"not null;index:idx_role_manage" json:"manage_type"` // e.g. "saml20_sp", "oidc10_rp"
	OrganizationGUID  string         `gorm:"index" json:"organization_guid"`                    // Owner of the catalog entry
	DefaultExpiryDays int            `json:"default_expiry_days,omitempty"`
}
