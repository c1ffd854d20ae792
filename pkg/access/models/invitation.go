package models

import "time"

// Status is the lifecycle state of an invitation
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusAccepted Status = "ACCEPTED"
	StatusExpired  Status = "EXPIRED"
	StatusDenied   Status = "DENIED"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusExpired || s == StatusDenied
}

// Invitation is a pending offer of one or more role grants to a prospective user.
type Invitation struct {
	ID                   uint      `gorm:"primarykey" json:"id"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	Version              uint      `gorm:"not null;default:1" json:"-"` // Optimistic lock for status transitions
	IntendedAuthority    Authority `gorm:"type:varchar(30);not null" json:"intended_authority"`
	Status               Status    `gorm:"type:varchar(20);not null;index" json:"status"`
	Email                string    `gorm:"not null;index" json:"email"`
	Message              string    `json:"message,omitempty"`
	Hash                 string    `gorm:"uniqueIndex;not null" json:"-"` // Secret token, never serialized
	EnforceEmailEquality bool      `json:"enforce_email_equality"`
	ExpiryDate           time.Time `gorm:"not null;index" json:"expiry_date"`
	InviterID            *uint     `gorm:"index" json:"-"`

	// Relationships
	Inviter *User            `gorm:"foreignKey:InviterID" json:"-"`
	Roles   []InvitationRole `gorm:"foreignKey:InvitationID;constraint:OnDelete:CASCADE" json:"roles"`

	// Computed at acceptance time
	EmailEqualityConflict bool `gorm:"-" json:"email_equality_conflict"`
}

// AddRole attaches a role grant and sets its back reference
func (i *Invitation) AddRole(ir InvitationRole) {
	ir.InvitationID = i.ID
	ir.Invitation = i
	i.Roles = append(i.Roles, ir)
}

// InvitationRole is a role grant owned by exactly one invitation
type InvitationRole struct {
	ID           uint       `gorm:"primarykey" json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	InvitationID uint       `gorm:"not null;index" json:"-"`
	RoleID       uint       `gorm:"not null" json:"role_id"`
	EndDate      *time.Time `json:"end_date,omitempty"` // End date of the resulting user role

	// Relationships
	Role       Role        `gorm:"foreignKey:RoleID" json:"role"`
	Invitation *Invitation `gorm:"-" json:"-"`
}
