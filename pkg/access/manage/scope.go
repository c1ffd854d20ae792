package manage

import "github.com/mikepea/access/pkg/access/models"

// OrganizationScope compares catalog scopes using the catalog fields stored on roles.
// Any missing identifier or organization is treated as out of scope.
type OrganizationScope struct{}

// Matches reports whether a held role covers the same catalog entry as target
func (OrganizationScope) Matches(held, target models.Role) bool {
	if held.ID != 0 && held.ID == target.ID {
		return true
	}
	if held.ManageID == "" || held.ManageType == "" {
		return false
	}
	return IdentifierOf(held) == IdentifierOf(target)
}

// Administers reports whether the organization owns the catalog entry of target
func (OrganizationScope) Administers(organizationGUID string, target models.Role) bool {
	return organizationGUID != "" && organizationGUID == target.OrganizationGUID
}
