package manage

import "github.com/mikepea/access/pkg/access/models"

// Identifier is the (id, type) pair of a Manage catalog entry
type Identifier struct {
	ID   string
	Type string
}

// IdentifierOf returns the catalog identifier a role is bound to
func IdentifierOf(role models.Role) Identifier {
	return Identifier{ID: role.ManageID, Type: role.ManageType}
}

// Deduplicate collapses roles to the set of distinct catalog identifiers.
// The order of the returned slice is unspecified.
func Deduplicate(roles []models.Role) []Identifier {
	seen := make(map[Identifier]struct{}, len(roles))
	identifiers := make([]Identifier, 0, len(roles))
	for _, role := range roles {
		id := IdentifierOf(role)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		identifiers = append(identifiers, id)
	}
	return identifiers
}

// UserIdentifiers returns the distinct catalog identifiers of all roles granted to the user
func UserIdentifiers(user *models.User) []Identifier {
	if user == nil {
		return nil
	}
	roles := make([]models.Role, len(user.UserRoles))
	for i, ur := range user.UserRoles {
		roles[i] = ur.Role
	}
	return Deduplicate(roles)
}
