package invite

import "github.com/mikepea/access/pkg/access/models"

// Grants turns the roles of an accepted invitation into the user roles to
// persist for user. Each role is granted exactly once: a role listed twice is
// collapsed and an existing grant for the same role is updated in place,
// keeping the higher of the two authorities.
func Grants(user *models.User, inv *models.Invitation) []models.UserRole {
	grants := make([]models.UserRole, 0, len(inv.Roles))
	index := make(map[uint]int, len(inv.Roles))

	for _, ir := range inv.Roles {
		if i, ok := index[ir.RoleID]; ok {
			if ir.EndDate != nil {
				grants[i].EndDate = ir.EndDate
			}
			continue
		}

		var ur models.UserRole
		if existing := user.RoleGrant(ir.RoleID); existing != nil {
			ur = *existing
			if inv.IntendedAuthority.Level() > ur.Authority.Level() {
				ur.Authority = inv.IntendedAuthority
			}
		} else {
			ur = models.UserRole{
				UserID:    user.ID,
				RoleID:    ir.RoleID,
				Authority: inv.IntendedAuthority,
				InviterID: inv.InviterID,
			}
		}
		ur.EndDate = ir.EndDate
		ur.Role = ir.Role

		index[ir.RoleID] = len(grants)
		grants = append(grants, ur)
	}
	return grants
}

// Escalate raises the user's own authority when the invitation grants super
// user or institution admin rights. Institution admins inherit the
// organization of the inviter. Returns whether the user changed.
func Escalate(user *models.User, inv *models.Invitation) bool {
	switch inv.IntendedAuthority {
	case models.AuthoritySuperUser, models.AuthorityInstitutionAdmin:
	default:
		return false
	}
	if inv.IntendedAuthority.Level() <= user.Authority.Level() {
		return false
	}

	if inv.IntendedAuthority == models.AuthorityInstitutionAdmin {
		if inv.Inviter == nil || inv.Inviter.OrganizationGUID == "" {
			return false
		}
		user.OrganizationGUID = inv.Inviter.OrganizationGUID
	}
	user.Authority = inv.IntendedAuthority
	return true
}
