// Package permissions decides whether an acting user may view or manage users,
// roles and invitations. Every check is a pure function of its arguments and
// fails closed: a nil user, a nil target or missing scope information denies.
package permissions

import "github.com/mikepea/access/pkg/access/models"

// Reason explains a denial
type Reason string

const (
	ReasonUnauthenticated       Reason = "UNAUTHENTICATED"
	ReasonInsufficientAuthority Reason = "INSUFFICIENT_AUTHORITY"
	ReasonInvalidAuthority      Reason = "INVALID_AUTHORITY"
	ReasonOutOfScope            Reason = "OUT_OF_SCOPE"
	ReasonNotInviter            Reason = "NOT_INVITER"
	ReasonUnknownTarget         Reason = "UNKNOWN_TARGET"
)

// Rule names, used as metric labels and in logs
const (
	RuleSuperUser  = "super_user"
	RuleRoleAccess = "role_access"
	RuleInvite     = "invite"
	RuleDeny       = "deny_invitation"
)

// Decision is the outcome of a permission check
type Decision struct {
	Allowed bool
	Rule    string
	Reason  Reason
}

func allow(rule string) Decision {
	return Decision{Allowed: true, Rule: rule}
}

func deny(rule string, reason Reason) Decision {
	return Decision{Rule: rule, Reason: reason}
}

// ScopeMatcher compares catalog scopes. It is supplied by the catalog integration.
type ScopeMatcher interface {
	// Matches reports whether a held role covers the target role's catalog entry
	Matches(held, target models.Role) bool
	// Administers reports whether the organization owns the target role's catalog entry
	Administers(organizationGUID string, target models.Role) bool
}

// Evaluator holds no mutable state and is safe for concurrent use
type Evaluator struct {
	scope ScopeMatcher
}

// NewEvaluator creates an evaluator. With a nil matcher only super users pass scope checks.
func NewEvaluator(scope ScopeMatcher) *Evaluator {
	return &Evaluator{scope: scope}
}

// AssertSuperUser allows only super users
func (e *Evaluator) AssertSuperUser(acting *models.User) Decision {
	if acting == nil {
		return deny(RuleSuperUser, ReasonUnauthenticated)
	}
	if !acting.IsSuperUser() {
		return deny(RuleSuperUser, ReasonInsufficientAuthority)
	}
	return allow(RuleSuperUser)
}

// RoleAccess allows super users, institution admins owning the role's catalog
// entry, and users holding at least an INVITER grant on a role in the same scope.
func (e *Evaluator) RoleAccess(acting *models.User, role *models.Role) Decision {
	if acting == nil {
		return deny(RuleRoleAccess, ReasonUnauthenticated)
	}
	if acting.IsSuperUser() {
		return allow(RuleRoleAccess)
	}
	if role == nil {
		return deny(RuleRoleAccess, ReasonUnknownTarget)
	}
	if e.administers(acting, *role) {
		return allow(RuleRoleAccess)
	}
	if e.grantFor(acting, *role, models.AuthorityInviter) != nil {
		return allow(RuleRoleAccess)
	}
	return deny(RuleRoleAccess, ReasonOutOfScope)
}

// MayInvite decides whether acting may invite someone at the intended authority
// for the given roles. The intended authority must rank strictly below the
// inviter's own, except for super users who may invite at every level.
func (e *Evaluator) MayInvite(acting *models.User, intended models.Authority, roles []models.Role) Decision {
	if acting == nil {
		return deny(RuleInvite, ReasonUnauthenticated)
	}
	if !intended.Valid() {
		return deny(RuleInvite, ReasonInvalidAuthority)
	}
	if acting.IsSuperUser() {
		return allow(RuleInvite)
	}

	highest := acting.HighestAuthority()
	if !highest.HasEqualOrHigherRights(models.AuthorityInviter) || !highest.HasHigherRights(intended) {
		return deny(RuleInvite, ReasonInsufficientAuthority)
	}

	for _, role := range roles {
		if e.administers(acting, role) {
			continue
		}
		grant := e.grantFor(acting, role, models.AuthorityInviter)
		if grant == nil {
			return deny(RuleInvite, ReasonOutOfScope)
		}
		if !grant.Authority.HasHigherRights(intended) {
			return deny(RuleInvite, ReasonInsufficientAuthority)
		}
	}
	return allow(RuleInvite)
}

// MayDeny allows the original inviter and super users to deny an invitation.
// A nil invitation is denied for everyone but super users.
func (e *Evaluator) MayDeny(acting *models.User, invitation *models.Invitation) Decision {
	if acting == nil {
		return deny(RuleDeny, ReasonUnauthenticated)
	}
	if acting.IsSuperUser() {
		return allow(RuleDeny)
	}
	if invitation == nil {
		return deny(RuleDeny, ReasonUnknownTarget)
	}
	if invitation.InviterID != nil && *invitation.InviterID == acting.ID {
		return allow(RuleDeny)
	}
	return deny(RuleDeny, ReasonNotInviter)
}

func (e *Evaluator) administers(acting *models.User, role models.Role) bool {
	return e.scope != nil && acting.IsInstitutionAdmin() && e.scope.Administers(acting.OrganizationGUID, role)
}

// grantFor returns the strongest grant in scope of role with at least min authority
func (e *Evaluator) grantFor(acting *models.User, role models.Role, min models.Authority) *models.UserRole {
	if e.scope == nil {
		return nil
	}
	var best *models.UserRole
	for i := range acting.UserRoles {
		ur := &acting.UserRoles[i]
		held := ur.Role
		if held.ID == 0 {
			held.ID = ur.RoleID
		}
		if !ur.Authority.HasEqualOrHigherRights(min) || !e.scope.Matches(held, role) {
			continue
		}
		if best == nil || ur.Authority.HasHigherRights(best.Authority) {
			best = ur
		}
	}
	return best
}
