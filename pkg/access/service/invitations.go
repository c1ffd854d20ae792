package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikepea/access/pkg/access/invite"
	"github.com/mikepea/access/pkg/access/models"
	"github.com/mikepea/access/pkg/access/store"
	"go.uber.org/zap"
)

// RoleRequest attaches a role to a new invitation
type RoleRequest struct {
	RoleID  uint
	EndDate *time.Time // Defaults to the role's default expiry when unset
}

// CreateInvitationRequest holds the fields of a new invitation. Email and
// Invites together name the recipients; every recipient gets its own
// invitation with the same authority, roles and expiry.
type CreateInvitationRequest struct {
	IntendedAuthority    models.Authority
	Email                string
	Invites              []string
	Message              string
	EnforceEmailEquality bool
	ExpiryDate           *time.Time
	Roles                []RoleRequest
}

// AcceptResult is the outcome of an acceptance attempt
type AcceptResult struct {
	Outcome    invite.Outcome
	Invitation *models.Invitation
	User       *models.User // The accepting user, reloaded with new grants when accepted
}

// CreateInvitation creates a single OPEN invitation for req.Email on behalf of the acting user
func (s *Service) CreateInvitation(ctx context.Context, req CreateInvitationRequest) (*models.Invitation, error) {
	req.Invites = nil
	created, err := s.CreateInvitations(ctx, req)
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// CreateInvitations creates one OPEN invitation per distinct recipient on
// behalf of the acting user. The permission check runs once and all
// invitations are stored in one transaction, so either all or none exist.
func (s *Service) CreateInvitations(ctx context.Context, req CreateInvitationRequest) ([]*models.Invitation, error) {
	recipients := invite.Recipients(append([]string{req.Email}, req.Invites...)...)

	var created []*models.Invitation
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		acting, err := s.acting(ctx, tx)
		if err != nil {
			return err
		}

		ids := make([]uint, len(req.Roles))
		for i, r := range req.Roles {
			ids[i] = r.RoleID
		}
		roles, err := tx.FindRolesByIDs(ctx, ids)
		if err != nil {
			return mapStoreErr(err)
		}
		if err := s.check(s.evaluator.MayInvite(acting, req.IntendedAuthority, roles)); err != nil {
			return err
		}
		if len(recipients) == 0 {
			return fmt.Errorf("%w: email is required", invite.ErrInvalidInvitation)
		}

		now := s.now()
		byID := make(map[uint]models.Role, len(roles))
		for _, r := range roles {
			byID[r.ID] = r
		}

		created = make([]*models.Invitation, 0, len(recipients))
		for _, email := range recipients {
			invRoles := make([]models.InvitationRole, 0, len(req.Roles))
			for _, r := range req.Roles {
				role := byID[r.RoleID]
				end := r.EndDate
				if end == nil && role.DefaultExpiryDays > 0 {
					d := now.AddDate(0, 0, role.DefaultExpiryDays)
					end = &d
				}
				invRoles = append(invRoles, models.InvitationRole{RoleID: role.ID, Role: role, EndDate: end})
			}

			inv, err := invite.New(invite.Request{
				IntendedAuthority:    req.IntendedAuthority,
				Email:                email,
				Message:              req.Message,
				EnforceEmailEquality: req.EnforceEmailEquality,
				ExpiryDate:           req.ExpiryDate,
				Roles:                invRoles,
			}, acting, now, s.expiry)
			if err != nil {
				return err
			}
			if err := tx.CreateInvitation(ctx, inv); err != nil {
				return fmt.Errorf("creating invitation for %s: %w", email, err)
			}
			created = append(created, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, inv := range created {
		s.metrics.IncTransition(string(models.StatusOpen))
		s.log.Info("invitation created",
			zap.Uint("invitation_id", inv.ID),
			zap.Uint("inviter_id", *inv.InviterID),
			zap.String("intended_authority", string(inv.IntendedAuthority)),
			zap.Int("roles", len(inv.Roles)),
		)
	}
	return created, nil
}

// AcceptInvitation attempts to accept the invitation identified by hash as the acting user.
// An expiry is persisted and reported as an outcome. An email conflict changes nothing.
func (s *Service) AcceptInvitation(ctx context.Context, hash string) (*AcceptResult, error) {
	var result *AcceptResult
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		acting, err := s.acting(ctx, tx)
		if err != nil {
			return err
		}
		inv, err := tx.FindInvitationByHash(ctx, hash)
		if err != nil {
			return mapStoreErr(err)
		}

		res, err := invite.AttemptAcceptance(inv, s.now(), acting.Email)
		if err != nil {
			return err
		}
		result = &AcceptResult{Outcome: res.Outcome, Invitation: inv, User: acting}

		switch res.Outcome {
		case invite.OutcomeEmailConflict:
			return nil
		case invite.OutcomeExpired:
			return tx.TransitionInvitation(ctx, inv)
		}

		if err := tx.TransitionInvitation(ctx, inv); err != nil {
			return err
		}
		if err := tx.SaveGrants(ctx, invite.Grants(acting, inv)); err != nil {
			return err
		}
		if invite.Escalate(acting, inv) {
			if err := tx.SaveUser(ctx, acting); err != nil {
				return err
			}
		}
		user, err := tx.FindUserByID(ctx, acting.ID)
		if err != nil {
			return err
		}
		result.User = user
		return nil
	})
	if err != nil {
		if errors.Is(err, invite.ErrInvalidStateTransition) {
			s.log.Warn("invitation acceptance rejected", zap.Error(err))
		}
		return nil, err
	}

	s.metrics.IncTransition(string(result.Outcome))
	s.log.Info("invitation acceptance",
		zap.Uint("invitation_id", result.Invitation.ID),
		zap.Uint("user_id", result.User.ID),
		zap.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

// DenyInvitation moves an OPEN invitation to DENIED. Only the inviter or a super user may deny.
func (s *Service) DenyInvitation(ctx context.Context, id uint) (*models.Invitation, error) {
	var denied *models.Invitation
	var actingID uint
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		acting, err := s.acting(ctx, tx)
		if err != nil {
			return err
		}
		actingID = acting.ID
		inv, err := tx.FindInvitationByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return s.missing(s.evaluator.MayDeny(acting, nil))
		}
		if err != nil {
			return err
		}
		if err := s.check(s.evaluator.MayDeny(acting, inv)); err != nil {
			return err
		}
		if err := invite.Deny(inv); err != nil {
			return err
		}
		if err := tx.TransitionInvitation(ctx, inv); err != nil {
			return err
		}
		denied = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncTransition(string(models.StatusDenied))
	s.log.Info("invitation denied", zap.Uint("invitation_id", denied.ID), zap.Uint("user_id", actingID))
	return denied, nil
}

// InvitationByHash returns an invitation for preview by its invitee. When a
// user is signed in and the invitation enforces email equality, the conflict
// flag tells whether accepting as that user would fail.
func (s *Service) InvitationByHash(ctx context.Context, hash string) (*models.Invitation, error) {
	inv, err := s.store.FindInvitationByHash(ctx, hash)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if inv.EnforceEmailEquality && inv.Status == models.StatusOpen {
		if acting, err := s.acting(ctx, s.store); err == nil {
			inv.EmailEqualityConflict = !invite.EmailsEqual(acting.Email, inv.Email)
		}
	}
	return inv, nil
}

// ExpireOverdue marks overdue OPEN invitations EXPIRED. It backs the eager expiry sweep.
func (s *Service) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireOverdue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.AddTransitions(string(models.StatusExpired), n)
		s.log.Info("overdue invitations expired", zap.Int64("count", n))
	}
	return n, nil
}
