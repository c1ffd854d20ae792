// Package invite implements the invitation lifecycle: creation with defaults,
// acceptance with expiry and email equality checks, denial, and the
// materialization of invitation roles into user roles.
//
// OPEN is the only non-terminal state. Expiry is evaluated lazily when an
// acceptance is attempted and takes precedence over an email conflict.
package invite

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikepea/access/pkg/access/models"
	"golang.org/x/text/cases"
)

// DefaultExpiry is the grace period between creation and expiry
const DefaultExpiry = 14 * 24 * time.Hour

// hashLength is the number of random bytes in an invitation secret
const hashLength = 32

var (
	ErrInvalidInvitation = errors.New("invalid invitation")
	ErrInvalidExpiry     = errors.New("expiry date must be after creation")
)

// Outcome is the result of an acceptance attempt
type Outcome string

const (
	OutcomeAccepted      Outcome = "ACCEPTED"
	OutcomeExpired       Outcome = "EXPIRED"
	OutcomeEmailConflict Outcome = "EMAIL_CONFLICT"
)

// Request holds the caller supplied fields of a new invitation
type Request struct {
	IntendedAuthority    models.Authority
	Email                string
	Message              string
	EnforceEmailEquality bool
	ExpiryDate           *time.Time // Overrides the grace period when set
	Roles                []models.InvitationRole
}

// Result is returned by AttemptAcceptance
type Result struct {
	Outcome Outcome
	Granted []models.InvitationRole // Only set for OutcomeAccepted
}

// New creates an OPEN invitation. Authorization of the inviter is the caller's concern.
func New(req Request, inviter *models.User, now time.Time, expiry time.Duration) (*models.Invitation, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInvitation)
	}
	if !req.IntendedAuthority.Valid() {
		return nil, fmt.Errorf("%w: unknown authority %q", ErrInvalidInvitation, req.IntendedAuthority)
	}

	hash, err := generateHash()
	if err != nil {
		return nil, err
	}

	inv := &models.Invitation{
		IntendedAuthority:    req.IntendedAuthority,
		Email:                email,
		Message:              req.Message,
		Hash:                 hash,
		EnforceEmailEquality: req.EnforceEmailEquality,
		Roles:                []models.InvitationRole{},
	}
	if inviter != nil {
		inv.Inviter = inviter
		inv.InviterID = &inviter.ID
	}
	for _, r := range req.Roles {
		inv.AddRole(r)
	}

	Defaults(inv, now, expiry)

	if req.ExpiryDate != nil {
		if !req.ExpiryDate.After(inv.CreatedAt) {
			return nil, ErrInvalidExpiry
		}
		inv.ExpiryDate = *req.ExpiryDate
	}
	return inv, nil
}

// Defaults stamps the creation time and expiry date and opens the invitation
func Defaults(inv *models.Invitation, now time.Time, expiry time.Duration) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	inv.CreatedAt = now
	inv.ExpiryDate = now.Add(expiry)
	inv.Status = models.StatusOpen
	if inv.Roles == nil {
		inv.Roles = []models.InvitationRole{}
	}
}

// AttemptAcceptance evaluates an acceptance at now by the identity with
// acceptingEmail. Expiry is checked before email equality. An email conflict
// leaves the invitation OPEN so it can be retried with the right identity.
func AttemptAcceptance(inv *models.Invitation, now time.Time, acceptingEmail string) (Result, error) {
	if inv.Status != models.StatusOpen {
		return Result{}, fmt.Errorf("%w: invitation is %s", ErrInvalidStateTransition, inv.Status)
	}

	if now.After(inv.ExpiryDate) {
		if err := transition(inv, models.StatusExpired); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeExpired}, nil
	}

	if inv.EnforceEmailEquality && !EmailsEqual(acceptingEmail, inv.Email) {
		inv.EmailEqualityConflict = true
		return Result{Outcome: OutcomeEmailConflict}, nil
	}

	if err := transition(inv, models.StatusAccepted); err != nil {
		return Result{}, err
	}
	inv.EmailEqualityConflict = false
	return Result{Outcome: OutcomeAccepted, Granted: inv.Roles}, nil
}

// Deny moves an OPEN invitation to DENIED
func Deny(inv *models.Invitation) error {
	return transition(inv, models.StatusDenied)
}

// Expire moves an OPEN invitation past its expiry date to EXPIRED
func Expire(inv *models.Invitation, now time.Time) error {
	if !now.After(inv.ExpiryDate) {
		return fmt.Errorf("%w: invitation not yet expired", ErrInvalidStateTransition)
	}
	return transition(inv, models.StatusExpired)
}

// EmailsEqual compares two addresses ignoring case and surrounding whitespace
func EmailsEqual(a, b string) bool {
	return foldEmail(a) == foldEmail(b)
}

// Recipients trims the addresses, drops blanks and collapses addresses that
// differ only in case. The first spelling of each address wins and order is kept.
func Recipients(emails ...string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		key := foldEmail(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

func foldEmail(e string) string {
	return cases.Fold().String(strings.TrimSpace(e))
}

func generateHash() (string, error) {
	b := make([]byte, hashLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating invitation hash: %w", err)
	}
	return hex.EncodeToString(b), nil
}
