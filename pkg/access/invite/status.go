package invite

import (
	"errors"
	"fmt"

	"github.com/mikepea/access/pkg/access/models"
)

// ErrInvalidStateTransition is returned for any transition out of a terminal state
var ErrInvalidStateTransition = errors.New("invalid invitation state transition")

// transitions lists the allowed target states per source state.
// Terminal states have no entry.
var transitions = map[models.Status][]models.Status{
	models.StatusOpen: {models.StatusAccepted, models.StatusExpired, models.StatusDenied},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(inv *models.Invitation, to models.Status) error {
	if !CanTransition(inv.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, inv.Status, to)
	}
	inv.Status = to
	return nil
}
