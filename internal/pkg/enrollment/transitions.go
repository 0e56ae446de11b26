package enrollment

import (
	"errors"
	"fmt"

	"github.com/ClassPilotHQ/ClassPilot/app/models"
)

// ErrInvalidTransition marks a state change outside the legal edge table.
// Hitting it is a programming error, not a user mistake.
var ErrInvalidTransition = errors.New("enrollment: illegal state transition")

// legalTransitions enumerates the only from→to edges an enrollment may take.
// cancelled and transferred are terminal and have no outgoing edges.
var legalTransitions = map[string][]string{
	models.EnrollmentStatePendingPayment: {
		models.EnrollmentStateActive,
		models.EnrollmentStateWaitlisted,
		models.EnrollmentStateCancelled,
	},
	models.EnrollmentStateActive: {
		models.EnrollmentStateCancelled,
		models.EnrollmentStateTransferred,
	},
	models.EnrollmentStateWaitlisted: {
		models.EnrollmentStatePendingPayment,
		models.EnrollmentStateCancelled,
	},
	models.EnrollmentStateCancelled:   {},
	models.EnrollmentStateTransferred: {},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for an illegal edge,
// annotated with both states.
func CheckTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
