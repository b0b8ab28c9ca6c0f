package reputation

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/users"
)

// Eligibility is the outcome of a gate check.
type Eligibility struct {
	User   users.User
	Status users.Status
}

// CheckEligibility admits active and warning authors and fails with ErrIneligible otherwise. Timed
// sanctions that already ended are cleared on the way.
func (l *Ledger) CheckEligibility(ctx context.Context, userID string) (Eligibility, error) {
	user, err := l.users.Get(ctx, userID)
	if err != nil {
		return Eligibility{}, err
	}
	probe := user
	status, cleared := l.statuses.EffectiveStatus(&probe, l.clock().UTC())
	if cleared || status != user.AccountStatus {
		snapshot, err := l.Recompute(ctx, userID)
		if err != nil {
			return Eligibility{}, err
		}
		status = snapshot.Status
		user, err = l.users.Get(ctx, userID)
		if err != nil {
			return Eligibility{}, err
		}
	}
	if !status.CanContribute() {
		return Eligibility{User: user, Status: status}, fmt.Errorf("%w: status %s", ErrIneligible, status)
	}
	return Eligibility{User: user, Status: status}, nil
}
