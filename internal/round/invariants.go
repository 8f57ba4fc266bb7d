package round

import "fmt"

// Validate checks the record-level invariants. The engine runs it before
// every write so a broken transition never reaches the store.
func (r *Round) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("R-01: empty id")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("R-02: unknown status %q", r.Status)
	}
	if r.BetLamports <= 0 {
		return fmt.Errorf("R-03: non-positive bet %d", r.BetLamports)
	}

	hasJoiner := r.Joiner != ""
	afterJoin := r.Status == StatusJoined || r.Status == StatusResolved
	if hasJoiner != afterJoin {
		return fmt.Errorf("R-04: joiner=%q with status %s", r.Joiner, r.Status)
	}
	if afterJoin && r.JoinDepositRef == "" {
		return fmt.Errorf("R-05: status %s without join deposit", r.Status)
	}

	settled := r.Status == StatusResolved
	if (r.Winner != "") != settled || (r.PayoutRef != "") != settled {
		return fmt.Errorf("R-06: winner/payout set=%v with status %s", r.Winner != "", r.Status)
	}
	if settled && r.Winner != r.Creator && r.Winner != r.Joiner {
		return fmt.Errorf("R-07: winner %s is not a party", r.Winner)
	}

	if r.Reservation != nil && r.Status != StatusCreated {
		return fmt.Errorf("R-08: reservation held with status %s", r.Status)
	}
	if r.PendingPayout != nil && r.Status != StatusJoined {
		return fmt.Errorf("R-09: pending payout with status %s", r.Status)
	}
	if r.PendingPayout != nil && r.PendingPayout.Ref == "" {
		return fmt.Errorf("R-15: pending payout without a transfer reference")
	}
	if r.Refund != nil && r.Status != StatusCreated {
		return fmt.Errorf("R-10: refund with status %s", r.Status)
	}
	return nil
}

// CheckTransition verifies next is a legal successor of prev.
func CheckTransition(prev, next *Round) error {
	if prev == nil {
		if next.Status != StatusCreated {
			return fmt.Errorf("R-11: new round must start created, got %s", next.Status)
		}
		return next.Validate()
	}
	if !prev.Status.CanAdvanceTo(next.Status) {
		return fmt.Errorf("R-12: status regression %s -> %s", prev.Status, next.Status)
	}
	if prev.Creator != next.Creator || prev.DepositRef != next.DepositRef || prev.BetLamports != next.BetLamports {
		return fmt.Errorf("R-13: immutable fields changed")
	}
	if prev.Joiner != "" && (prev.Joiner != next.Joiner || prev.JoinDepositRef != next.JoinDepositRef) {
		return fmt.Errorf("R-14: joiner changed after join")
	}
	return next.Validate()
}
