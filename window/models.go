package window

import "time"

// State is the validation window lifecycle: open -> closed -> resolved,
// linear, no reversal.
type State string

const (
	StateOpen     State = "open"
	StateClosed   State = "closed"
	StateResolved State = "resolved"
)

// Window mirrors the validation_windows table. One window per claim,
// created atomically with it.
type Window struct {
	ClaimID  int64
	OpensAt  time.Time
	ClosesAt time.Time
	State    State
}

// Accepting reports whether votes are admissible at the given instant.
func (w Window) Accepting(now time.Time) bool {
	return w.State == StateOpen && now.Before(w.ClosesAt)
}

// PendingValidation is a row in the open-validations listing the
// presentation layer polls.
type PendingValidation struct {
	ClaimID       int64
	Title         string
	Category      string
	ClosesAt      time.Time
	TimeRemaining time.Duration
	YesVotes      int64
	NoVotes       int64
	TotalStake    int64
	UserCanVote   bool
}
