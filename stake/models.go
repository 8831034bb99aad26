package stake

import "time"

// Account mirrors the stake_accounts table. Granted tracks lifetime token
// grants so conservation checks can compare against money in flight.
type Account struct {
	OwnerID   string
	Available int64
	Locked    int64
	Granted   int64
	UpdatedAt time.Time
}

// LockState represents the lifecycle of a stake lock.
type LockState string

const (
	LockHeld     LockState = "held"
	LockReleased LockState = "released"
	LockSettled  LockState = "settled"
)

// Lock is the handle returned when stake is committed to a vote.
type Lock struct {
	ID        string
	OwnerID   string
	Amount    int64
	State     LockState
	Outcome   *string
	Payout    *int64
	CreatedAt time.Time
	SettledAt *time.Time
}

// OutcomeKind enumerates the ways a held lock can be settled.
type OutcomeKind string

const (
	OutcomeRefund  OutcomeKind = "refund"
	OutcomeForfeit OutcomeKind = "forfeit"
	OutcomeReward  OutcomeKind = "reward"
)

// Outcome describes a settlement. For rewards the bonus credited on top of
// the principal is amount * PoolNumerator / PoolDenominator, computed with
// integer floor division; the resolution engine accounts for the remainder.
type Outcome struct {
	Kind            OutcomeKind
	PoolNumerator   int64
	PoolDenominator int64
}

// Refund returns the principal to the voter.
func Refund() Outcome { return Outcome{Kind: OutcomeRefund} }

// Forfeit removes the principal from the voter permanently.
func Forfeit() Outcome { return Outcome{Kind: OutcomeForfeit} }

// Reward returns the principal plus a proportional share of the losing pool.
func Reward(poolNumerator, poolDenominator int64) Outcome {
	return Outcome{Kind: OutcomeReward, PoolNumerator: poolNumerator, PoolDenominator: poolDenominator}
}

// Payout computes the total credited to available for a settled lock.
func (o Outcome) Payout(amount int64) int64 {
	switch o.Kind {
	case OutcomeRefund:
		return amount
	case OutcomeReward:
		if o.PoolDenominator <= 0 {
			return amount
		}
		return amount + amount*o.PoolNumerator/o.PoolDenominator
	default:
		return 0
	}
}
