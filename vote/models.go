package vote

import "time"

// Vote mirrors the votes table. Immutable once recorded; there is no way
// to change or withdraw a vote.
type Vote struct {
	ClaimID     int64
	VoterID     string
	Choice      bool
	StakeAmount int64
	LockID      string
	ReceiptID   string
	TxRef       string
	CreatedAt   time.Time
}

// SubmitParams carries a vote submission. IdempotencyKey is optional; when
// empty a fresh receipt id is generated. Retries after a transfer failure
// should reuse the original key so the ledger applies at most one transfer.
type SubmitParams struct {
	ClaimID        int64
	VoterID        string
	Choice         bool
	StakeAmount    int64
	IdempotencyKey string
}

// Receipt confirms a recorded vote.
type Receipt struct {
	ReceiptID  string
	TxID       string
	ClaimID    int64
	VoterID    string
	Choice     bool
	Stake      int64
	NewBalance int64
}

// Tally is a consistent snapshot of a claim's vote counts and stake total.
type Tally struct {
	Yes        int64
	No         int64
	TotalStake int64
}

// TotalVotes returns the number of recorded votes.
func (t Tally) TotalVotes() int64 { return t.Yes + t.No }
