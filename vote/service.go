package vote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"defacto/config"
	"defacto/ledger"
	"defacto/metrics"
	"defacto/outbox"
	"defacto/stake"
	"defacto/window"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateVote signals the voter already voted on this claim.
	ErrDuplicateVote = errors.New("vote: already voted on this claim")
	// ErrInvalidStake signals the stake amount is outside the configured bounds.
	ErrInvalidStake = errors.New("vote: stake amount out of bounds")
)

// EscrowAccount receives staked tokens on the external ledger while a
// validation is in flight.
const EscrowAccount = "validation-pool"

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StakeLocker commits stake inside the vote transaction.
type StakeLocker interface {
	Lock(ctx context.Context, tx pgx.Tx, ownerID string, amount int64) (stake.Lock, error)
}

// OutboxWriter appends events in the vote transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the vote ledger. A submission runs as one transaction covering
// the window check, the stake lock, the external transfer, the tally bump,
// and the vote record; any failure rolls the whole unit back so no partial
// state is ever visible.
type Service struct {
	pool    TxBeginner
	stakes  StakeLocker
	gateway ledger.Gateway
	outbox  OutboxWriter
	policy  config.Policy
	now     func() time.Time
	idGen   func() string

	submissions metrics.CountVecMeter
}

func NewService(pool TxBeginner, stakes StakeLocker, gateway ledger.Gateway, out OutboxWriter, policy config.Policy) *Service {
	return &Service{
		pool:        pool,
		stakes:      stakes,
		gateway:     gateway,
		outbox:      out,
		policy:      policy,
		now:         time.Now,
		idGen:       func() string { return uuid.NewString() },
		submissions: metrics.CounterVec("vote_submissions_total", []string{"result"}),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Submit records a vote. Checks run in order: window open, not already
// voted, stake within bounds, sufficient balance, ledger transfer applied.
// The duplicate check is re-run after the stake lock serializes the voter's
// account row, so two concurrent submissions from the same voter yield
// exactly one recorded vote.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Receipt, error) {
	receipt, err := s.submit(ctx, params)
	s.submissions.AddWithLabels(1, map[string]string{"result": resultLabel(err)})
	return receipt, err
}

func (s *Service) submit(ctx context.Context, params SubmitParams) (Receipt, error) {
	if params.VoterID == "" {
		return Receipt{}, fmt.Errorf("vote: missing voter id")
	}

	receiptID := params.IdempotencyKey
	if receiptID == "" {
		receiptID = s.idGen()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("vote: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.checkWindow(ctx, tx, params.ClaimID); err != nil {
		return Receipt{}, err
	}

	// Cheap duplicate probe for the common sequential case; the
	// authoritative check happens after the account lock below.
	voted, err := s.hasVotedTx(ctx, tx, params.ClaimID, params.VoterID)
	if err != nil {
		return Receipt{}, err
	}
	if voted {
		return Receipt{}, ErrDuplicateVote
	}

	if params.StakeAmount < s.policy.MinStake || params.StakeAmount > s.policy.MaxStake {
		return Receipt{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidStake, params.StakeAmount, s.policy.MinStake, s.policy.MaxStake)
	}

	lock, err := s.stakes.Lock(ctx, tx, params.VoterID, params.StakeAmount)
	if err != nil {
		return Receipt{}, err
	}

	// The lock serialized this voter's account row, so a concurrent
	// submission from the same voter has either committed or aborted by
	// now; re-check before touching the external ledger.
	voted, err = s.hasVotedTx(ctx, tx, params.ClaimID, params.VoterID)
	if err != nil {
		return Receipt{}, err
	}
	if voted {
		return Receipt{}, ErrDuplicateVote
	}

	transfer, err := s.gateway.Transfer(ctx, ledger.Transfer{
		From:           params.VoterID,
		To:             EscrowAccount,
		Amount:         params.StakeAmount,
		IdempotencyKey: receiptID,
	})
	if err != nil {
		// tx rollback releases the stake lock; the caller may retry with
		// the same idempotency key.
		return Receipt{}, err
	}

	var vote Vote
	err = tx.QueryRow(ctx, `
		INSERT INTO votes (claim_id, voter_id, choice, stake_amount, lock_id, receipt_id, tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING claim_id, voter_id, choice, stake_amount, lock_id, receipt_id, tx_ref, created_at
	`, params.ClaimID, params.VoterID, params.Choice, params.StakeAmount, lock.ID, receiptID, transfer.TxID).
		Scan(&vote.ClaimID, &vote.VoterID, &vote.Choice, &vote.StakeAmount, &vote.LockID, &vote.ReceiptID, &vote.TxRef, &vote.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Receipt{}, ErrDuplicateVote
		}
		return Receipt{}, fmt.Errorf("vote: insert: %w", err)
	}

	tallyCol := "no_votes"
	if params.Choice {
		tallyCol = "yes_votes"
	}
	if _, err := tx.Exec(ctx, `
		UPDATE claims
		SET `+tallyCol+` = `+tallyCol+` + 1,
		    total_stake = total_stake + $2
		WHERE id = $1
	`, params.ClaimID, params.StakeAmount); err != nil {
		return Receipt{}, fmt.Errorf("vote: bump tally: %w", err)
	}

	var newBalance int64
	if err := tx.QueryRow(ctx, `SELECT available FROM stake_accounts WHERE owner_id = $1`, params.VoterID).Scan(&newBalance); err != nil {
		return Receipt{}, fmt.Errorf("vote: read balance: %w", err)
	}

	if s.outbox != nil {
		payload := map[string]any{
			"claim_id":   params.ClaimID,
			"receipt_id": receiptID,
			"choice":     params.Choice,
			"stake":      params.StakeAmount,
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicVoteRecorded, payload); err != nil {
			return Receipt{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("vote: commit: %w", err)
	}

	return Receipt{
		ReceiptID:  receiptID,
		TxID:       transfer.TxID,
		ClaimID:    params.ClaimID,
		VoterID:    params.VoterID,
		Choice:     params.Choice,
		Stake:      params.StakeAmount,
		NewBalance: newBalance,
	}, nil
}

// checkWindow verifies the claim's window accepts votes. The shared row
// lock lets votes proceed in parallel while blocking the resolution sweep
// until in-flight votes finish.
func (s *Service) checkWindow(ctx context.Context, tx pgx.Tx, claimID int64) error {
	var (
		state    window.State
		closesAt time.Time
	)
	err := tx.QueryRow(ctx, `
		SELECT state::text, closes_at FROM validation_windows
		WHERE claim_id = $1
		FOR SHARE
	`, claimID).Scan(&state, &closesAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return window.ErrNotFound
		}
		return fmt.Errorf("vote: load window: %w", err)
	}

	if state != window.StateOpen || !s.now().Before(closesAt) {
		return window.ErrClosed
	}
	return nil
}

func (s *Service) hasVotedTx(ctx context.Context, tx pgx.Tx, claimID int64, voterID string) (bool, error) {
	var voted bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM votes WHERE claim_id = $1 AND voter_id = $2)`, claimID, voterID).Scan(&voted); err != nil {
		return false, fmt.Errorf("vote: duplicate check: %w", err)
	}
	return voted, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, stake.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, window.ErrClosed):
		return "window_closed"
	case errors.Is(err, ledger.ErrTransferFailed):
		return "transfer_failed"
	default:
		return "error"
	}
}
