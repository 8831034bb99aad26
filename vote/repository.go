package vote

import (
	"context"
	"errors"
	"fmt"

	"defacto/claim"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository serves the read side of the vote ledger.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Tally returns the claim's vote counts and stake total. The tally columns
// are bumped in the same transaction that records each vote, so a single
// row read is always internally consistent.
func (r *Repository) Tally(ctx context.Context, claimID int64) (Tally, error) {
	var t Tally
	err := r.pool.QueryRow(ctx, `SELECT yes_votes, no_votes, total_stake FROM claims WHERE id = $1`, claimID).
		Scan(&t.Yes, &t.No, &t.TotalStake)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tally{}, claim.ErrNotFound
		}
		return Tally{}, fmt.Errorf("vote: tally: %w", err)
	}
	return t, nil
}

// HasVoted reports whether the voter already voted on the claim.
func (r *Repository) HasVoted(ctx context.Context, claimID int64, voterID string) (bool, error) {
	var voted bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM votes WHERE claim_id = $1 AND voter_id = $2)`, claimID, voterID).
		Scan(&voted)
	if err != nil {
		return false, fmt.Errorf("vote: has voted: %w", err)
	}
	return voted, nil
}

// Get fetches a single vote.
func (r *Repository) Get(ctx context.Context, claimID int64, voterID string) (Vote, error) {
	var v Vote
	err := r.pool.QueryRow(ctx, `
		SELECT claim_id, voter_id, choice, stake_amount, lock_id, receipt_id, tx_ref, created_at
		FROM votes
		WHERE claim_id = $1 AND voter_id = $2
	`, claimID, voterID).
		Scan(&v.ClaimID, &v.VoterID, &v.Choice, &v.StakeAmount, &v.LockID, &v.ReceiptID, &v.TxRef, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vote{}, fmt.Errorf("vote: not found for claim %d", claimID)
		}
		return Vote{}, fmt.Errorf("vote: get: %w", err)
	}
	return v, nil
}

// CountByVoter returns how many validations a user has participated in.
func (r *Repository) CountByVoter(ctx context.Context, voterID string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM votes WHERE voter_id = $1`, voterID).Scan(&n); err != nil {
		return 0, fmt.Errorf("vote: count by voter: %w", err)
	}
	return n, nil
}
