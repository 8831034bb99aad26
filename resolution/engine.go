package resolution

import (
	"context"
	"errors"
	"fmt"

	"defacto/claim"
	"defacto/metrics"
	"defacto/outbox"
	"defacto/stake"
	"defacto/vote"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAlreadyResolved signals a second resolution attempt for a claim. The
// scheduler's window lock makes this unreachable; hitting it means the
// at-most-once guard was bypassed.
var ErrAlreadyResolved = errors.New("resolution: claim already resolved")

// Settler applies stake settlements inside the resolution transaction.
type Settler interface {
	Settle(ctx context.Context, tx pgx.Tx, lockID string, outcome stake.Outcome) (int64, error)
}

// OutboxWriter appends events in the resolution transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Engine computes the final claim status and redistributes stake when a
// validation window closes. Resolve runs entirely inside the sweep
// transaction, so the tally read, the status write, and every settlement
// commit or roll back as one unit.
type Engine struct {
	stakes    Settler
	outbox    OutboxWriter
	threshold float64

	resolutions metrics.CountVecMeter
}

func NewEngine(stakes Settler, out OutboxWriter, threshold float64) *Engine {
	return &Engine{
		stakes:      stakes,
		outbox:      out,
		threshold:   threshold,
		resolutions: metrics.CounterVec("claim_resolutions_total", []string{"outcome"}),
	}
}

type ballot struct {
	voterID string
	choice  bool
	amount  int64
	lockID  string
}

// Resolve finalizes one claim. Invoked only by the window scheduler with
// the window row lock held.
func (e *Engine) Resolve(ctx context.Context, tx pgx.Tx, claimID int64) error {
	var tally vote.Tally
	err := tx.QueryRow(ctx, `
		SELECT yes_votes, no_votes, total_stake FROM claims
		WHERE id = $1
		FOR UPDATE
	`, claimID).Scan(&tally.Yes, &tally.No, &tally.TotalStake)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return claim.ErrNotFound
		}
		return fmt.Errorf("resolution: read tally: %w", err)
	}

	ballots, err := loadBallots(ctx, tx, claimID)
	if err != nil {
		return err
	}
	if int64(len(ballots)) != tally.TotalVotes() {
		return fmt.Errorf("resolution: tally disagrees with vote records for claim %d: %d vs %d", claimID, tally.TotalVotes(), len(ballots))
	}

	outcome := Decide(tally, e.threshold)

	plan := settlementPlan(ballots, outcome)
	var paidOut int64
	for _, b := range ballots {
		payout, err := e.stakes.Settle(ctx, tx, b.lockID, plan.outcomeFor(b))
		if err != nil {
			return fmt.Errorf("resolution: settle lock %s: %w", b.lockID, err)
		}
		paidOut += payout
	}

	dust := plan.dust(paidOut)

	tag, err := tx.Exec(ctx, `
		UPDATE claims SET status = $2::claim_status
		WHERE id = $1 AND status = 'UNVERIFIED'
	`, claimID, outcome)
	if err != nil {
		return fmt.Errorf("resolution: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO resolutions (claim_id, outcome, yes_votes, no_votes, winning_stake, losing_stake, dust)
		VALUES ($1, $2::claim_status, $3, $4, $5, $6, $7)
	`, claimID, outcome, tally.Yes, tally.No, plan.winningStake, plan.losingStake, dust)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyResolved
		}
		return fmt.Errorf("resolution: record: %w", err)
	}

	if e.outbox != nil {
		payload := map[string]any{
			"claim_id":  claimID,
			"outcome":   outcome,
			"yes_votes": tally.Yes,
			"no_votes":  tally.No,
		}
		if err := e.outbox.Enqueue(ctx, tx, outbox.TopicClaimResolved, payload); err != nil {
			return err
		}
	}

	e.resolutions.AddWithLabels(1, map[string]string{"outcome": string(outcome)})
	return nil
}

func loadBallots(ctx context.Context, tx pgx.Tx, claimID int64) ([]ballot, error) {
	rows, err := tx.Query(ctx, `
		SELECT voter_id, choice, stake_amount, lock_id
		FROM votes
		WHERE claim_id = $1
		ORDER BY voter_id
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("resolution: load votes: %w", err)
	}
	defer rows.Close()

	out := make([]ballot, 0, 16)
	for rows.Next() {
		var b ballot
		if err := rows.Scan(&b.voterID, &b.choice, &b.amount, &b.lockID); err != nil {
			return nil, fmt.Errorf("resolution: scan vote: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolution: iterate votes: %w", err)
	}
	return out, nil
}

// Decide applies the threshold majority rule to a final tally. Shares are
// computed over vote counts, not stake weight. No quorum at all is an
// undecidable call, so it lands on DISPUTED rather than leaving the claim
// UNVERIFIED forever.
func Decide(t vote.Tally, threshold float64) claim.Status {
	total := t.TotalVotes()
	if total == 0 {
		return claim.StatusDisputed
	}
	yesShare := float64(t.Yes) / float64(total)
	noShare := float64(t.No) / float64(total)
	switch {
	case yesShare >= threshold:
		return claim.StatusVerified
	case noShare >= threshold:
		return claim.StatusFalse
	default:
		return claim.StatusDisputed
	}
}

type plan struct {
	outcome      claim.Status
	winningStake int64
	losingStake  int64
}

// settlementPlan computes the stake pools for an outcome. On DISPUTED
// everyone is refunded; otherwise winners split the losing pool in
// proportion to their stake and losers forfeit.
func settlementPlan(ballots []ballot, outcome claim.Status) plan {
	p := plan{outcome: outcome}
	if outcome == claim.StatusDisputed {
		return p
	}
	winnersVotedYes := outcome == claim.StatusVerified
	for _, b := range ballots {
		if b.choice == winnersVotedYes {
			p.winningStake += b.amount
		} else {
			p.losingStake += b.amount
		}
	}
	return p
}

func (p plan) outcomeFor(b ballot) stake.Outcome {
	if p.outcome == claim.StatusDisputed {
		return stake.Refund()
	}
	winnersVotedYes := p.outcome == claim.StatusVerified
	if b.choice == winnersVotedYes {
		return stake.Reward(p.losingStake, p.winningStake)
	}
	return stake.Forfeit()
}

// dust is the part of the losing pool that integer division left
// undistributed; it stays out of circulation and is recorded for audit.
func (p plan) dust(paidOut int64) int64 {
	if p.outcome == claim.StatusDisputed {
		return 0
	}
	return p.winningStake + p.losingStake - paidOut
}
