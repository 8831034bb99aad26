package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"defacto/claim"
	"defacto/ledger"
	"defacto/stake"
	"defacto/vote"
	"defacto/window"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Env bundles the services and seed data the stress actors operate on.
type Env struct {
	Pool      *pgxpool.Pool
	Claims    *claim.Service
	Votes     *vote.Service
	Scheduler *window.Scheduler
	Users     []string
}

func (e *Env) randomUser() string {
	return e.Users[rand.Intn(len(e.Users))]
}

var categories = []claim.Category{
	claim.CategoryNews, claim.CategoryScience, claim.CategoryPolitics,
	claim.CategoryHealth, claim.CategoryTechnology,
}

// Submitter files a stream of valid claims.
func Submitter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n := rand.Int63()
		_, err := env.Claims.Submit(ctx, claim.SubmitParams{
			Title:        fmt.Sprintf("Stress claim %d about a checkable statement", n),
			Content:      strings.Repeat(fmt.Sprintf("Generated claim body %d with enough detail to pass intake. ", n), 2),
			Category:     categories[rand.Intn(len(categories))],
			EvidenceURLs: []string{fmt.Sprintf("https://example.org/evidence/%d", n)},
			AuthorID:     env.randomUser(),
		})
		if err != nil && !isTolerable(err) {
			return fmt.Errorf("submitter: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(70)) * time.Millisecond)
	}
}

// Voter stakes on random open claims. Rejections that the protocol defines
// are expected under contention; anything else fails the run.
func Voter(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		claimID, ok, err := randomOpenClaim(ctx, env.Pool)
		if err != nil {
			return fmt.Errorf("voter pick claim: %w", err)
		}
		if ok {
			_, err := env.Votes.Submit(ctx, vote.SubmitParams{
				ClaimID:     claimID,
				VoterID:     env.randomUser(),
				Choice:      rand.Intn(2) == 0,
				StakeAmount: int64(10 + rand.Intn(91)),
			})
			if err != nil && !isTolerable(err) {
				return fmt.Errorf("voter: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// DuplicateAttacker races pairs of votes from one voter on one claim. The
// vote ledger must accept at most one of each pair.
func DuplicateAttacker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		claimID, ok, err := randomOpenClaim(ctx, env.Pool)
		if err != nil {
			return fmt.Errorf("attacker pick claim: %w", err)
		}
		if ok {
			voter := env.randomUser()
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < 2; i++ {
				choice := i == 0
				g.Go(func() error {
					_, err := env.Votes.Submit(gctx, vote.SubmitParams{
						ClaimID:     claimID,
						VoterID:     voter,
						Choice:      choice,
						StakeAmount: int64(10 + rand.Intn(91)),
					})
					if err != nil && !isTolerable(err) {
						return err
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return fmt.Errorf("attacker: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Sweeper drives window resolution concurrently with voting. Multiple
// sweepers may run at once; SKIP LOCKED keeps them from duplicating work.
func Sweeper(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := env.Scheduler.Sweep(ctx); err != nil && !isTolerable(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

func randomOpenClaim(ctx context.Context, pool *pgxpool.Pool) (int64, bool, error) {
	var id int64
	err := pool.QueryRow(ctx, `
		SELECT claim_id FROM validation_windows
		WHERE state = 'open' AND closes_at > now()
		ORDER BY random() LIMIT 1
	`).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		if isTolerable(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// isTolerable reports whether an error is an expected protocol rejection or
// a transient infrastructure failure injected by the chaos actor.
func isTolerable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, vote.ErrDuplicateVote),
		errors.Is(err, vote.ErrInvalidStake),
		errors.Is(err, stake.ErrInsufficientBalance),
		errors.Is(err, stake.ErrAccountNotFound),
		errors.Is(err, window.ErrClosed),
		errors.Is(err, window.ErrNotFound),
		errors.Is(err, claim.ErrNotFound),
		errors.Is(err, ledger.ErrTransferFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		// Connection kills from the chaos actor surface as protocol or
		// network errors rather than typed sentinels.
		msg := err.Error()
		return strings.Contains(msg, "conn closed") ||
			strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "unexpected EOF") ||
			strings.Contains(msg, "57P01") ||
			strings.Contains(msg, "terminating connection") ||
			strings.Contains(msg, "40001") ||
			strings.Contains(msg, "deadlock detected")
	}
}
