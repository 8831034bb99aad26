package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"defacto/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound signals no validation window exists for the claim.
	ErrNotFound = errors.New("window: not found")
	// ErrClosed signals the window no longer accepts votes.
	ErrClosed = errors.New("window: voting window closed")
)

// Resolver finalizes a claim once its window has closed. It runs inside the
// sweep transaction that holds the window row lock, so at most one
// resolution per claim can ever execute.
type Resolver interface {
	Resolve(ctx context.Context, tx pgx.Tx, claimID int64) error
}

// Scheduler tracks per-claim voting deadlines and drives window state
// transitions. Different claims resolve in parallel; a single claim is
// serialized by its window row lock.
type Scheduler struct {
	pool        *pgxpool.Pool
	resolver    Resolver
	now         func() time.Time
	parallelism int

	sweepDuration metrics.HistogramMeter
	transitions   metrics.CountVecMeter
}

func NewScheduler(pool *pgxpool.Pool, resolver Resolver) *Scheduler {
	return &Scheduler{
		pool:          pool,
		resolver:      resolver,
		now:           time.Now,
		parallelism:   4,
		sweepDuration: metrics.Histogram("window_sweep_duration_ms", metrics.BucketSweepMillis),
		transitions:   metrics.CounterVec("window_transitions_total", []string{"to"}),
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Open creates the validation window for a claim inside the caller's
// transaction.
func (s *Scheduler) Open(ctx context.Context, tx pgx.Tx, claimID int64, duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("window: non-positive duration")
	}
	opensAt := s.now().UTC()
	const insertSQL = `
		INSERT INTO validation_windows (claim_id, opens_at, closes_at, state)
		VALUES ($1, $2, $3, 'open')
	`
	if _, err := tx.Exec(ctx, insertSQL, claimID, opensAt, opensAt.Add(duration)); err != nil {
		return fmt.Errorf("window: open: %w", err)
	}
	s.transitions.AddWithLabels(1, map[string]string{"to": string(StateOpen)})
	return nil
}

// Get fetches the window for a claim.
func (s *Scheduler) Get(ctx context.Context, claimID int64) (Window, error) {
	const selectSQL = `
		SELECT claim_id, opens_at, closes_at, state::text
		FROM validation_windows
		WHERE claim_id = $1
	`
	var w Window
	if err := s.pool.QueryRow(ctx, selectSQL, claimID).Scan(&w.ClaimID, &w.OpensAt, &w.ClosesAt, &w.State); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Window{}, ErrNotFound
		}
		return Window{}, fmt.Errorf("window: get: %w", err)
	}
	return w, nil
}

// Sweep finds windows past their deadline, closes them, and resolves each
// exactly once. Safe to run concurrently: each claim's transition happens
// under its window row lock, and SKIP LOCKED keeps racing sweeps from
// stalling on each other. Returns the number of claims resolved.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	started := s.now()
	defer func() {
		s.sweepDuration.Observe(s.now().Sub(started).Milliseconds())
	}()

	rows, err := s.pool.Query(ctx, `
		SELECT claim_id FROM validation_windows
		WHERE state <> 'resolved' AND closes_at <= now()
		ORDER BY closes_at ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("window: scan due: %w", err)
	}
	due := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("window: scan due id: %w", err)
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("window: iterate due: %w", err)
	}

	var resolved int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	results := make([]bool, len(due))
	for i, claimID := range due {
		g.Go(func() error {
			done, err := s.resolveOne(gctx, claimID)
			if err != nil {
				return err
			}
			results[i] = done
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, done := range results {
		if done {
			resolved++
		}
	}
	return resolved, nil
}

// resolveOne advances a single window: open -> closed once the deadline has
// passed, then closed -> resolved around exactly one resolver invocation.
func (s *Scheduler) resolveOne(ctx context.Context, claimID int64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("window: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		state    State
		closesAt time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT state::text, closes_at FROM validation_windows
		WHERE claim_id = $1
		FOR UPDATE SKIP LOCKED
	`, claimID).Scan(&state, &closesAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Another sweep holds the lock or the window vanished; either
			// way resolution is not ours to perform.
			return false, nil
		}
		return false, fmt.Errorf("window: lock window: %w", err)
	}

	if state == StateResolved || s.now().Before(closesAt) {
		return false, nil
	}

	if state == StateOpen {
		if _, err := tx.Exec(ctx, `UPDATE validation_windows SET state = 'closed' WHERE claim_id = $1`, claimID); err != nil {
			return false, fmt.Errorf("window: close: %w", err)
		}
		s.transitions.AddWithLabels(1, map[string]string{"to": string(StateClosed)})
	}

	if err := s.resolver.Resolve(ctx, tx, claimID); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE validation_windows SET state = 'resolved' WHERE claim_id = $1`, claimID); err != nil {
		return false, fmt.Errorf("window: mark resolved: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("window: commit sweep: %w", err)
	}
	s.transitions.AddWithLabels(1, map[string]string{"to": string(StateResolved)})
	return true, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, report func(resolved int, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if report != nil {
				report(n, err)
			}
		}
	}
}

// ListPending returns claims whose windows still accept votes, flagging
// whether the calling user may vote on each.
func (s *Scheduler) ListPending(ctx context.Context, userID string) ([]PendingValidation, error) {
	const query = `
		SELECT c.id, c.title, c.category::text, w.closes_at,
		       c.yes_votes, c.no_votes, c.total_stake,
		       NOT EXISTS (SELECT 1 FROM votes v WHERE v.claim_id = c.id AND v.voter_id = $1)
		FROM validation_windows w
		JOIN claims c ON c.id = w.claim_id
		WHERE w.state = 'open' AND w.closes_at > now()
		ORDER BY w.closes_at ASC, c.id ASC
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("window: list pending: %w", err)
	}
	defer rows.Close()

	now := s.now()
	out := make([]PendingValidation, 0, 16)
	for rows.Next() {
		var pv PendingValidation
		if err := rows.Scan(&pv.ClaimID, &pv.Title, &pv.Category, &pv.ClosesAt, &pv.YesVotes, &pv.NoVotes, &pv.TotalStake, &pv.UserCanVote); err != nil {
			return nil, fmt.Errorf("window: scan pending: %w", err)
		}
		pv.TimeRemaining = pv.ClosesAt.Sub(now)
		if pv.TimeRemaining < 0 {
			pv.TimeRemaining = 0
		}
		out = append(out, pv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("window: iterate pending: %w", err)
	}
	return out, nil
}
