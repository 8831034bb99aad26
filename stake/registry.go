package stake

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientBalance signals the requested lock exceeds the available balance.
	ErrInsufficientBalance = errors.New("stake: insufficient balance")
	// ErrAccountNotFound signals no stake account exists for the owner.
	ErrAccountNotFound = errors.New("stake: account not found")
	// ErrLockNotFound signals the lock handle does not exist.
	ErrLockNotFound = errors.New("stake: lock not found")
	// ErrLockNotHeld signals the lock was already released or settled.
	ErrLockNotHeld = errors.New("stake: lock not held")
	// ErrInvariant signals a balance update produced an impossible state.
	ErrInvariant = errors.New("stake: balance invariant violated")
)

// Registry manages per-account token balances and the locks taken against
// them. Mutators operate inside a caller-supplied transaction so the vote
// ledger and resolution engine own the commit boundary; row-level locking
// on stake_accounts serializes mutations per account.
type Registry struct {
	pool  *pgxpool.Pool
	idGen func() string
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{
		pool:  pool,
		idGen: func() string { return uuid.NewString() },
	}
}

func (r *Registry) WithIDGenerator(gen func() string) *Registry {
	r.idGen = gen
	return r
}

// CreateAccount opens a stake account seeded with the initial token grant.
func (r *Registry) CreateAccount(ctx context.Context, tx pgx.Tx, ownerID string, grant int64) error {
	if grant < 0 {
		return fmt.Errorf("stake: negative grant")
	}
	const insertSQL = `
		INSERT INTO stake_accounts (owner_id, available, locked, granted)
		VALUES ($1, $2, 0, $2)
	`
	if _, err := tx.Exec(ctx, insertSQL, ownerID, grant); err != nil {
		return fmt.Errorf("stake: create account: %w", err)
	}
	return nil
}

// Grant credits additional tokens to an existing account.
func (r *Registry) Grant(ctx context.Context, tx pgx.Tx, ownerID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("stake: grant must be positive")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE stake_accounts
		SET available = available + $2,
		    granted = granted + $2,
		    updated_at = now()
		WHERE owner_id = $1
	`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("stake: grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Lock atomically moves amount from available to locked and records a lock
// handle. The conditional update both serializes concurrent mutations on the
// account row and rejects overdrafts without a read-modify-write race.
func (r *Registry) Lock(ctx context.Context, tx pgx.Tx, ownerID string, amount int64) (Lock, error) {
	if amount <= 0 {
		return Lock{}, fmt.Errorf("stake: lock amount must be positive")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE stake_accounts
		SET available = available - $2,
		    locked = locked + $2,
		    updated_at = now()
		WHERE owner_id = $1 AND available >= $2
	`, ownerID, amount)
	if err != nil {
		return Lock{}, fmt.Errorf("stake: lock balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stake_accounts WHERE owner_id = $1)`, ownerID).Scan(&exists); err != nil {
			return Lock{}, fmt.Errorf("stake: verify account: %w", err)
		}
		if !exists {
			return Lock{}, ErrAccountNotFound
		}
		return Lock{}, ErrInsufficientBalance
	}

	lock := Lock{
		ID:      r.idGen(),
		OwnerID: ownerID,
		Amount:  amount,
		State:   LockHeld,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO stake_locks (id, owner_id, amount, state)
		VALUES ($1, $2, $3, 'held')
		RETURNING created_at
	`, lock.ID, ownerID, amount).Scan(&lock.CreatedAt); err != nil {
		return Lock{}, fmt.Errorf("stake: insert lock: %w", err)
	}

	return lock, nil
}

// Release returns a held lock's amount to available. Used when a vote is
// rejected after its stake was already committed.
func (r *Registry) Release(ctx context.Context, tx pgx.Tx, lockID string) error {
	ownerID, amount, err := r.closeLock(ctx, tx, lockID, LockReleased, nil, nil)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE stake_accounts
		SET available = available + $2,
		    locked = locked - $2,
		    updated_at = now()
		WHERE owner_id = $1 AND locked >= $2
	`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("stake: release balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvariant
	}
	return nil
}

// Settle removes a held lock from locked and applies the outcome: refund
// returns the principal, forfeit removes it permanently, reward credits the
// principal plus the proportional pool share.
func (r *Registry) Settle(ctx context.Context, tx pgx.Tx, lockID string, outcome Outcome) (int64, error) {
	switch outcome.Kind {
	case OutcomeRefund, OutcomeForfeit, OutcomeReward:
	default:
		return 0, fmt.Errorf("stake: unknown settlement outcome %q", outcome.Kind)
	}

	var probe Lock
	if err := tx.QueryRow(ctx, `SELECT owner_id, amount FROM stake_locks WHERE id = $1 FOR UPDATE`, lockID).
		Scan(&probe.OwnerID, &probe.Amount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrLockNotFound
		}
		return 0, fmt.Errorf("stake: load lock: %w", err)
	}

	payout := outcome.Payout(probe.Amount)
	kind := string(outcome.Kind)
	if _, _, err := r.closeLock(ctx, tx, lockID, LockSettled, &kind, &payout); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE stake_accounts
		SET locked = locked - $2,
		    available = available + $3,
		    updated_at = now()
		WHERE owner_id = $1 AND locked >= $2
	`, probe.OwnerID, probe.Amount, payout)
	if err != nil {
		return 0, fmt.Errorf("stake: settle balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrInvariant
	}

	return payout, nil
}

func (r *Registry) closeLock(ctx context.Context, tx pgx.Tx, lockID string, next LockState, outcome *string, payout *int64) (string, int64, error) {
	var (
		ownerID string
		amount  int64
	)
	err := tx.QueryRow(ctx, `
		UPDATE stake_locks
		SET state = $2, outcome = $3, payout = $4, settled_at = now()
		WHERE id = $1 AND state = 'held'
		RETURNING owner_id, amount
	`, lockID, next, outcome, payout).Scan(&ownerID, &amount)
	if err == nil {
		return ownerID, amount, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", 0, fmt.Errorf("stake: close lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stake_locks WHERE id = $1)`, lockID).Scan(&exists); err != nil {
		return "", 0, fmt.Errorf("stake: verify lock: %w", err)
	}
	if !exists {
		return "", 0, ErrLockNotFound
	}
	return "", 0, ErrLockNotHeld
}

// GetAccount fetches current balances for an owner.
func (r *Registry) GetAccount(ctx context.Context, ownerID string) (Account, error) {
	const selectSQL = `
		SELECT owner_id, available, locked, granted, updated_at
		FROM stake_accounts
		WHERE owner_id = $1
	`
	var acct Account
	err := r.pool.QueryRow(ctx, selectSQL, ownerID).
		Scan(&acct.OwnerID, &acct.Available, &acct.Locked, &acct.Granted, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("stake: get account: %w", err)
	}
	return acct, nil
}
