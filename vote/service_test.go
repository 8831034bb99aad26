package vote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"defacto/config"
	"defacto/ledger"
	"defacto/stake"
	"defacto/window"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(tx *voteTx, gateway ledger.Gateway, locker *fakeLocker) *Service {
	svc := NewService(&votePool{tx: tx}, locker, gateway, nil, config.DefaultPolicy())
	svc.WithClock(func() time.Time { return testClock })
	svc.WithIDGenerator(func() string { return "receipt-1" })
	return svc
}

func openWindowTx() *voteTx {
	return &voteTx{
		windowState:  window.StateOpen,
		windowCloses: testClock.Add(time.Hour),
		balance:      950,
	}
}

func TestSubmit_Success(t *testing.T) {
	tx := openWindowTx()
	gateway := ledger.NewMemory()
	locker := &fakeLocker{}
	svc := newTestService(tx, gateway, locker)

	receipt, err := svc.Submit(context.Background(), SubmitParams{
		ClaimID:     7,
		VoterID:     "user-1",
		Choice:      true,
		StakeAmount: 50,
	})
	if err != nil {
		t.Fatalf("submit: unexpected error: %v", err)
	}

	if !tx.committed {
		t.Fatal("expected vote transaction to commit")
	}
	if locker.amount != 50 || locker.ownerID != "user-1" {
		t.Errorf("expected 50 tokens locked for user-1, got %d for %q", locker.amount, locker.ownerID)
	}
	if gateway.Applied() != 1 {
		t.Errorf("expected exactly one ledger transfer, got %d", gateway.Applied())
	}
	if receipt.ReceiptID != "receipt-1" || receipt.TxID == "" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
	if receipt.NewBalance != 950 {
		t.Errorf("expected new balance 950, got %d", receipt.NewBalance)
	}

	var bumpedTally bool
	for _, sql := range tx.execs {
		if strings.Contains(sql, "yes_votes") {
			bumpedTally = true
		}
	}
	if !bumpedTally {
		t.Error("expected yes tally bump for a yes vote")
	}
}

func TestSubmit_WindowClosed(t *testing.T) {
	tx := openWindowTx()
	tx.windowCloses = testClock.Add(-time.Minute)
	locker := &fakeLocker{}
	svc := newTestService(tx, ledger.NewMemory(), locker)

	_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: 50})
	if !errors.Is(err, window.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if locker.calls != 0 {
		t.Error("expected no stake lock after window check fails")
	}
	if tx.committed {
		t.Error("expected no commit")
	}
}

func TestSubmit_WindowStateNotOpen(t *testing.T) {
	tx := openWindowTx()
	tx.windowState = window.StateClosed
	svc := newTestService(tx, ledger.NewMemory(), &fakeLocker{})

	_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: 50})
	if !errors.Is(err, window.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubmit_WindowMissing(t *testing.T) {
	tx := openWindowTx()
	tx.windowMissing = true
	svc := newTestService(tx, ledger.NewMemory(), &fakeLocker{})

	_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 404, VoterID: "user-1", Choice: true, StakeAmount: 50})
	if !errors.Is(err, window.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmit_DuplicateVote(t *testing.T) {
	tx := openWindowTx()
	tx.dupResults = []bool{true}
	locker := &fakeLocker{}
	svc := newTestService(tx, ledger.NewMemory(), locker)

	_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: 50})
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	if locker.calls != 0 {
		t.Error("expected no stake lock for a duplicate vote")
	}
}

func TestSubmit_DuplicateDetectedAfterLock(t *testing.T) {
	// A concurrent submission from the same voter commits between the
	// cheap precheck and the account lock. The recheck must catch it
	// before any external transfer happens.
	tx := openWindowTx()
	tx.dupResults = []bool{false, true}
	gateway := ledger.NewMemory()
	svc := newTestService(tx, gateway, &fakeLocker{})

	_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: 50})
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	if gateway.Applied() != 0 {
		t.Errorf("expected no ledger transfer, got %d", gateway.Applied())
	}
	if tx.committed {
		t.Error("expected rollback")
	}
}

func TestSubmit_StakeBounds(t *testing.T) {
	for _, amount := range []int64{0, 9, 101} {
		tx := openWindowTx()
		svc := newTestService(tx, ledger.NewMemory(), &fakeLocker{})

		_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: amount})
		if !errors.Is(err, ErrInvalidStake) {
			t.Fatalf("stake %d: expected ErrInvalidStake, got %v", amount, err)
		}
	}

	// Bounds are inclusive.
	for _, amount := range []int64{10, 100} {
		tx := openWindowTx()
		svc := newTestService(tx, ledger.NewMemory(), &fakeLocker{})

		if _, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: amount}); err != nil {
			t.Fatalf("stake %d: unexpected error: %v", amount, err)
		}
	}
}

func TestSubmit_InsufficientBalance(t *testing.T) {
	tx := openWindowTx()
	gateway := ledger.NewMemory()
	svc := newTestService(tx, gateway, &fakeLocker{err: stake.ErrInsufficientBalance})

	_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: 50})
	if !errors.Is(err, stake.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if gateway.Applied() != 0 {
		t.Error("expected no ledger transfer without a stake lock")
	}
}

func TestSubmit_TransferFailureThenRetry(t *testing.T) {
	gateway := ledger.NewMemory()
	fail := true
	gateway.WithFaultPolicy(ledger.FaultFunc(func(ledger.Transfer) bool { return fail }))

	params := SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: false, StakeAmount: 30, IdempotencyKey: "attempt-9"}

	tx := openWindowTx()
	svc := newTestService(tx, gateway, &fakeLocker{})
	_, err := svc.Submit(context.Background(), params)
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if tx.committed {
		t.Fatal("expected rollback on transfer failure")
	}

	// Retry with the same idempotency key succeeds and applies exactly
	// one transfer.
	fail = false
	tx = openWindowTx()
	svc = newTestService(tx, gateway, &fakeLocker{})
	receipt, err := svc.Submit(context.Background(), params)
	if err != nil {
		t.Fatalf("retry: unexpected error: %v", err)
	}
	if receipt.ReceiptID != "attempt-9" {
		t.Errorf("expected caller's idempotency key as receipt id, got %q", receipt.ReceiptID)
	}
	if gateway.Applied() != 1 {
		t.Errorf("expected one applied transfer after retry, got %d", gateway.Applied())
	}
}

func TestSubmit_UniqueViolationMapsToDuplicate(t *testing.T) {
	tx := openWindowTx()
	tx.insertErr = &pgconn.PgError{Code: "23505"}
	svc := newTestService(tx, ledger.NewMemory(), &fakeLocker{})

	_, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, VoterID: "user-1", Choice: true, StakeAmount: 50})
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
}

func TestSubmit_MissingVoter(t *testing.T) {
	svc := newTestService(openWindowTx(), ledger.NewMemory(), &fakeLocker{})
	if _, err := svc.Submit(context.Background(), SubmitParams{ClaimID: 7, StakeAmount: 50}); err == nil {
		t.Fatal("expected error for missing voter id")
	}
}

func TestResultLabel(t *testing.T) {
	cases := map[string]error{
		"ok":                   nil,
		"duplicate":            ErrDuplicateVote,
		"invalid_stake":        ErrInvalidStake,
		"insufficient_balance": stake.ErrInsufficientBalance,
		"window_closed":        window.ErrClosed,
		"transfer_failed":      ledger.ErrTransferFailed,
		"error":                errors.New("anything else"),
	}
	for want, err := range cases {
		if got := resultLabel(err); got != want {
			t.Errorf("resultLabel(%v): expected %q got %q", err, want, got)
		}
	}
}

type fakeLocker struct {
	ownerID string
	amount  int64
	calls   int
	err     error
}

func (f *fakeLocker) Lock(ctx context.Context, tx pgx.Tx, ownerID string, amount int64) (stake.Lock, error) {
	f.calls++
	if f.err != nil {
		return stake.Lock{}, f.err
	}
	f.ownerID = ownerID
	f.amount = amount
	return stake.Lock{ID: "lock-1", OwnerID: ownerID, Amount: amount, State: stake.LockHeld}, nil
}

type votePool struct {
	tx *voteTx
}

func (f *votePool) Begin(ctx context.Context) (pgx.Tx, error) {
	return f.tx, nil
}

// voteTx scripts the row results Submit reads inside its transaction,
// dispatching on the statement text.
type voteTx struct {
	windowState   window.State
	windowCloses  time.Time
	windowMissing bool
	dupResults    []bool
	dupCalls      int
	insertErr     error
	balance       int64

	execs     []string
	committed bool
	rolled    bool
}

func (f *voteTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "FROM validation_windows"):
		if f.windowMissing {
			return errRow{pgx.ErrNoRows}
		}
		return scanRow(func(dest ...any) error {
			*dest[0].(*window.State) = f.windowState
			*dest[1].(*time.Time) = f.windowCloses
			return nil
		})
	case strings.Contains(sql, "SELECT EXISTS"):
		voted := false
		if f.dupCalls < len(f.dupResults) {
			voted = f.dupResults[f.dupCalls]
		}
		f.dupCalls++
		return scanRow(func(dest ...any) error {
			*dest[0].(*bool) = voted
			return nil
		})
	case strings.Contains(sql, "INSERT INTO votes"):
		if f.insertErr != nil {
			return errRow{f.insertErr}
		}
		return scanRow(func(dest ...any) error {
			*dest[0].(*int64) = args[0].(int64)
			*dest[1].(*string) = args[1].(string)
			*dest[2].(*bool) = args[2].(bool)
			*dest[3].(*int64) = args[3].(int64)
			*dest[4].(*string) = args[4].(string)
			*dest[5].(*string) = args[5].(string)
			*dest[6].(*string) = args[6].(string)
			*dest[7].(*time.Time) = testClock
			return nil
		})
	case strings.Contains(sql, "SELECT available"):
		return scanRow(func(dest ...any) error {
			*dest[0].(*int64) = f.balance
			return nil
		})
	default:
		panic("unexpected query: " + sql)
	}
}

func (f *voteTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *voteTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *voteTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *voteTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("voteTx does not support nested transactions")
}

func (f *voteTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *voteTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *voteTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *voteTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *voteTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *voteTx) Conn() *pgx.Conn {
	return nil
}

type scanRow func(dest ...any) error

func (f scanRow) Scan(dest ...any) error { return f(dest...) }

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
