package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"defacto/stake"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestService_RegisterAndLogin(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepository()
	accounts := &fakeAccounts{}
	svc := NewService(pool, repo, accounts, "test-secret", 1000)

	req := RegisterRequest{
		Email:       "alice@example.com",
		Password:    "supersafe",
		DisplayName: "Alice",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if !pool.tx.committed {
		t.Fatal("expected registration transaction to commit")
	}
	if accounts.ownerID != user.ID || accounts.grant != 1000 {
		t.Fatalf("expected stake account for %q seeded with 1000, got %q/%d", user.ID, accounts.ownerID, accounts.grant)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeRepository(), &fakeAccounts{}, "test-secret", 1000)

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "alice@example.com",
		Password:    "short",
		DisplayName: "Alice",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "",
		Password:    "strongpassword",
		DisplayName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	pool := &fakePool{}
	accounts := &fakeAccounts{}
	svc := NewService(pool, newFakeRepository(), accounts, "test-secret", 1000)

	req := RegisterRequest{
		Email:       "alice@example.com",
		Password:    "strongpassword",
		DisplayName: "Alice",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
	if pool.tx.committed {
		t.Error("expected duplicate registration to roll back")
	}
	if accounts.calls != 1 {
		t.Errorf("expected one seeded account, got %d", accounts.calls)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeRepository(), &fakeAccounts{}, "test-secret", 1000)

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsGarbage(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeRepository(), &fakeAccounts{}, "test-secret", 1000)

	if _, err := svc.VerifyToken("not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestService_Profile(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(&fakePool{}, repo, &fakeAccounts{}, "test-secret", 1000).
		WithActivitySources(
			fakeBalances{available: 940, locked: 60},
			fakeCounter{n: 3},
			fakeCounter{n: 7},
		)

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "alice@example.com",
		Password:    "strongpassword",
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	profile, err := svc.Profile(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.AvailableBalance != 940 || profile.LockedBalance != 60 {
		t.Errorf("unexpected balances: %+v", profile)
	}
	if profile.ClaimsSubmitted != 3 || profile.ValidationsParticipated != 7 {
		t.Errorf("unexpected activity counts: %+v", profile)
	}
	if profile.DisplayName != "Alice" {
		t.Errorf("expected display name Alice, got %q", profile.DisplayName)
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, tx pgx.Tx, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

type fakeAccounts struct {
	ownerID string
	grant   int64
	calls   int
}

func (f *fakeAccounts) CreateAccount(ctx context.Context, tx pgx.Tx, ownerID string, grant int64) error {
	f.calls++
	f.ownerID = ownerID
	f.grant = grant
	return nil
}

type fakeBalances struct {
	available int64
	locked    int64
}

func (f fakeBalances) GetAccount(ctx context.Context, ownerID string) (stake.Account, error) {
	return stake.Account{OwnerID: ownerID, Available: f.available, Locked: f.locked}, nil
}

type fakeCounter struct {
	n int64
}

func (f fakeCounter) CountByAuthor(ctx context.Context, authorID string) (int64, error) { return f.n, nil }
func (f fakeCounter) CountByVoter(ctx context.Context, voterID string) (int64, error)  { return f.n, nil }

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
