package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"defacto/stake"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountCreator seeds the stake account in the registration transaction.
type AccountCreator interface {
	CreateAccount(ctx context.Context, tx pgx.Tx, ownerID string, grant int64) error
}

// BalanceReader exposes stake balances for the profile view.
type BalanceReader interface {
	GetAccount(ctx context.Context, ownerID string) (stake.Account, error)
}

// ClaimCounter counts claims submitted by a user.
type ClaimCounter interface {
	CountByAuthor(ctx context.Context, authorID string) (int64, error)
}

// VoteCounter counts validations a user participated in.
type VoteCounter interface {
	CountByVoter(ctx context.Context, voterID string) (int64, error)
}

// Service handles user registration, authentication, and profiles.
type Service struct {
	pool      TxBeginner
	repo      Repository
	accounts  AccountCreator
	balances  BalanceReader
	claims    ClaimCounter
	votes     VoteCounter
	jwtSecret []byte
	grant     int64
}

// LoginResult bundles the token and domain user returned after login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates an authentication service. grant is the token amount
// credited to each new user's stake account.
func NewService(pool TxBeginner, repo Repository, accounts AccountCreator, jwtSecret string, grant int64) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		accounts:  accounts,
		jwtSecret: []byte(jwtSecret),
		grant:     grant,
	}
}

// WithActivitySources wires the read models used by Profile.
func (s *Service) WithActivitySources(balances BalanceReader, claims ClaimCounter, votes VoteCounter) *Service {
	s.balances = balances
	s.claims = claims
	s.votes = votes
	return s
}

// Register creates a user and its stake account, seeded with the initial
// token grant, in one transaction.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || name == "" {
		return nil, fmt.Errorf("auth: email and display_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := s.repo.CreateUser(ctx, tx, CreateUserParams{
		Email:        email,
		DisplayName:  name,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	if err := s.accounts.CreateAccount(ctx, tx, user.ID, s.grant); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("auth: commit: %w", err)
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{Token: token, User: user}, nil
}

// VerifyToken validates a JWT token and returns the user ID.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		userID, ok := claims["user_id"].(string)
		if !ok {
			return "", fmt.Errorf("auth: invalid user_id in token")
		}
		return userID, nil
	}

	return "", fmt.Errorf("auth: invalid token")
}

// Profile assembles the activity summary for a user.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		MemberSince: user.CreatedAt,
	}

	if s.balances != nil {
		acct, err := s.balances.GetAccount(ctx, userID)
		if err != nil {
			return Profile{}, err
		}
		profile.AvailableBalance = acct.Available
		profile.LockedBalance = acct.Locked
	}
	if s.claims != nil {
		if profile.ClaimsSubmitted, err = s.claims.CountByAuthor(ctx, userID); err != nil {
			return Profile{}, err
		}
	}
	if s.votes != nil {
		if profile.ValidationsParticipated, err = s.votes.CountByVoter(ctx, userID); err != nil {
			return Profile{}, err
		}
	}

	return profile, nil
}

func (s *Service) generateToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
