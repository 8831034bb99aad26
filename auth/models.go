package auth

import "time"

// User is the domain representation of a platform participant. It mirrors
// the users table and carries no JSON annotations so it can be reused by
// different presentation layers.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Profile aggregates a user's platform activity for the profile view.
type Profile struct {
	UserID                  string
	DisplayName             string
	AvailableBalance        int64
	LockedBalance           int64
	ClaimsSubmitted         int64
	ValidationsParticipated int64
	MemberSince             time.Time
}
