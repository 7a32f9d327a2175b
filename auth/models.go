package auth

import "time"

// Role gates which ledger commands a user may issue.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User is an account. PasswordHash never leaves the auth package's callers
// through the HTTP layer.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest is a sign-up. Role defaults to buyer; admin cannot be
// self-assigned.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
}

// LoginRequest is an email and password pair.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is the JWT payload issued at login.
type Claims struct {
	UserID string
	Role   Role
}
