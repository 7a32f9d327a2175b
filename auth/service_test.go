package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := NewMemoryRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "Alice@Example.com",
		Password: "supersafe",
		Name:     "Alice Buyer",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != "alice@example.com" {
		t.Fatalf("expected normalised email got %q", user.Email)
	}
	if user.Role != RoleBuyer {
		t.Fatalf("register: expected default role %s got %s", RoleBuyer, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	claims, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.UserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, claims.UserID)
	}
	if claims.Role != RoleBuyer {
		t.Fatalf("verify token: expected role %s got %s", RoleBuyer, claims.Role)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		Name:     "Alice",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(ctx, RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		Name:     "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(ctx, RegisterRequest{
		Email:    "mallory@example.com",
		Password: "strongpassword",
		Name:     "Mallory",
		Role:     RoleAdmin,
	}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole for self-assigned admin, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")

	req := RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		Name:     "Bob Seller",
		Role:     RoleSeller,
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_EnsureAdminIsIdempotent(t *testing.T) {
	svc := NewService(NewMemoryRepository(), "test-secret")
	ctx := context.Background()

	first, err := svc.EnsureAdmin(ctx, "admin@example.com", "Admin", "adminpassword")
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	second, err := svc.EnsureAdmin(ctx, "admin@example.com", "Admin", "adminpassword")
	if err != nil {
		t.Fatalf("ensure admin again: %v", err)
	}
	if first.ID != second.ID || second.Role != RoleAdmin {
		t.Fatalf("expected the same admin, got %+v and %+v", first, second)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	issuedAt := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := issuedAt
	svc := NewService(NewMemoryRepository(), "test-secret").
		WithTokenTTL(time.Hour).
		WithClock(func() time.Time { return clock })

	token, err := svc.IssueToken("user-1", RoleSeller)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifyToken(token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	clock = issuedAt.Add(2 * time.Hour)
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	other := NewService(NewMemoryRepository(), "other-secret").WithClock(func() time.Time { return issuedAt })
	foreign, _ := other.IssueToken("user-1", RoleAdmin)
	clock = issuedAt
	if _, err := svc.VerifyToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}
}
