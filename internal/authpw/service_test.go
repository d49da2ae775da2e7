package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"fixflow/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	created, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "Pat@Example.com",
		Password:    "long-enough",
		DisplayName: "Pat",
	})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if created.Email != "pat@example.com" {
		t.Errorf("expected lowercased email, got %q", created.Email)
	}
	if created.Role != "requester" {
		t.Errorf("expected requester role, got %q", created.Role)
	}

	user, err := svc.SignIn(ctx, "pat@example.com", "long-enough")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if user.ID != created.ID {
		t.Errorf("expected user %q, got %q", created.ID, user.ID)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "pat@example.com", Password: "long-enough", DisplayName: "Pat"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignIn(ctx, "pat@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "pat@example.com", Password: "long-enough", DisplayName: "Pat"}); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "pat@example.com", Password: "other-password", DisplayName: "Pat Two"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Email: "pat@example.com", Password: "short", DisplayName: "Pat"}); err == nil {
		t.Fatal("expected error for short password")
	}
}
