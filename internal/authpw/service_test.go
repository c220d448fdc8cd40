package authpw

import (
	"context"
	"errors"
	"testing"

	"docket/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, errors.New("not found")
	}
	return user, nil
}

func TestSignInAcceptsCorrectPassword(t *testing.T) {
	hash, err := HashPassword("reviewer-pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	svc := NewService(&fakeUserStore{users: map[string]store.User{
		"maya@docket.dev": {ID: "user-1", Email: "maya@docket.dev", Role: "reviewer", PasswordHash: hash},
	}})

	user, err := svc.SignIn(context.Background(), "maya@docket.dev", "reviewer-pass")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if user.ID != "user-1" || user.Role != "reviewer" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	hash, _ := HashPassword("correct")
	svc := NewService(&fakeUserStore{users: map[string]store.User{
		"maya@docket.dev": {Email: "maya@docket.dev", PasswordHash: hash},
	}})

	_, err := svc.SignIn(context.Background(), "maya@docket.dev", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignInRejectsUnknownUserAndEmptyInput(t *testing.T) {
	svc := NewService(&fakeUserStore{users: map[string]store.User{}})

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{name: "unknown user", email: "nobody@docket.dev", password: "x"},
		{name: "empty email", email: "", password: "x"},
		{name: "empty password", email: "maya@docket.dev", password: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SignIn(context.Background(), tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestSignInRejectsUserWithoutPassword(t *testing.T) {
	svc := NewService(&fakeUserStore{users: map[string]store.User{
		"svc@docket.dev": {Email: "svc@docket.dev"},
	}})
	if _, err := svc.SignIn(context.Background(), "svc@docket.dev", "anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
