package service

import (
	"errors"
	"testing"
)

func TestRegister_DuplicateUsername(t *testing.T) {
	users, _, _ := newServices(t)

	if err := users.Register("alice", "secret1"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := users.Register("alice", "other-secret")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Register() duplicate error = %v, want ConflictError", err)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	users, _, _ := newServices(t)
	mustRegister(t, users, "alice")

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"unknown user", "nobody", "whatever"},
		{"wrong password", "alice", "wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := users.Login(tt.username, tt.password)
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Errorf("Login() error = %v, want AuthError", err)
			}
		})
	}
}

func TestLogin_SingleActiveSession(t *testing.T) {
	users, _, _ := newServices(t)
	mustRegister(t, users, "alice")

	token1, err := users.Login("alice", "alice-secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := users.Authenticate(token1); err != nil {
		t.Fatalf("Authenticate(token1) error = %v", err)
	}

	// Second login must invalidate the first token.
	token2, err := users.Login("alice", "alice-secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token1 == token2 {
		t.Fatal("Login() should issue a fresh token")
	}

	if _, err := users.Authenticate(token1); err == nil {
		t.Error("Authenticate(token1) should fail after second login")
	}
	username, err := users.Authenticate(token2)
	if err != nil {
		t.Fatalf("Authenticate(token2) error = %v", err)
	}
	if username != "alice" {
		t.Errorf("Authenticate() username = %v, want alice", username)
	}
}

func TestLogout(t *testing.T) {
	users, _, _ := newServices(t)
	mustRegister(t, users, "alice")

	token, err := users.Login("alice", "alice-secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := users.Logout(token); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := users.Authenticate(token); err == nil {
		t.Error("Authenticate() should fail after logout")
	}

	list, err := users.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].Online {
		t.Errorf("List() after logout = %+v, want alice offline", list)
	}
	if list[0].LastSeen == nil {
		t.Error("List() LastSeen should be stamped after logout")
	}
}

func TestLogout_StaleToken(t *testing.T) {
	users, _, _ := newServices(t)
	mustRegister(t, users, "alice")

	token1, _ := users.Login("alice", "alice-secret")
	if _, err := users.Login("alice", "alice-secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	err := users.Logout(token1)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("Logout() stale token error = %v, want AuthError", err)
	}
}

func TestSetPresence(t *testing.T) {
	users, _, _ := newServices(t)
	mustRegister(t, users, "alice")

	users.SetPresence("alice", true)
	list, err := users.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if !list[0].Online {
		t.Error("SetPresence(true) should mark user online")
	}

	users.SetPresence("alice", false)
	list, _ = users.List()
	if list[0].Online {
		t.Error("SetPresence(false) should mark user offline")
	}
}
