package service

import (
	"testing"
	"time"

	"chatserver/internal/config"
	"chatserver/internal/store"
	"chatserver/internal/ws"
)

func testConfig() config.Config {
	return config.Config{
		Port:          "0",
		JWTSecret:     "test-secret",
		Env:           "dev",
		InviteTTL:     300 * time.Second,
		SweepInterval: 10 * time.Second,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newServices wires the full service layer against a fresh store and hub.
func newServices(t *testing.T) (*UserService, *RoomService, *InviteService) {
	t.Helper()
	st := newTestStore(t)
	hub := ws.NewHub()
	cfg := testConfig()
	users := NewUserService(st, hub, cfg)
	rooms := NewRoomService(st, hub)
	invites := NewInviteService(st, hub, cfg.InviteTTL)
	return users, rooms, invites
}

func mustRegister(t *testing.T, users *UserService, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := users.Register(name, name+"-secret"); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
}
