package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatserver/internal/config"
	"chatserver/internal/store"
	"chatserver/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func setupTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Config{
		Port:          "0",
		JWTSecret:     "test-secret",
		Env:           "dev",
		InviteTTL:     300 * time.Second,
		SweepInterval: 10 * time.Second,
	}
	engine, _ := SetupRouter(cfg, st, ws.NewHub())
	return engine
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, out
}

func loginUser(t *testing.T, engine *gin.Engine, username, password string) string {
	t.Helper()
	code, resp := doJSON(t, engine, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": username, "password": password})
	if code != http.StatusOK {
		t.Fatalf("login %s: status = %d, resp = %v", username, code, resp)
	}
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("login %s: empty token", username)
	}
	return token
}

func TestHealthz(t *testing.T) {
	engine := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestEndToEnd_InviteAndMessageFlow(t *testing.T) {
	engine := setupTestServer(t)

	for _, u := range []struct{ name, pass string }{{"alice", "secret1"}, {"bob", "secret2"}} {
		code, resp := doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": u.name, "password": u.pass})
		if code != http.StatusOK {
			t.Fatalf("register %s: status = %d, resp = %v", u.name, code, resp)
		}
	}

	aliceToken := loginUser(t, engine, "alice", "secret1")
	bobToken := loginUser(t, engine, "bob", "secret2")

	// alice creates a room; bob is not yet a member.
	code, resp := doJSON(t, engine, http.MethodPost, "/api/v1/rooms", aliceToken, gin.H{"name": "proj", "members": []string{}})
	if code != http.StatusOK {
		t.Fatalf("create room: status = %d, resp = %v", code, resp)
	}
	roomID, _ := resp["room_id"].(string)
	if roomID == "" {
		t.Fatal("create room: empty room_id")
	}

	code, resp = doJSON(t, engine, http.MethodGet, "/api/v1/rooms", bobToken, nil)
	if code != http.StatusOK || len(resp["rooms"].([]any)) != 0 {
		t.Fatalf("bob rooms before accept: status = %d, resp = %v", code, resp)
	}

	// alice invites bob, bob accepts, bob is now a member.
	code, resp = doJSON(t, engine, http.MethodPost, "/api/v1/invites", aliceToken, gin.H{"to_user": "bob", "room_id": roomID})
	if code != http.StatusOK {
		t.Fatalf("create invite: status = %d, resp = %v", code, resp)
	}
	inviteID, _ := resp["invite_id"].(string)

	code, resp = doJSON(t, engine, http.MethodPost, fmt.Sprintf("/api/v1/invites/%s/accept", inviteID), bobToken, gin.H{})
	if code != http.StatusOK || resp["status"] != "accepted" {
		t.Fatalf("accept invite: status = %d, resp = %v", code, resp)
	}

	// Accepting twice must conflict: the transition already happened.
	code, resp = doJSON(t, engine, http.MethodPost, fmt.Sprintf("/api/v1/invites/%s/accept", inviteID), bobToken, gin.H{})
	if code != http.StatusConflict {
		t.Fatalf("second accept: status = %d, resp = %v", code, resp)
	}

	code, resp = doJSON(t, engine, http.MethodGet, "/api/v1/rooms", bobToken, nil)
	if code != http.StatusOK || len(resp["rooms"].([]any)) != 1 {
		t.Fatalf("bob rooms after accept: status = %d, resp = %v", code, resp)
	}

	// alice posts a message and both see it in append order.
	code, resp = doJSON(t, engine, http.MethodPost, "/api/v1/messages", aliceToken, gin.H{"room_id": roomID, "content": "hi"})
	if code != http.StatusOK {
		t.Fatalf("send message: status = %d, resp = %v", code, resp)
	}

	code, resp = doJSON(t, engine, http.MethodGet, fmt.Sprintf("/api/v1/rooms/%s/messages", roomID), bobToken, nil)
	if code != http.StatusOK {
		t.Fatalf("list messages: status = %d, resp = %v", code, resp)
	}
	msgs := resp["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("list messages: got %d, want 1", len(msgs))
	}
	first := msgs[0].(map[string]any)
	if first["sender"] != "alice" || first["content"] != "hi" {
		t.Errorf("list messages: got %v, want alice/hi", first)
	}
}

func TestSendMessage_NonMemberForbidden(t *testing.T) {
	engine := setupTestServer(t)

	for _, u := range []string{"alice", "mallory"} {
		code, _ := doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": u, "password": u + "-secret"})
		if code != http.StatusOK {
			t.Fatalf("register %s failed", u)
		}
	}
	aliceToken := loginUser(t, engine, "alice", "alice-secret")
	malloryToken := loginUser(t, engine, "mallory", "mallory-secret")

	code, resp := doJSON(t, engine, http.MethodPost, "/api/v1/rooms", aliceToken, gin.H{"name": "private"})
	if code != http.StatusOK {
		t.Fatalf("create room: status = %d", code)
	}
	roomID := resp["room_id"].(string)

	code, _ = doJSON(t, engine, http.MethodPost, "/api/v1/messages", malloryToken, gin.H{"room_id": roomID, "content": "knock knock"})
	if code != http.StatusForbidden {
		t.Fatalf("non-member message: status = %d, want 403", code)
	}

	code, resp = doJSON(t, engine, http.MethodGet, fmt.Sprintf("/api/v1/rooms/%s/messages", roomID), aliceToken, nil)
	if code != http.StatusOK || len(resp["messages"].([]any)) != 0 {
		t.Fatalf("room should have no messages, resp = %v", resp)
	}
}

func TestAuth_RegisterConflictAndTokenRotation(t *testing.T) {
	engine := setupTestServer(t)

	code, _ := doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "secret1"})
	if code != http.StatusOK {
		t.Fatalf("register: status = %d", code)
	}
	code, _ = doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "secret1"})
	if code != http.StatusConflict {
		t.Fatalf("duplicate register: status = %d, want 409", code)
	}

	token1 := loginUser(t, engine, "alice", "secret1")
	token2 := loginUser(t, engine, "alice", "secret1")

	// The first token is dead after the second login.
	code, _ = doJSON(t, engine, http.MethodGet, "/api/v1/rooms", token1, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("stale token: status = %d, want 401", code)
	}
	code, _ = doJSON(t, engine, http.MethodGet, "/api/v1/rooms", token2, nil)
	if code != http.StatusOK {
		t.Fatalf("fresh token: status = %d, want 200", code)
	}
}

func TestWS_ReconnectKeepsUserOnline(t *testing.T) {
	engine := setupTestServer(t)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	code, _ := doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "secret1"})
	if code != http.StatusOK {
		t.Fatalf("register: status = %d", code)
	}
	token := loginUser(t, engine, "alice", "secret1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	// The server closes the replaced connection; wait until the first
	// socket observes that, so its disconnect path has started.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The replaced connection's teardown must not mark the user offline
	// while the second connection is live. Poll past the teardown window.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		code, resp := doJSON(t, engine, http.MethodGet, "/api/v1/users", "", nil)
		if code != http.StatusOK {
			t.Fatalf("list users: status = %d", code)
		}
		user := resp["users"].([]any)[0].(map[string]any)
		if user["online"] != true {
			t.Fatalf("alice reported offline while a live connection exists (poll %d)", i)
		}
	}
}

func TestListUsers_Presence(t *testing.T) {
	engine := setupTestServer(t)

	code, _ := doJSON(t, engine, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": "alice", "password": "secret1"})
	if code != http.StatusOK {
		t.Fatalf("register: status = %d", code)
	}
	token := loginUser(t, engine, "alice", "secret1")

	code, resp := doJSON(t, engine, http.MethodGet, "/api/v1/users", "", nil)
	if code != http.StatusOK {
		t.Fatalf("list users: status = %d", code)
	}
	users := resp["users"].([]any)
	if len(users) != 1 || users[0].(map[string]any)["online"] != true {
		t.Fatalf("list users after login = %v, want alice online", users)
	}

	code, _ = doJSON(t, engine, http.MethodPost, "/api/v1/auth/logout", "", gin.H{"token": token})
	if code != http.StatusOK {
		t.Fatalf("logout: status = %d", code)
	}
	_, resp = doJSON(t, engine, http.MethodGet, "/api/v1/users", "", nil)
	if resp["users"].([]any)[0].(map[string]any)["online"] != false {
		t.Fatal("alice should be offline after logout")
	}
}
