package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"thrive/internal/auth"
	"thrive/internal/config"
	"thrive/internal/service/account"
	"thrive/internal/service/conversation"
	"thrive/internal/storage"
)

type summaryBody struct {
	User struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	LastMessage *struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	} `json:"last_message"`
	UnreadCount int `json:"unread_count"`
}

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db := newTestServer(t, "")
	defer db.Close()

	aliceID, alice := registerAndLogin(t, router, "alice")
	bobID, bob := registerAndLogin(t, router, "bob")

	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/messages", map[string]any{
		"recipient_id": bobID,
		"content":      "hello",
	}, alice)
	assertStatus(t, sendResp, http.StatusCreated)
	var sent struct {
		Message struct {
			ID     int64 `json:"id"`
			IsRead bool  `json:"is_read"`
			Sender struct {
				ID int64 `json:"id"`
			} `json:"sender"`
		} `json:"message"`
	}
	decodeJSON(t, sendResp.Body.Bytes(), &sent)
	if sent.Message.ID == 0 || sent.Message.IsRead || sent.Message.Sender.ID != aliceID {
		t.Fatalf("unexpected send response: %s", sendResp.Body.String())
	}
	if strings.Contains(sendResp.Body.String(), "email") || strings.Contains(sendResp.Body.String(), "password") {
		t.Fatalf("message projections leak private fields: %s", sendResp.Body.String())
	}

	conversations := listConversations(t, router, bob)
	if len(conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(conversations))
	}
	if conversations[0].User.ID != aliceID || conversations[0].LastMessage.Content != "hello" || conversations[0].UnreadCount != 1 {
		t.Fatalf("unexpected conversation summary: %+v", conversations[0])
	}

	threadResp := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/messages/%d", aliceID), nil, bob)
	assertStatus(t, threadResp, http.StatusOK)
	var thread struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
		OtherUser struct {
			ID int64 `json:"id"`
		} `json:"other_user"`
	}
	decodeJSON(t, threadResp.Body.Bytes(), &thread)
	if len(thread.Messages) != 1 || thread.Messages[0].Content != "hello" || thread.OtherUser.ID != aliceID {
		t.Fatalf("unexpected thread: %s", threadResp.Body.String())
	}

	conversations = listConversations(t, router, bob)
	if conversations[0].UnreadCount != 0 {
		t.Fatalf("expected unread count reset after opening thread, got %d", conversations[0].UnreadCount)
	}
}

func TestSendMessageErrors(t *testing.T) {
	router, db := newTestServer(t, "")
	defer db.Close()
	aliceID, alice := registerAndLogin(t, router, "alice")

	cases := []struct {
		name string
		body any
		want int
		kind string
	}{
		{"self", map[string]any{"recipient_id": aliceID, "content": "x"}, http.StatusBadRequest, "validation"},
		{"empty", map[string]any{"recipient_id": aliceID + 1, "content": "  "}, http.StatusBadRequest, "validation"},
		{"missing recipient", map[string]any{"recipient_id": aliceID + 100, "content": "hi"}, http.StatusNotFound, "not_found"},
		{"bad body", "not an object", http.StatusBadRequest, "validation"},
	}
	for _, tc := range cases {
		rec := doJSONRequest(t, router, http.MethodPost, "/api/messages", tc.body, alice)
		if rec.Code != tc.want {
			t.Fatalf("%s: want %d got %d (%s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
		var body struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		decodeJSON(t, rec.Body.Bytes(), &body)
		if body.Kind != tc.kind || body.Error == "" {
			t.Fatalf("%s: unexpected error body %s", tc.name, rec.Body.String())
		}
	}
}

func TestStorageFailureBodyIsGeneric(t *testing.T) {
	router, db := newTestServer(t, "")
	defer db.Close()
	_, alice := registerAndLogin(t, router, "alice")
	bobID, _ := registerAndLogin(t, router, "bob")

	if _, err := db.Exec(`CREATE TRIGGER messages_offline BEFORE INSERT ON messages
		BEGIN SELECT RAISE(ABORT, 'messages offline'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	rec := doJSONRequest(t, router, http.MethodPost, "/api/messages",
		map[string]any{"recipient_id": bobID, "content": "hi"}, alice)
	assertStatus(t, rec, http.StatusInternalServerError)
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Error != "internal server error" || body.Kind != "storage" {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "insert") || strings.Contains(rec.Body.String(), "offline") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestMarkAsReadRoute(t *testing.T) {
	router, db := newTestServer(t, "")
	defer db.Close()
	_, alice := registerAndLogin(t, router, "alice")
	bobID, bob := registerAndLogin(t, router, "bob")

	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/messages", map[string]any{
		"recipient_id": bobID,
		"content":      "ping",
	}, alice)
	assertStatus(t, sendResp, http.StatusCreated)
	var sent struct {
		Message struct {
			ID int64 `json:"id"`
		} `json:"message"`
	}
	decodeJSON(t, sendResp.Body.Bytes(), &sent)
	path := fmt.Sprintf("/api/messages/%d/read", sent.Message.ID)

	assertStatus(t, doJSONRequest(t, router, http.MethodPatch, path, nil, alice), http.StatusForbidden)
	for i := 0; i < 2; i++ {
		rec := doJSONRequest(t, router, http.MethodPatch, path, nil, bob)
		assertStatus(t, rec, http.StatusOK)
		var body struct {
			Message struct {
				IsRead bool `json:"is_read"`
			} `json:"message"`
		}
		decodeJSON(t, rec.Body.Bytes(), &body)
		if !body.Message.IsRead {
			t.Fatalf("expected message marked read")
		}
	}
	assertStatus(t, doJSONRequest(t, router, http.MethodPatch, "/api/messages/999999/read", nil, bob), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodPatch, "/api/messages/abc/read", nil, bob), http.StatusBadRequest)
}

func TestAuthFlow(t *testing.T) {
	router, db := newTestServer(t, "")
	defer db.Close()

	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/auth/me", nil, nil), http.StatusUnauthorized)

	_, headers := registerAndLogin(t, router, "carol")
	dup := doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    "carol@example.com",
		"password": "secret123",
		"name":     "Carol again",
	}, nil)
	assertStatus(t, dup, http.StatusConflict)

	bad := doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "carol@example.com",
		"password": "wrong-password",
	}, nil)
	assertStatus(t, bad, http.StatusUnauthorized)

	meResp := doJSONRequest(t, router, http.MethodGet, "/api/auth/me", nil, headers)
	assertStatus(t, meResp, http.StatusOK)
	var me struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		Profile struct {
			IllnessTags []string `json:"illness_tags"`
		} `json:"profile"`
	}
	decodeJSON(t, meResp.Body.Bytes(), &me)
	if me.User.Email != "carol@example.com" {
		t.Fatalf("unexpected me response: %s", meResp.Body.String())
	}
	if strings.Contains(meResp.Body.String(), "password") {
		t.Fatalf("password hash must not be serialised")
	}

	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/auth/logout", nil, headers), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/auth/me", nil, headers), http.StatusUnauthorized)
}

func TestCookieAuthRequiresCSRF(t *testing.T) {
	router, db := newTestServer(t, "")
	defer db.Close()

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    "dana@example.com",
		"password": "secret123",
		"name":     "Dana",
	}, nil)
	assertStatus(t, loginResp, http.StatusCreated)
	var authCookie, csrfCookie *http.Cookie
	for _, ck := range loginResp.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil {
		t.Fatalf("expected auth and csrf cookies")
	}

	cookieHeader := fmt.Sprintf("%s=%s; %s=%s", authCookie.Name, authCookie.Value, csrfCookie.Name, csrfCookie.Value)
	// reads pass with the cookie alone
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/messages/conversations", nil,
		map[string]string{"Cookie": cookieHeader}), http.StatusOK)
	// writes need the header echo
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/auth/logout", nil,
		map[string]string{"Cookie": cookieHeader}), http.StatusForbidden)
	assertStatus(t, doJSONRequest(t, router, http.MethodPost, "/api/auth/logout", nil,
		map[string]string{"Cookie": cookieHeader, "X-CSRF-Token": csrfCookie.Value}), http.StatusNoContent)
}

func TestUsersRoutes(t *testing.T) {
	router, db := newTestServer(t, "")
	defer db.Close()
	viewerID, viewer := registerAndLogin(t, router, "viewer")
	otherID, _ := registerAndLogin(t, router, "someone")

	listResp := doJSONRequest(t, router, http.MethodGet, "/api/users?search=some", nil, viewer)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Users []struct {
			ID int64 `json:"id"`
		} `json:"users"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Users) != 1 || list.Users[0].ID != otherID {
		t.Fatalf("unexpected users: %s", listResp.Body.String())
	}
	if strings.Contains(listResp.Body.String(), "email") {
		t.Fatalf("user discovery must not expose email")
	}

	assertStatus(t, doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/users/%d", viewerID), nil, viewer), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/users/424242", nil, viewer), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/messages/424242", nil, viewer), http.StatusNotFound)
}

func TestHealthAndFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	router, db := newTestServer(t, dir)
	defer db.Close()

	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/health", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, router, http.MethodGet, "/api/nope", nil, nil), http.StatusNotFound)

	page := doJSONRequest(t, router, http.MethodGet, "/messages/7", nil, nil)
	assertStatus(t, page, http.StatusOK)
	if !strings.Contains(page.Body.String(), "app") {
		t.Fatalf("expected index.html for client route, got %s", page.Body.String())
	}
}

func newTestServer(t *testing.T, staticDir string) (*gin.Engine, *storage.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
		Auth: config.AuthConfig{JWTSecret: "handler-test-secret-123"},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	accounts := account.NewService(db, nil)
	authSvc := auth.NewService(db, nil, accounts, cfg.Auth, nil)
	conversations := conversation.NewService(db, accounts, nil)
	handler := NewHandler(accounts, authSvc, conversations, nil)

	router := NewRouter(handler, config.BasicConfig{StaticDir: staticDir}, nil)
	return router, db
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func listConversations(t *testing.T, router *gin.Engine, headers map[string]string) []summaryBody {
	t.Helper()
	rec := doJSONRequest(t, router, http.MethodGet, "/api/messages/conversations", nil, headers)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Conversations []summaryBody `json:"conversations"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	return body.Conversations
}

func registerAndLogin(t *testing.T, router *gin.Engine, name string) (int64, map[string]string) {
	t.Helper()
	email := fmt.Sprintf("%s@example.com", name)
	password := "secret123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    email,
		"password": password,
		"name":     name,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		User struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		Token string `json:"token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.Token == "" {
		t.Fatalf("expected auth token after login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.Token)}
	return regBody.User.ID, authHeader
}
