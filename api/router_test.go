package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/auth"
	"scuffedchat/bus"
	"scuffedchat/database"
	"scuffedchat/delivery"
	"scuffedchat/friends"
	"scuffedchat/handlers"
	"scuffedchat/models"
	"scuffedchat/presence"
)

const testNode = "test-node"

type testServer struct {
	*httptest.Server
	store *database.Store
	ws    *handlers.WebSocketHandler
}

// newTestServer wires the whole service on sqlite, a local bus and the
// given registry (an in-memory one when newRegistry is nil)
func newTestServer(t *testing.T, newRegistry func(store *database.Store) presence.Registry, staticDir string) *testServer {
	t.Helper()
	ctx := context.Background()

	store, err := database.Open(ctx, database.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var registry presence.Registry = presence.NewMemoryRegistry(store, nil)
	if newRegistry != nil {
		registry = newRegistry(store)
	}

	b := bus.NewLocalBus()
	hub := delivery.NewHub(testNode, nil)
	require.NoError(t, b.Subscribe(testNode, hub.Deliver))
	router := delivery.NewRouter(store, registry, b, nil)

	tokens := auth.NewTokenService("test-secret", time.Hour)
	ws := handlers.NewWebSocketHandler(tokens, registry, hub, router, handlers.WebSocketConfig{}, nil)

	srv := httptest.NewServer(NewRouter(Deps{
		Auth:           handlers.NewAuthHandler(store, tokens, nil, nil, false, nil),
		Friends:        handlers.NewFriendHandler(friends.NewService(store, registry, router, nil), nil),
		Messages:       handlers.NewMessageHandler(store, router, registry, nil),
		WebSocket:      ws,
		Authenticator:  tokens,
		AllowedOrigins: []string{"*"},
		StaticDir:      staticDir,
	}))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, store: store, ws: ws}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

type account struct {
	ID    int64
	Token string
}

func (s *testServer) register(t *testing.T, username string) account {
	t.Helper()
	status, body := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    username + "@example.com",
		"username": username,
		"password": "password1",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var resp struct {
		Token string              `json:"token"`
		User  models.UserResponse `json:"user"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return account{ID: resp.User.ID, Token: resp.Token}
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until one of type want arrives
func readUntil(t *testing.T, conn *websocket.Conn, want string) models.InboundEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var ev models.InboundEvent
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", want)
		if ev.Type == want {
			return ev
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.Event{Type: eventType, Payload: payload}))
}

func userIDs(t *testing.T, body []byte) []int64 {
	t.Helper()
	var users []models.UserResponse
	require.NoError(t, json.Unmarshal(body, &users))
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}

func TestAliceBobScenario(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	status, body := s.do(t, http.MethodPost, "/api/friends/send", alice.Token, map[string]int64{"receiverId": bob.ID})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.do(t, http.MethodGet, "/api/friends/pending", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []int64{alice.ID}, userIDs(t, body))

	status, body = s.do(t, http.MethodPost, "/api/friends/respond", bob.Token, map[string]interface{}{
		"requestId": alice.ID,
		"action":    "accept",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	_, body = s.do(t, http.MethodGet, "/api/friends/list", alice.Token, nil)
	assert.Equal(t, []int64{bob.ID}, userIDs(t, body))
	_, body = s.do(t, http.MethodGet, "/api/friends/list", bob.Token, nil)
	assert.Equal(t, []int64{alice.ID}, userIDs(t, body))
	for _, a := range []account{alice, bob} {
		_, body = s.do(t, http.MethodGet, "/api/friends/pending", a.Token, nil)
		assert.Empty(t, userIDs(t, body))
	}

	aliceConn := s.dial(t, alice.Token)
	bobConn := s.dial(t, bob.Token)

	ev := readUntil(t, aliceConn, models.EventUserOnline)
	var online models.PresenceChange
	require.NoError(t, json.Unmarshal(ev.Payload, &online))
	assert.Equal(t, bob.ID, online.UserID)

	_, body = s.do(t, http.MethodGet, "/api/friends/list", alice.Token, nil)
	var list []models.UserResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.True(t, list[0].Online)

	send(t, aliceConn, models.EventPrivateMessage, models.PrivateMessageIn{Content: "hi", To: bob.ID})
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		ev := readUntil(t, conn, models.EventPrivateMessage)
		var msg models.Message
		require.NoError(t, json.Unmarshal(ev.Payload, &msg))
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, alice.ID, msg.SenderID)
		assert.NotZero(t, msg.ID)
	}

	require.NoError(t, bobConn.Close())
	ev = readUntil(t, aliceConn, models.EventUserOffline)
	var offline models.PresenceChange
	require.NoError(t, json.Unmarshal(ev.Payload, &offline))
	assert.Equal(t, bob.ID, offline.UserID)
	require.NotNil(t, offline.LastSeen)

	send(t, aliceConn, models.EventGetMessages, models.GetMessagesIn{WithUserID: bob.ID})
	ev = readUntil(t, aliceConn, models.EventMessagesLoaded)
	var messages []models.Message
	require.NoError(t, json.Unmarshal(ev.Payload, &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)

	// bob's fetch marks alice's message read and tells alice.
	status, body = s.do(t, http.MethodGet, "/api/messages/"+strconv.FormatInt(alice.ID, 10), bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &messages))
	require.Len(t, messages, 1)
	ev = readUntil(t, aliceConn, models.EventMessagesRead)
	var reader models.UserRef
	require.NoError(t, json.Unmarshal(ev.Payload, &reader))
	assert.Equal(t, bob.ID, reader.UserID)

	_, body = s.do(t, http.MethodGet, "/api/messages/"+strconv.FormatInt(alice.ID, 10), bob.Token, nil)
	require.NoError(t, json.Unmarshal(body, &messages))
	assert.True(t, messages[0].Read)
}

func TestFriendEndpointErrors(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		want   int
	}{
		{"no token", http.MethodGet, "/api/friends/list", "", nil, http.StatusUnauthorized},
		{"send without target", http.MethodPost, "/api/friends/send", alice.Token, map[string]string{}, http.StatusBadRequest},
		{"send to self", http.MethodPost, "/api/friends/send", alice.Token, map[string]int64{"receiverId": alice.ID}, http.StatusBadRequest},
		{"send to unknown", http.MethodPost, "/api/friends/send", alice.Token, map[string]string{"identifier": "nobody@example.com"}, http.StatusNotFound},
		{"send by identifier", http.MethodPost, "/api/friends/send", alice.Token, map[string]string{"identifier": "BOB@example.com"}, http.StatusOK},
		{"duplicate", http.MethodPost, "/api/friends/send", alice.Token, map[string]int64{"receiverId": bob.ID}, http.StatusBadRequest},
		{"bad action", http.MethodPost, "/api/friends/respond", bob.Token, map[string]interface{}{"requestId": alice.ID, "action": "maybe"}, http.StatusBadRequest},
		{"respond to own request", http.MethodPost, "/api/friends/respond", alice.Token, map[string]interface{}{"requestId": bob.ID, "action": "accept"}, http.StatusForbidden},
		{"cancel", http.MethodPost, "/api/friends/cancel", alice.Token, map[string]int64{"receiverId": bob.ID}, http.StatusOK},
		{"respond after cancel", http.MethodPost, "/api/friends/respond", bob.Token, map[string]interface{}{"requestId": alice.ID, "action": "accept"}, http.StatusNotFound},
		{"cancel again", http.MethodPost, "/api/friends/cancel", alice.Token, map[string]int64{"receiverId": bob.ID}, http.StatusBadRequest},
		{"cancel unknown user", http.MethodPost, "/api/friends/cancel", alice.Token, map[string]int64{"receiverId": bob.ID + 1000}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, status, string(body))
			if status >= 400 {
				assert.Contains(t, string(body), `"error"`)
			}
		})
	}
}

func TestSearchStatus(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	status, _ := s.do(t, http.MethodPost, "/api/friends/send", alice.Token, map[string]int64{"receiverId": bob.ID})
	require.Equal(t, http.StatusOK, status)

	_, body := s.do(t, http.MethodGet, "/api/friends/search?q=bo", alice.Token, nil)
	var results []models.SearchResult
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results, 1)
	assert.Equal(t, models.FriendStatusPending, results[0].Status)

	_, body = s.do(t, http.MethodGet, "/api/friends/search", alice.Token, nil)
	assert.JSONEq(t, `[]`, string(body))
}

func TestAuthEndpoints(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")

	status, _ := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "alice@example.com", "username": "alice2", "password": "password1",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"phone": "+15550100", "username": "alice", "password": "password1",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"identifier": "alice", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ALICE@example.com", "password": "password1",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.do(t, http.MethodPut, "/api/auth/update-profile", alice.Token, map[string]string{
		"status": "busy",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = s.do(t, http.MethodGet, "/api/auth/me", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var me models.UserResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "busy", me.Status)
	assert.Equal(t, alice.ID, me.ID)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	s := newTestServer(t, nil, "")
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketFailsClosedWithoutPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	s := newTestServer(t, func(store *database.Store) presence.Registry {
		return presence.NewRedisRegistry(client, store, nil)
	}, "")
	alice := s.register(t, "alice")

	mr.Close()

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + alice.Token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketInboundErrors(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")
	conn := s.dial(t, alice.Token)

	send(t, conn, models.EventPrivateMessage, models.PrivateMessageIn{Content: "   ", To: alice.ID + 100})
	ev := readUntil(t, conn, models.EventError)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, models.EventPrivateMessage, payload.Event)
	assert.NotEmpty(t, payload.Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	readUntil(t, conn, models.EventError)

	send(t, conn, "dance", nil)
	ev = readUntil(t, conn, models.EventError)
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "dance", payload.Event)

	// The connection is still usable.
	send(t, conn, models.EventGetMessages, models.GetMessagesIn{WithUserID: alice.ID + 1})
	readUntil(t, conn, models.EventMessagesLoaded)
}

func TestMultiDeviceStaysOnline(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	aliceConn := s.dial(t, alice.Token)
	phone := s.dial(t, bob.Token)
	readUntil(t, aliceConn, models.EventUserOnline)
	laptop := s.dial(t, bob.Token)

	// Typing reaches both of bob's devices.
	send(t, aliceConn, models.EventTyping, models.TypingIn{To: bob.ID})
	readUntil(t, phone, models.EventUserTyping)
	readUntil(t, laptop, models.EventUserTyping)

	require.NoError(t, laptop.Close())
	send(t, aliceConn, models.EventPrivateMessage, models.PrivateMessageIn{Content: "still there?", To: bob.ID})
	readUntil(t, phone, models.EventPrivateMessage)

	// No offline event while the phone stays connected: the next event
	// alice sees is her own echo.
	aliceConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev models.InboundEvent
	require.NoError(t, aliceConn.ReadJSON(&ev))
	assert.Equal(t, models.EventPrivateMessage, ev.Type)
}

func TestShutdownClosesSessions(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")
	conn := s.dial(t, alice.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.ws.Shutdown(ctx))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>chat</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o600))
	s := newTestServer(t, nil, dir)

	status, body := s.do(t, http.MethodGet, "/app.js", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "console.log(1)", string(body))

	status, body = s.do(t, http.MethodGet, "/chat/42", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "chat")

	status, _ = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestStaticContentType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>chat</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.css"), []byte("body{}"), 0o600))
	s := newTestServer(t, nil, dir)

	for path, want := range map[string]string{
		"/app.css": "text/css",
		"/":        "text/html",
		"/friends": "text/html",
	} {
		resp, err := http.Get(s.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), want), "%s: %s", path, resp.Header.Get("Content-Type"))
	}
}

func TestRESTMessaging(t *testing.T) {
	s := newTestServer(t, nil, "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	bobConn := s.dial(t, bob.Token)

	status, body := s.do(t, http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{
		"receiverId": bob.ID,
		"content":    "  hello over rest  ",
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var sent models.Message
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "hello over rest", sent.Content)

	ev := readUntil(t, bobConn, models.EventPrivateMessage)
	var pushed models.Message
	require.NoError(t, json.Unmarshal(ev.Payload, &pushed))
	assert.Equal(t, sent.ID, pushed.ID)

	status, _ = s.do(t, http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{
		"receiverId": bob.ID + 100,
		"content":    "anyone?",
	})
	assert.Equal(t, http.StatusNotFound, status)

	_, body = s.do(t, http.MethodGet, "/api/messages/conversations", bob.Token, nil)
	var conversations []models.Conversation
	require.NoError(t, json.Unmarshal(body, &conversations))
	require.Len(t, conversations, 1)
	assert.Equal(t, alice.ID, conversations[0].User.ID)
	assert.Equal(t, 1, conversations[0].UnreadCount)

	bobID := strconv.FormatInt(bob.ID, 10)
	aliceID := strconv.FormatInt(alice.ID, 10)
	status, _ = s.do(t, http.MethodPost, "/api/messages/"+aliceID+"/read", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodPost, "/api/messages/"+aliceID+"/read", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)

	_, body = s.do(t, http.MethodGet, "/api/messages/"+bobID, alice.Token, nil)
	var messages []models.Message
	require.NoError(t, json.Unmarshal(body, &messages))
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Read)

	_, body = s.do(t, http.MethodGet, "/api/messages/"+strconv.FormatInt(bob.ID+100, 10), alice.Token, nil)
	assert.JSONEq(t, `[]`, string(body))
}
