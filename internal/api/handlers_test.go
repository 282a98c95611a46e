package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"storyweave/internal/auth"
	"storyweave/internal/config"
	"storyweave/internal/gateway"
	"storyweave/internal/models"
	"storyweave/internal/realtime"
	"storyweave/internal/responder"
	"storyweave/internal/service/ai"
	"storyweave/internal/service/history"
	"storyweave/internal/service/scenario"
	"storyweave/internal/session"
	"storyweave/internal/storage"
)

// loopbackGateway short-circuits the HTTP hop and drives the responder
// directly, the way a loopback deployment would.
type loopbackGateway struct {
	responder *responder.Service
}

func (g *loopbackGateway) SendChat(ctx context.Context, instanceID int64, userMessage string, mode models.Mode, hist []*models.Message) error {
	return g.responder.Accept(ctx, gateway.ChatRequest{
		InstanceID:          instanceID,
		UserMessage:         userMessage,
		MessageMode:         mode,
		ConversationHistory: hist,
	})
}

func (g *loopbackGateway) Initialize(ctx context.Context, instanceID int64) error {
	return g.responder.Initialize(ctx, instanceID)
}

type fakeTransport struct {
	ch chan realtime.TransportMessage
}

func (t *fakeTransport) Subscribe(context.Context, string) (<-chan realtime.TransportMessage, error) {
	return t.ch, nil
}

type memFlags struct {
	mu    sync.Mutex
	flags map[int64]bool
}

func (f *memFlags) Streamed(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[id], nil
}

func (f *memFlags) MarkStreamed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[id] = true
	return nil
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(0, 0) }
func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

type testEnv struct {
	router  *gin.Engine
	db      *sql.DB
	history *history.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// a second pool connection would see its own empty in-memory db
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	scenarios := scenario.NewService(db)
	hist := history.NewService(db)
	authService := auth.NewService(db, time.Hour)
	resp := responder.NewService(scenarios, hist, ai.NewOfflineGenerator(), realtime.NewPublisher(nil))

	sessions := session.NewManager(session.Config{
		Store:     hist,
		Instances: scenarios,
		Gateway:   &loopbackGateway{responder: resp},
		Transport: &fakeTransport{ch: make(chan realtime.TransportMessage, 16)},
		Flags:     &memFlags{flags: make(map[int64]bool)},
		Clock:     instantClock{},
		SubOptions: realtime.Options{
			HealthInterval: 50 * time.Millisecond,
			IdleThreshold:  time.Nanosecond,
			ErrorDebounce:  10 * time.Millisecond,
			RetryDelay:     20 * time.Millisecond,
		},
	})
	t.Cleanup(sessions.CloseAll)

	handlers := NewHandler(scenarios, hist, authService, sessions, resp, 100, 100)
	router := gin.New()
	handlers.RegisterRoutes(router)
	return &testEnv{router: router, db: db, history: hist}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
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
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// registerAndLogin creates a user and returns its bearer token.
func (e *testEnv) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "pw"}
	if w := e.request(t, http.MethodPost, "/api/users/register", "", creds); w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	w := e.request(t, http.MethodPost, "/api/users/login", "", creds)
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		AuthToken string `json:"auth_token"`
	}
	decode(t, w, &resp)
	if resp.AuthToken == "" {
		t.Fatalf("missing auth token")
	}
	return resp.AuthToken
}

func (e *testEnv) createPlaythrough(t *testing.T, token string) int64 {
	t.Helper()
	w := e.request(t, http.MethodPost, "/api/scenarios", token, map[string]string{
		"title":          "The Lighthouse",
		"description":    "A storm closes in.",
		"opening_prompt": "Waves crash against the rocks.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create scenario: %d %s", w.Code, w.Body.String())
	}
	var sc models.Scenario
	decode(t, w, &sc)

	w = e.request(t, http.MethodPost, fmt.Sprintf("/api/scenarios/%d/instances", sc.ID), token, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create instance: %d %s", w.Code, w.Body.String())
	}
	var inst models.ScenarioInstance
	decode(t, w, &inst)
	return inst.ID
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	if w := env.request(t, http.MethodGet, "/api/scenarios", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := env.request(t, http.MethodGet, "/api/scenarios", "bogus-token", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestOpenSeedsAndReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "dora")
	instanceID := env.createPlaythrough(t, token)

	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/instances/%d/open", instanceID), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("open: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
		Typing   bool             `json:"typing"`
	}
	decode(t, w, &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Type != models.TypeNarration {
		t.Fatalf("expected seeded opening narration, got %+v", resp.Messages)
	}
	if resp.Typing {
		t.Fatalf("typing should be off at open")
	}
}

func TestSendMessageRunsTurn(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "erin")
	instanceID := env.createPlaythrough(t, token)

	if w := env.request(t, http.MethodPost, fmt.Sprintf("/api/instances/%d/open", instanceID), token, nil); w.Code != http.StatusOK {
		t.Fatalf("open: %d %s", w.Code, w.Body.String())
	}
	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/instances/%d/send", instanceID), token,
		map[string]string{"content": "I climb the stairs"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("send: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Message models.Message `json:"message"`
	}
	decode(t, w, &resp)
	if !resp.Message.Pending() {
		t.Fatalf("send should return the optimistic copy, got id %d", resp.Message.ID)
	}

	// the responder persists user, reply and narration rows
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, count, err := env.history.FetchAll(context.Background(), instanceID)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if count >= 4 { // opening + user + reply + narration
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never completed, %d rows", count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = env.request(t, http.MethodGet, fmt.Sprintf("/api/instances/%d/messages", instanceID), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("messages: %d %s", w.Code, w.Body.String())
	}
	var listResp struct {
		Messages []models.Message `json:"messages"`
		Count    int              `json:"count"`
	}
	decode(t, w, &listResp)
	if listResp.Count < 4 {
		t.Fatalf("expected full turn persisted, got %d", listResp.Count)
	}
}

func TestSendRejectsBlankMessage(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "finn")
	instanceID := env.createPlaythrough(t, token)

	if w := env.request(t, http.MethodPost, fmt.Sprintf("/api/instances/%d/open", instanceID), token, nil); w.Code != http.StatusOK {
		t.Fatalf("open: %d", w.Code)
	}
	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/instances/%d/send", instanceID), token,
		map[string]string{"content": "   "})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected send failure, got %d", w.Code)
	}
}

func TestInstanceOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t)
	owner := env.registerAndLogin(t, "gina")
	intruder := env.registerAndLogin(t, "hank")
	instanceID := env.createPlaythrough(t, owner)

	w := env.request(t, http.MethodGet, fmt.Sprintf("/api/instances/%d", instanceID), intruder, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign instance, got %d", w.Code)
	}
	w = env.request(t, http.MethodPost, fmt.Sprintf("/api/instances/%d/open", instanceID), intruder, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected open rejection, got %d", w.Code)
	}
}

func TestSkipWithoutSessionConflicts(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "iris")
	instanceID := env.createPlaythrough(t, token)

	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/instances/%d/skip-all", instanceID), token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without open session, got %d", w.Code)
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	limited := newLimiterPool(0.0001, 1)
	if !limited.allow(1) {
		t.Fatalf("first request should pass")
	}
	if limited.allow(1) {
		t.Fatalf("second request should be limited")
	}
	// a different user has its own bucket
	if !limited.allow(2) {
		t.Fatalf("other users must not share the bucket")
	}
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("go_goroutines")) {
		t.Fatalf("metrics output missing standard collectors")
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.registerAndLogin(t, "jack")

	if w := env.request(t, http.MethodPost, "/api/users/logout", token, nil); w.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", w.Code)
	}
	if w := env.request(t, http.MethodGet, "/api/scenarios", token, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token still valid: %d", w.Code)
	}
}
