package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"taskbazaar/internal/config"
	"taskbazaar/internal/db"
	"taskbazaar/internal/engine"
	"taskbazaar/internal/migrate"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error %s: %v", data, err)
	}
	return envelope.Error.Code
}

// setup registers a poster, an agent, and an API key, returning auth headers
// for both principals.
func setup(t *testing.T, srv *httptest.Server) (posterHeaders, agentHeaders map[string]string) {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/register",
		map[string]any{"email": "p@example.com", "password": "hunter2hunter2"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/auth/login",
		map[string]any{"email": "p@example.com", "password": "hunter2hunter2"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %s", res.StatusCode, data)
	}
	session := decode[LoginResponse](t, data)
	posterHeaders = map[string]string{"Authorization": "Bearer " + session.Token}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/agents",
		map[string]any{"name": "worker-1"}, posterHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: %d %s", res.StatusCode, data)
	}
	agent := decode[AgentResponse](t, data)

	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/agents/%d/keys", srv.URL, agent.ID),
		map[string]any{"name": "test"}, posterHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue key: %d %s", res.StatusCode, data)
	}
	key := decode[APIKeyResponse](t, data)
	if key.Key == "" {
		t.Fatal("plaintext key missing from issue response")
	}
	agentHeaders = map[string]string{"X-Api-Key": key.Key}
	return posterHeaders, agentHeaders
}

func TestEndToEndLifecycle(t *testing.T) {
	srv := newTestServer(t)
	poster, agent := setup(t, srv)

	withKey := func(h map[string]string, key string) map[string]string {
		out := map[string]string{"Idempotency-Key": key}
		for k, v := range h {
			out[k] = v
		}
		return out
	}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/tasks",
		map[string]any{"title": "scrape prices", "budget": 50}, withKey(poster, "post-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post task: %d %s", res.StatusCode, data)
	}
	task := decode[TaskResponse](t, data)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("browse: %d %s", res.StatusCode, data)
	}
	page := decode[TaskPageResponse](t, data)
	if len(page.Tasks) != 1 || page.Tasks[0].ID != task.ID {
		t.Fatalf("browse page: %+v", page)
	}

	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/claim", srv.URL, task.ID),
		map[string]any{"proposed_credits": 40}, withKey(agent, "claim-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, data)
	}
	claim := decode[ClaimResponse](t, data)
	if claim.Task.Status != "CLAIMED" {
		t.Fatalf("claim status: %+v", claim.Task)
	}

	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/deliver", srv.URL, task.ID),
		map[string]any{"content": "results.csv"}, withKey(agent, "deliver-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliver: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/accept", srv.URL, task.ID),
		map[string]any{}, withKey(poster, "accept-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, data)
	}
	accepted := decode[AcceptResponse](t, data)
	if accepted.Reward.Amount != 50 {
		t.Fatalf("reward: %+v", accepted.Reward)
	}

	// Replaying the accept with the same key returns the same reward.
	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/accept", srv.URL, task.ID),
		map[string]any{}, withKey(poster, "accept-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay accept: %d %s", res.StatusCode, data)
	}
	replay := decode[AcceptResponse](t, data)
	if replay.Reward.ID != accepted.Reward.ID {
		t.Fatalf("replay reward differs: %+v vs %+v", replay.Reward, accepted.Reward)
	}
}

func TestMutationsRequireIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)
	poster, _ := setup(t, srv)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/tasks",
		map[string]any{"title": "no key", "budget": 10}, poster)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != engine.CodeValidationError {
		t.Fatalf("code = %s", code)
	}
}

func TestIdempotencyKeyReuseConflicts(t *testing.T) {
	srv := newTestServer(t)
	poster, _ := setup(t, srv)

	headers := map[string]string{"Idempotency-Key": "shared-key"}
	for k, v := range poster {
		headers[k] = v
	}
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/tasks",
		map[string]any{"title": "first", "budget": 10}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post: %d %s", res.StatusCode, data)
	}
	task := decode[TaskResponse](t, data)

	// Same key, different operation.
	res, data = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/cancel", srv.URL, task.ID),
		nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != engine.CodeIdempotencyConflict {
		t.Fatalf("code = %s", code)
	}
}

func TestAuthBoundaries(t *testing.T) {
	srv := newTestServer(t)
	poster, agent := setup(t, srv)

	// No credentials at all.
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous browse: %d %s", res.StatusCode, data)
	}

	// Agents cannot post tasks.
	headers := map[string]string{"Idempotency-Key": "k1"}
	for k, v := range agent {
		headers[k] = v
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/tasks",
		map[string]any{"title": "nope", "budget": 10}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("agent posting: %d %s", res.StatusCode, data)
	}

	// Posters cannot claim tasks.
	headers = map[string]string{"Idempotency-Key": "k2"}
	for k, v := range poster {
		headers[k] = v
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/tasks/1/claim",
		map[string]any{"proposed_credits": 5}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("poster claiming: %d %s", res.StatusCode, data)
	}

	// Bad API key.
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil,
		map[string]string{"X-Api-Key": "tb_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key: %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != engine.CodeInvalidAPIKey {
		t.Fatalf("code = %s", code)
	}
}

func TestMyAgentsListing(t *testing.T) {
	srv := newTestServer(t)
	poster, agent := setup(t, srv)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/me/agents", nil, poster)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list agents: %d %s", res.StatusCode, data)
	}
	agents := decode[[]AgentResponse](t, data)
	if len(agents) != 1 || agents[0].Name != "worker-1" {
		t.Fatalf("agents = %+v", agents)
	}

	// Agents hold API keys, not sessions; the listing is poster-only.
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/me/agents", nil, agent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("agent listing agents: %d %s", res.StatusCode, data)
	}
}

func TestStaleSessionRejected(t *testing.T) {
	srv := newTestServer(t)
	setup(t, srv)

	// Correctly signed token whose subject was never registered.
	token, err := AuthConfig{JWTSecret: "test-secret"}.IssueToken(999, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/me/agents", nil,
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale session: %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != engine.CodeInvalidCredentials {
		t.Fatalf("code = %s", code)
	}
}

func TestAgentCreditsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	poster, _ := setup(t, srv)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/me/agents", nil, poster)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list agents: %d %s", res.StatusCode, data)
	}
	agents := decode[[]AgentResponse](t, data)
	if len(agents) != 1 {
		t.Fatalf("agents = %+v", agents)
	}

	res, data = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/agents/%d/credits", srv.URL, agents[0].ID), nil, poster)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("credits: %d %s", res.StatusCode, data)
	}
	txs := decode[[]CreditTransactionResponse](t, data)
	if len(txs) != 1 || txs[0].Type != "INITIAL_GRANT" || txs[0].Amount != 100 {
		t.Fatalf("ledger = %+v", txs)
	}
}

func TestWebhookDeliveryAndShutdown(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = append(delivered, r.Header.Get("X-TaskBazaar-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: sink.URL, Events: []string{"user.registered"}}}
	ctx, cancel := context.WithCancel(context.Background())
	handler, err := New(Config{
		Engine:   engine.New(conn, cfg),
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
		Context:  ctx,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		conn.Close()
	})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/register",
		map[string]any{"email": "p@example.com", "password": "hunter2hunter2"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, data)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("webhook delivery never arrived")
		}
		time.Sleep(100 * time.Millisecond)
	}
	mu.Lock()
	got := delivered[0]
	mu.Unlock()
	if got != "user.registered" {
		t.Fatalf("event type = %q", got)
	}

	// Canceling the server context stops the dispatcher.
	cancel()
	time.Sleep(defaultWebhookInterval + 500*time.Millisecond)
	mu.Lock()
	after := len(delivered)
	mu.Unlock()

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/auth/register",
		map[string]any{"email": "q@example.com", "password": "hunter2hunter2"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register after cancel: %d %s", res.StatusCode, data)
	}
	time.Sleep(defaultWebhookInterval + 500*time.Millisecond)
	mu.Lock()
	final := len(delivered)
	mu.Unlock()
	if final != after {
		t.Fatalf("dispatcher still delivering after cancel: %d -> %d", after, final)
	}
}
