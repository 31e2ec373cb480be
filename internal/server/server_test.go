package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"leasepool/internal/config"
	"leasepool/internal/db"
	"leasepool/internal/engine"
	"leasepool/internal/migrate"
	"leasepool/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
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
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
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

func TestClaimLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"key":            "batch-42",
		"payload":        map[string]any{"path": "/data/batch-42"},
		"priority_score": 0.9,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add item: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/claim", map[string]any{
		"agent_id": "worker-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claim.Item == nil || claim.Item.Key != "batch-42" || claim.Item.Owner != "worker-1" {
		t.Fatalf("unexpected claim: %s", string(data))
	}
	if claim.Item.Payload["path"] != "/data/batch-42" {
		t.Fatalf("expected decoded payload, got %v", claim.Item.Payload)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/batch-42/heartbeat", map[string]any{
		"agent_id": "worker-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", res.StatusCode, string(data))
	}
	var hb HeartbeatResponse
	_ = json.Unmarshal(data, &hb)
	if !hb.Held {
		t.Fatalf("expected lease held: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/batch-42/complete", map[string]any{
		"agent_id": "worker-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var completed ItemResponse
	_ = json.Unmarshal(data, &completed)
	if completed.Status != "completed" {
		t.Fatalf("expected completed, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var report StatusResponse
	_ = json.Unmarshal(data, &report)
	if report.Counts["completed"] != 1 {
		t.Fatalf("expected one completed item: %s", string(data))
	}
}

func TestClaimEmptyPool(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/claim", map[string]any{
		"agent_id": "worker-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim on empty pool: %d %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if claim.Item != nil {
		t.Fatalf("expected null item, got %s", string(data))
	}
}

func TestOwnershipMismatchEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{"key": "job-1"}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/claim", map[string]any{"agent_id": "worker-1"}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/job-1/complete", map[string]any{
		"agent_id": "worker-2",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "ownership_mismatch" {
		t.Fatalf("expected ownership_mismatch, got %s", string(data))
	}
	if envelope.Error.Details["key"] != "job-1" || envelope.Error.Details["agent_id"] != "worker-2" {
		t.Fatalf("expected details, got %s", string(data))
	}
}

func TestExplicitClaimConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{"key": "job-1"}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/job-1/claim", map[string]any{"agent_id": "worker-1"}, nil)

	// fresh lease, second claimant is refused
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/job-1/claim", map[string]any{
		"agent_id": "worker-2",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "not_claimable" {
		t.Fatalf("expected not_claimable, got %s", string(data))
	}
}

func TestAddItemValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"priority_score": 1,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key, got %d %s", res.StatusCode, string(data))
	}
}

func TestItemPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for _, key := range []string{"a", "b", "c"} {
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{"key": key}, nil)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var page paginatedItems
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	var rest paginatedItems
	_ = json.Unmarshal(data, &rest)
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("expected final page of 1: %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	// health stays open
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Require: true})
	defer cleanup()
	client := srv.Client()

	plaintext := "lpk_testkey"
	if _, err := srv.Engine.Repo.InsertAPIKey(context.Background(), "ci", repo.HashAPIKey(plaintext)); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"X-Api-Key": plaintext,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"X-Api-Key": "lpk_wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d %s", res.StatusCode, string(data))
	}
}

func TestSweepEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{"key": "job-1"}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/claim", map[string]any{"agent_id": "worker-1"}, nil)

	// the lease was just renewed, so even a short cutoff reclaims nothing
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sweep", map[string]any{
		"timeout_seconds": 60,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", res.StatusCode, string(data))
	}
	var swept SweepResponse
	_ = json.Unmarshal(data, &swept)
	if swept.Reclaimed != 0 {
		t.Fatalf("expected nothing reclaimed: %s", string(data))
	}
}
