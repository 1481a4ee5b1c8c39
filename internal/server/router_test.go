package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/auth"
	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog/synclogtest"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testServer struct {
	url    string
	issuer *auth.TokenIssuer
	log    synclog.Log
	events *EventHub
	relay  *Relay
}

type testServerOptions struct {
	log      synclog.Log
	limiters *RateLimiters
	relay    *Relay
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "memex-sync",
		Audience:      "memex-sync-devices",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	log := options.log
	if log == nil {
		log = synclog.NewMemoryLog(time.Now)
	}
	relay := options.relay
	if relay == nil {
		relay = NewRelay(RelayConfig{PairTimeout: 5 * time.Second})
	}
	events := NewEventHub()
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   issuer,
		Log:      log,
		Events:   events,
		Relay:    relay,
		Limiters: options.limiters,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{url: server.URL, issuer: issuer, log: log, events: events, relay: relay}
}

func (s *testServer) token(t *testing.T, userID, deviceID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueDeviceToken(context.Background(), userID, deviceID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) remoteLog(t *testing.T, userID string) *synclog.RemoteLog {
	t.Helper()
	remote, err := synclog.NewRemoteLog(synclog.RemoteConfig{BaseURL: s.url, AccessToken: s.token(t, userID, "")})
	if err != nil {
		t.Fatalf("failed to build remote log: %v", err)
	}
	return remote
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, s.url+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

// usersRemoteLog routes every call through a RemoteLog authenticated as the call's user.
type usersRemoteLog struct {
	t      *testing.T
	server *testServer

	mu    sync.Mutex
	users map[string]*synclog.RemoteLog
}

func (u *usersRemoteLog) forUser(userID string) *synclog.RemoteLog {
	u.mu.Lock()
	defer u.mu.Unlock()
	remote, ok := u.users[userID]
	if !ok {
		remote = u.server.remoteLog(u.t, userID)
		u.users[userID] = remote
	}
	return remote
}

func (u *usersRemoteLog) CreateDeviceID(ctx context.Context, registration synclog.DeviceRegistration) (string, error) {
	return u.forUser(registration.UserID).CreateDeviceID(ctx, registration)
}

func (u *usersRemoteLog) GetDeviceInfo(ctx context.Context, userID, deviceID string) (synclog.Device, error) {
	return u.forUser(userID).GetDeviceInfo(ctx, userID, deviceID)
}

func (u *usersRemoteLog) ListDevices(ctx context.Context, userID string) ([]synclog.Device, error) {
	return u.forUser(userID).ListDevices(ctx, userID)
}

func (u *usersRemoteLog) WriteEntries(ctx context.Context, userID string, entries []synclog.EntryInput) ([]synclog.Entry, error) {
	return u.forUser(userID).WriteEntries(ctx, userID, entries)
}

func (u *usersRemoteLog) GetEntriesCreatedAfter(ctx context.Context, userID string, sharedOn int64, options synclog.QueryOptions) ([]synclog.Entry, error) {
	return u.forUser(userID).GetEntriesCreatedAfter(ctx, userID, sharedOn, options)
}

func TestRemoteLogContractOverHTTP(t *testing.T) {
	synclogtest.RunLogContract(t, func(t *testing.T, clock func() time.Time) synclog.Log {
		server := newTestServer(t, testServerOptions{log: synclog.NewMemoryLog(clock)})
		return &usersRemoteLog{t: t, server: server, users: make(map[string]*synclog.RemoteLog)}
	})
}

func TestHealthzIsPublicAndEchoesRequestID(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	request, err := http.NewRequest(http.MethodGet, server.url+"/healthz", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set(requestIDHeader, "req-42")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if response.Header.Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id to be echoed, got %q", response.Header.Get(requestIDHeader))
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	response := server.do(t, http.MethodGet, "/v1/devices", "", nil)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestWriteEntriesRejectsEntriesFromAnotherDevice(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	ctx := context.Background()
	for range 2 {
		if _, err := server.log.CreateDeviceID(ctx, synclog.DeviceRegistration{UserID: "user-1", ProductType: synclog.ProductTypeApp}); err != nil {
			t.Fatalf("create device: %v", err)
		}
	}

	token := server.token(t, "user-1", "1")
	response := server.do(t, http.MethodPost, "/v1/sync/entries", token, synclog.WriteEntriesRequest{
		Entries: []synclog.EntryInput{{DeviceID: "2", CreatedOn: 1, EntryType: synclog.EntryTypeChange, Data: "x"}},
	})
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", response.StatusCode)
	}

	response = server.do(t, http.MethodPost, "/v1/sync/entries", token, synclog.WriteEntriesRequest{
		Entries: []synclog.EntryInput{{DeviceID: "1", CreatedOn: 1, EntryType: synclog.EntryTypeChange, Data: "x"}},
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var written synclog.EntriesResponse
	if err := json.NewDecoder(response.Body).Decode(&written); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(written.Entries) != 1 || written.Entries[0].SharedOn == 0 {
		t.Fatalf("unexpected written entries %+v", written.Entries)
	}
}

func TestWriteEntriesRejectsEmptyBatch(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	response := server.do(t, http.MethodPost, "/v1/sync/entries", server.token(t, "user-1", ""), synclog.WriteEntriesRequest{})
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
}

func TestGetEntriesRejectsNegativeCursor(t *testing.T) {
	server := newTestServer(t, testServerOptions{})
	response := server.do(t, http.MethodGet, "/v1/sync/entries?after=-1", server.token(t, "user-1", ""), nil)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	server := newTestServer(t, testServerOptions{limiters: NewRateLimiters(time.Hour, 2, nil)})
	token := server.token(t, "user-1", "")
	for attempt := range 2 {
		response := server.do(t, http.MethodGet, "/v1/devices", token, nil)
		if response.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", attempt, response.StatusCode)
		}
	}
	response := server.do(t, http.MethodGet, "/v1/devices", token, nil)
	if response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", response.StatusCode)
	}

	other := server.do(t, http.MethodGet, "/v1/devices", server.token(t, "user-2", ""), nil)
	if other.StatusCode != http.StatusOK {
		t.Fatalf("expected other users to keep their own budget, got %d", other.StatusCode)
	}
}
