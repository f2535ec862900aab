package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/config"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

const testSecret = "test-secret-key-1234567890"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := *config.DefaultConfig()
	cfg.Server.Addr = ":0"
	cfg.Server.RateLimit = 0
	cfg.Auth.AdminPass = string(hash)
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	bus := comms.NewBus(comms.WithPollInterval(5 * time.Millisecond))
	orch := orchestrator.New(bus, orchestrator.WithTickInterval(time.Hour))
	t.Cleanup(orch.Stop)
	return New(cfg, orch, "test", nil), orch
}

func postJSON(t *testing.T, h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := postJSON(t, h, "/api/auth/login", "", loginRequest{Username: "admin", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}
