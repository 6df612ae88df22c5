package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/cinevault/shield/pkg/config"
	"github.com/cinevault/shield/pkg/engine"
	"github.com/cinevault/shield/pkg/infra/jwt"
	"github.com/cinevault/shield/pkg/server/middleware"
	"github.com/cinevault/shield/pkg/types"
	"github.com/go-redis/redismock/v8"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestServer(t *testing.T) (*AdminServer, string) {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			AdminPort: 0,
			SecretKey: "test-secret",
		},
	}
	client, mock := redismock.NewClientMock()
	mock.MatchExpectationsInOrder(false)

	logger := silentLogger()
	e := engine.New(logger, client, nil)
	t.Cleanup(e.Close)

	jwtManager := jwt.NewManager(&cfg.Server)
	token, err := jwtManager.CreateToken("tests", time.Hour)
	require.NoError(t, err)

	s := NewAdminServer(AdminServerDI{
		Config:         cfg,
		Logger:         logger,
		Engine:         e,
		AuthMiddleware: middleware.NewAdminAuthMiddleware(logger, jwtManager),
	})
	s.setupRoutes()
	s.setupHealthCheck(s.engine)
	return s, token
}

func doJSON(t *testing.T, s *AdminServer, token, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Router.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestAdminServer_RequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)

	resp := doJSON(t, s, "", http.MethodGet, "/api/v1/threat", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, s, "not-a-valid-token", http.MethodGet, "/api/v1/threat", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminServer_RejectsTokenWithoutAdminRole(t *testing.T) {
	s, _ := newTestServer(t)

	claims := jwtlib.RegisteredClaims{
		Subject:   "tests",
		IssuedAt:  jwtlib.NewNumericDate(time.Now()),
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)

	resp := doJSON(t, s, signed, http.MethodGet, "/api/v1/threat", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminServer_AttemptFlowThroughHTTP(t *testing.T) {
	s, token := newTestServer(t)

	resp := doJSON(t, s, token, http.MethodPost, "/api/v1/rules/protection", map[string]any{
		"endpoint":         "login",
		"max_attempts":     3,
		"time_window":      "15m",
		"lockout_duration": "30m",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var last *http.Response
	for i := 0; i < 3; i++ {
		last = doJSON(t, s, token, http.MethodPost, "/api/v1/attempts", map[string]any{
			"identifier": "user1",
			"endpoint":   "login",
			"success":    false,
		})
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)

	decision := decode[types.ProtectionDecision](t, last)
	assert.True(t, decision.Blocked)
	assert.NotNil(t, decision.LockoutExpiry)
}

func TestAdminServer_ProtectionRuleValidation(t *testing.T) {
	s, token := newTestServer(t)

	resp := doJSON(t, s, token, http.MethodPost, "/api/v1/rules/protection", map[string]any{
		"endpoint":         "login",
		"max_attempts":     3,
		"time_window":      "not-a-duration",
		"lockout_duration": "30m",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, s, token, http.MethodPost, "/api/v1/rules/protection", map[string]any{
		"max_attempts":     3,
		"time_window":      "15m",
		"lockout_duration": "30m",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminServer_ChallengeLifecycle(t *testing.T) {
	s, token := newTestServer(t)

	resp := doJSON(t, s, token, http.MethodPost, "/api/v1/challenges", map[string]any{
		"identifier": "user1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	challenge := decode[map[string]any](t, resp)
	challengeToken, _ := challenge["token"].(string)
	require.NotEmpty(t, challengeToken)

	resp = doJSON(t, s, token, http.MethodPost, "/api/v1/challenges/user1/verify", map[string]any{
		"response": "wrong-answer",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, s, token, http.MethodPost, "/api/v1/challenges/user1/verify", map[string]any{
		"response": challengeToken,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminServer_ClassifyEndpoint(t *testing.T) {
	s, token := newTestServer(t)

	resp := doJSON(t, s, token, http.MethodPost, "/api/v1/classify", map[string]any{
		"input": `<script>alert(1)</script>`,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[map[string]any](t, resp)
	assert.Contains(t, result["threats"], "xss")
}

func TestAdminServer_PatternRegistrationValidation(t *testing.T) {
	s, token := newTestServer(t)

	resp := doJSON(t, s, token, http.MethodPost, "/api/v1/patterns", map[string]any{
		"name": "bf", "type": "brute_force", "threshold": 10, "window": "5m", "action": "block",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, s, token, http.MethodPost, "/api/v1/patterns", map[string]any{
		"name": "bad", "type": "unknown", "threshold": 10, "window": "5m",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, s, token, http.MethodGet, "/api/v1/patterns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patterns := decode[[]map[string]any](t, resp)
	assert.Len(t, patterns, 1)
}

func TestAdminServer_HealthEndpointIsPublic(t *testing.T) {
	s, _ := newTestServer(t)

	resp := doJSON(t, s, "", http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestAdminServer_IncidentsEmptyList(t *testing.T) {
	s, token := newTestServer(t)

	resp := doJSON(t, s, token, http.MethodGet, "/api/v1/incidents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "null", string(bytes.TrimSpace(raw)))
}

func TestAdminServer_ResetRequiresFields(t *testing.T) {
	s, token := newTestServer(t)

	resp := doJSON(t, s, token, http.MethodPost, "/api/v1/reset", map[string]any{"identifier": "user1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, s, token, http.MethodPost, "/api/v1/reset", map[string]any{
		"identifier": "user1", "endpoint": "login",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
