package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxbridge/internal/auth"
	"github.com/satriahrh/voxbridge/internal/bridge"
)

func newTestServer(t *testing.T, issuer *auth.TokenIssuer) *echo.Echo {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := bridge.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	handler := bridge.NewHandler(ctx, hub, bridge.Deps{}, bridge.DefaultOptions(), 0, logger)
	e := echo.New()
	InitRoutes(e, hub, handler, issuer, logger)
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndSessions(t *testing.T) {
	e := newTestServer(t, nil)

	rec := do(e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(e, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Equal(t, 0, sessions.Count)
}

func TestSessionRoutes_UnknownSession(t *testing.T) {
	e := newTestServer(t, nil)

	rec := do(e, http.MethodPatch, "/api/v1/sessions/nope/config", `{"voice":"verse"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPatch, "/api/v1/sessions/nope/config", `{"voice":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/sessions/nope/messages", `{"text":"Kitchen closes in ten minutes."}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/sessions/nope/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodDelete, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamTokens(t *testing.T) {
	issuer, err := auth.NewTokenIssuer("test-secret", 0)
	require.NoError(t, err)
	e := newTestServer(t, issuer)

	rec := do(e, http.MethodPost, "/api/v1/stream-tokens", `{"business_id":"biz-1","agent_type":"orders"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StreamTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := issuer.ValidateStreamToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "biz-1", claims.BusinessID)
	assert.Equal(t, "orders", claims.AgentType)

	rec = do(e, http.MethodPost, "/api/v1/stream-tokens", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/session-configs", `{"business_id":"biz-1","config":{"voice":"verse","greeting":"Hi!"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var signed SessionConfigTokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	parsed, err := issuer.ParseSessionConfig(signed.SessionConfig)
	require.NoError(t, err)
	assert.Equal(t, "verse", parsed.Config.Voice)
	assert.Equal(t, "Hi!", parsed.Config.Greeting)
}

func TestStreamTokens_Disabled(t *testing.T) {
	e := newTestServer(t, nil)
	rec := do(e, http.MethodPost, "/api/v1/stream-tokens", `{"business_id":"biz-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
