package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigment-org/key-service/internal/admission"
	"github.com/pigment-org/key-service/internal/handlers"
	"github.com/pigment-org/key-service/internal/logger"
)

type stubVerifier struct {
	gotKey   string
	decision admission.Decision
	err      error
}

func (s *stubVerifier) Verify(_ context.Context, presentedKey string, _ time.Time) (admission.Decision, error) {
	s.gotKey = presentedKey
	return s.decision, s.err
}

func setupVerifyRouter(verifier handlers.Verifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/verify", handlers.NewVerifyHandler(logger.Development(), verifier).VerifyKey)
	return router
}

func postVerify(router *gin.Engine, apiKey string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/verify", nil)
	if apiKey != "" {
		req.Header.Set(handlers.HeaderAPIKey, apiKey)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestVerifyKeyMissingHeader(t *testing.T) {
	router := setupVerifyRouter(&stubVerifier{})

	w := postVerify(router, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"No API key provided"}`, w.Body.String())
}

func TestVerifyKeyUnauthenticated(t *testing.T) {
	verifier := &stubVerifier{err: admission.ErrUnauthenticated}
	router := setupVerifyRouter(verifier)

	w := postVerify(router, "bogus-key")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Invalid API key"}`, w.Body.String())
	assert.Equal(t, "bogus-key", verifier.gotKey)
}

func TestVerifyKeyInternalFailure(t *testing.T) {
	verifier := &stubVerifier{err: errors.New("store timeout")}
	router := setupVerifyRouter(verifier)

	w := postVerify(router, "some-key")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, w.Body.String())
}

func TestVerifyKeyRateLimited(t *testing.T) {
	verifier := &stubVerifier{decision: admission.Decision{
		Limit: 1000,
		Reset: 1_700_000_060_000,
	}}
	router := setupVerifyRouter(verifier)

	w := postVerify(router, "busy-key")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.EqualValues(t, 1000, body["limit"])
	assert.EqualValues(t, 0, body["remaining"])
	assert.EqualValues(t, 1_700_000_060_000, body["reset"])
}

func TestVerifyKeyAllowed(t *testing.T) {
	verifier := &stubVerifier{decision: admission.Decision{
		Allowed:   true,
		Limit:     1000,
		Remaining: 993,
	}}
	router := setupVerifyRouter(verifier)

	w := postVerify(router, "good-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"allowed":true,"remaining":993,"limit":1000}`, w.Body.String())
}
