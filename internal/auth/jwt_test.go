package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mhartley/printflow-go/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:               "0123456789abcdef0123456789abcdef",
		JWTAccessTokenExpirySec: 900,
	}
}

func TestGenerateAndVerifyServiceToken(t *testing.T) {
	cfg := testConfig()
	payload := TokenPayload{Sub: "mis-sync", Service: "printmis"}

	token, err := GenerateServiceToken(cfg, payload, 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	verified, err := VerifyToken(cfg, token)
	require.NoError(t, err)
	require.Equal(t, payload, verified)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := testConfig()
	token, err := GenerateServiceToken(cfg, TokenPayload{Sub: "mis-sync", Service: "printmis"}, time.Hour)
	require.NoError(t, err)

	other := cfg
	other.JWTSecret = "ffffffffffffffffffffffffffffffff"
	_, err = VerifyToken(other, token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := testConfig()
	token := signClaims(t, cfg, tokenClaims{
		Service: "printmis",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mis-sync",
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := VerifyToken(cfg, token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyToken_RejectsForeignIssuer(t *testing.T) {
	cfg := testConfig()
	token := signClaims(t, cfg, tokenClaims{
		Service: "printmis",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mis-sync",
			Issuer:    "someone-else",
			Audience:  []string{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := VerifyToken(cfg, token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyToken_RequiresSubjectAndService(t *testing.T) {
	cfg := testConfig()
	token := signClaims(t, cfg, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mis-sync",
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := VerifyToken(cfg, token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func signClaims(t *testing.T, cfg config.Config, claims tokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
	require.NoError(t, err)
	return token
}

// ==========================================================================
// Middleware Tests
// ==========================================================================

func runMiddleware(t *testing.T, cfg config.Config, req *http.Request) (*httptest.ResponseRecorder, *Caller) {
	t.Helper()

	var captured *Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if caller, ok := CallerFromContext(r.Context()); ok {
			captured = &caller
		}
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	Middleware(cfg)(next).ServeHTTP(rec, req)
	return rec, captured
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestMiddleware_PublicRouteBypassesAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec, caller := runMiddleware(t, testConfig(), req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, caller)
}

func TestMiddleware_MissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/schedule/run", nil)
	rec, _ := runMiddleware(t, testConfig(), req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "UNAUTHORIZED", errorCode(t, rec))
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	cfg := testConfig()
	token := signClaims(t, cfg, tokenClaims{
		Service: "printmis",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mis-sync",
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/schedule/run", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, _ := runMiddleware(t, cfg, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "AUTH_TOKEN_EXPIRED", errorCode(t, rec))
}

func TestMiddleware_ValidToken(t *testing.T) {
	cfg := testConfig()
	token, err := GenerateServiceToken(cfg, TokenPayload{Sub: "mis-sync", Service: "printmis"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/schedule/run", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, caller := runMiddleware(t, cfg, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, caller)
	require.Equal(t, "mis-sync", caller.Sub)
	require.Equal(t, "printmis", caller.Service)
}

func TestMiddleware_TestModeHeader(t *testing.T) {
	cfg := testConfig()
	cfg.AllowTestMode = true
	cfg.AppEnv = "development"

	req := httptest.NewRequest(http.MethodPost, "/v1/schedule/run", nil)
	req.Header.Set("x-test-mode", "true")
	rec, caller := runMiddleware(t, cfg, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, caller)
	require.Equal(t, "test-client", caller.Sub)
}

func TestMiddleware_TestModeIgnoredOutsideDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.AllowTestMode = true
	cfg.AppEnv = "production"

	req := httptest.NewRequest(http.MethodPost, "/v1/schedule/run", nil)
	req.Header.Set("x-test-mode", "true")
	rec, _ := runMiddleware(t, cfg, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
