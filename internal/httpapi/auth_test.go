package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/topiclane/internal/activation"
	"github.com/ent0n29/topiclane/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestRequireAuth(t *testing.T) {
	srv := New(config.Config{AuthJWTSecret: testSecret}, Deps{Activation: activation.NewSet("asst-1")})
	router := srv.Router()

	call := func(path, header string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, call("/healthz", ""), "health stays public")
	require.Equal(t, http.StatusUnauthorized, call("/v1/activation", ""))
	require.Equal(t, http.StatusUnauthorized, call("/v1/activation", "Basic abc"))

	good := signToken(t, testSecret, "ops", time.Now().Add(time.Hour))
	require.Equal(t, http.StatusOK, call("/v1/activation", "Bearer "+good))
	require.Equal(t, http.StatusOK, call("/v1/activation?access_token="+good, ""))

	expired := signToken(t, testSecret, "ops", time.Now().Add(-time.Hour))
	require.Equal(t, http.StatusUnauthorized, call("/v1/activation", "Bearer "+expired))

	forged := signToken(t, "ffffffffffffffffffffffffffffffff", "ops", time.Now().Add(time.Hour))
	require.Equal(t, http.StatusUnauthorized, call("/v1/activation", "Bearer "+forged))

	anonymous := signToken(t, testSecret, "", time.Now().Add(time.Hour))
	require.Equal(t, http.StatusUnauthorized, call("/v1/activation", "Bearer "+anonymous))
}

func TestParseTokenSubject(t *testing.T) {
	raw := signToken(t, testSecret, "ops", time.Now().Add(time.Minute))
	claims, err := parseToken(raw, []byte(testSecret), time.Now())
	require.NoError(t, err)
	require.Equal(t, "ops", claims.Subject)
}
