// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation and the operator gate

package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, authHeader string) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	var got *AuthContext
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/sessions/stats", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware(t *testing.T) {
	v := newVerifier(t)
	valid, err := v.Generate("ops", "", time.Hour)
	require.NoError(t, err)
	expired, err := v.Generate("ops", "", -time.Hour)
	require.NoError(t, err)

	mw := HTTPAuthMiddleware(v, quietLogger())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid", header: "Bearer " + valid, wantStatus: http.StatusOK},
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantBody: "missing authorization header"},
		{name: "basic scheme", header: "Basic Zm9vOmJhcg==", wantStatus: http.StatusUnauthorized, wantBody: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantStatus: http.StatusUnauthorized, wantBody: "empty token"},
		{name: "expired", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized, wantBody: "invalid token"},
		{name: "garbage", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantBody: "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := serve(t, mw, tt.header)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, got)
				assert.Equal(t, "ops", got.Subject)
				return
			}
			assert.Nil(t, got)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, `{"error":"`+tt.wantBody+`"}`, rec.Body.String())
		})
	}
}

func TestHTTPAuthMiddleware_NoVerifier(t *testing.T) {
	rec, got := serve(t, HTTPAuthMiddleware(nil, quietLogger()), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.True(t, got.IsOperator())
}

func TestRequireOperatorHTTP(t *testing.T) {
	v := newVerifier(t)
	operator, err := v.Generate("ops", "", time.Hour)
	require.NoError(t, err)
	scoped, err := v.Generate("acme-tools", "acme", time.Hour)
	require.NoError(t, err)

	chain := func(next http.Handler) http.Handler {
		return HTTPAuthMiddleware(v, quietLogger())(RequireOperatorHTTP()(next))
	}

	rec, _ := serve(t, chain, "Bearer "+operator)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = serve(t, chain, "Bearer "+scoped)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"operator token required"}`, rec.Body.String())

	// Without the auth middleware there is no caller at all.
	rec, _ = serve(t, RequireOperatorHTTP(), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
