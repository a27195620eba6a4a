package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, issuer, role string, exp time.Time) string {
	t.Helper()
	claims := adminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-1",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()

	cfg := AdminAuthConfig{Secret: "s3cret", Issuer: "mmproc", Roles: []string{"operator"}}
	later := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		cfg    AdminAuthConfig
		header string
		want   int
	}{
		{"open when no secret", AdminAuthConfig{}, "", http.StatusOK},
		{"missing token", cfg, "", http.StatusUnauthorized},
		{"valid token", cfg, "Bearer " + signToken(t, "s3cret", "mmproc", "operator", later), http.StatusOK},
		{"wrong secret", cfg, "Bearer " + signToken(t, "other", "mmproc", "operator", later), http.StatusUnauthorized},
		{"wrong issuer", cfg, "Bearer " + signToken(t, "s3cret", "elsewhere", "operator", later), http.StatusUnauthorized},
		{"expired", cfg, "Bearer " + signToken(t, "s3cret", "mmproc", "operator", time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong role", cfg, "Bearer " + signToken(t, "s3cret", "mmproc", "viewer", later), http.StatusForbidden},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			router := gin.New()
			router.Use(AdminAuth(tt.cfg))
			router.GET("/admin/ping", func(c *gin.Context) {
				c.String(http.StatusOK, "pong")
			})
			req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}
