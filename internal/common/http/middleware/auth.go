package middleware

import (
	"errors"
	"fmt"
	"strings"

	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const operatorContextKey = "operator"

// AdminAuthConfig configures bearer-token checks on the admin endpoints.
// An empty Secret leaves the endpoints open.
type AdminAuthConfig struct {
	Secret string   `yaml:"secret"`
	Issuer string   `yaml:"issuer"`
	Roles  []string `yaml:"roles"`
}

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth validates an HS256 bearer token and its role.
func AdminAuth(cfg AdminAuthConfig) gin.HandlerFunc {
	secret := []byte(cfg.Secret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		claims, err := parseAdminToken(extractBearerToken(c.GetHeader("Authorization")), secret, cfg.Issuer)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		if len(cfg.Roles) > 0 && !hasRole(claims.Role, cfg.Roles) {
			response.AbortWithError(c, appErr.New(appErr.Forbidden).WithMessage("insufficient role"))
			return
		}
		c.Set(operatorContextKey, claims.Subject)
		c.Next()
	}
}

func parseAdminToken(raw string, secret []byte, issuer string) (*adminClaims, error) {
	if raw == "" {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &adminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErr.New(appErr.TokenExpired)
		}
		return nil, appErr.New(appErr.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*adminClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	if issuer != "" && claims.Issuer != issuer {
		return nil, appErr.New(appErr.TokenInvalid)
	}
	return claims, nil
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
