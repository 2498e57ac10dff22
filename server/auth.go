package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ineyio/inferbill"
)

// RoleAdmin may recharge and reconcile any wallet.
const RoleAdmin = "admin"

const (
	ctxIdentity = "identity"
	ctxRole     = "role"
)

var (
	ErrEmptySecret  = errors.New("jwt secret cannot be empty")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identify the caller. Subject is the wallet identity.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for identity. Used by operators and tests;
// end-user tokens are expected to come from an external identity provider.
func IssueToken(secret, identity, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthMiddleware requires a valid bearer token and stores the identity and
// role on the context.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, inferbill.NewError(inferbill.KindUnauthorized, "authorization header required", nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "Bearer") {
			abort(c, inferbill.NewError(inferbill.KindUnauthorized, "invalid authorization header format", nil))
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			abort(c, inferbill.NewError(inferbill.KindUnauthorized, "token is empty", nil))
			return
		}

		claims, err := ParseToken(tokenString, secret)
		if err != nil {
			msg := "invalid or malformed token"
			if errors.Is(err, ErrTokenExpired) {
				msg = "token expired"
			}
			abort(c, inferbill.NewError(inferbill.KindUnauthorized, msg, err))
			return
		}

		c.Set(ctxIdentity, claims.Subject)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequireRole lets only callers with role through.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(ctxRole)
		if !exists {
			abort(c, inferbill.NewError(inferbill.KindUnauthorized, "role not found", nil))
			return
		}
		got, ok := value.(string)
		if !ok {
			abort(c, inferbill.NewError(inferbill.KindUnauthorized, "invalid role type", nil))
			return
		}
		if got != role {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{
				Error:         "FORBIDDEN",
				Message:       "insufficient permissions",
				CorrelationID: inferbill.CorrelationID(c.Request.Context()),
			})
			return
		}
		c.Next()
	}
}

// Identity returns the authenticated identity.
func Identity(c *gin.Context) string {
	return c.GetString(ctxIdentity)
}
