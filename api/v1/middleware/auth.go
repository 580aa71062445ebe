package middleware

import (
	"errors"
	"strings"

	"fedplane/internal/auth"
	"fedplane/internal/httpx"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AuthRequired is a middleware that validates an operator JWT token
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.Abort()
			return
		}

		claims, err := auth.ParseToken(tokenString)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				httpx.FailErr(c, httpx.ErrTokenExpired("token expired"))
			} else {
				httpx.FailErr(c, httpx.ErrInvalidToken("invalid token"))
			}
			c.Abort()
			return
		}

		c.Set("uid", claims.UID)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)

		c.Next()
	}
}

// HeartbeatAuth validates a heartbeat-purpose machine token. A
// policy-distribution token presented here is rejected: the two
// credentials are never interchangeable.
func HeartbeatAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.Abort()
			return
		}

		claims, err := auth.ParsePurposeToken(tokenString, auth.PurposeHeartbeat)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				httpx.FailErr(c, httpx.ErrTokenExpired("heartbeat token expired"))
			} else {
				httpx.FailErr(c, httpx.ErrInvalidToken("invalid heartbeat token"))
			}
			c.Abort()
			return
		}

		c.Set("instanceCode", claims.InstanceCode)

		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		httpx.FailErr(c, httpx.ErrUnauthorized("missing authorization header"))
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		httpx.FailErr(c, httpx.ErrUnauthorized("invalid authorization header format"))
		return "", false
	}
	return parts[1], true
}
