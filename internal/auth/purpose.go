package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token purposes. Heartbeat tokens and policy-distribution tokens are
// different credentials issued for different purposes: a holder of one must
// never be able to use it in place of the other.
const (
	PurposeHeartbeat = "heartbeat"
	PurposePolicy    = "policy"
)

// PurposeClaims represents a purpose-scoped machine token
type PurposeClaims struct {
	InstanceCode string `json:"instanceCode"`
	Purpose      string `json:"purpose"`
	jwt.RegisteredClaims
}

// GeneratePurposeToken generates a short-lived token bound to one instance
// and one purpose
func GeneratePurposeToken(instanceCode, purpose string, ttl time.Duration, issuer string) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}

	claims := PurposeClaims{
		InstanceCode: instanceCode,
		Purpose:      purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   instanceCode,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParsePurposeToken parses a purpose-scoped token and enforces the expected
// purpose
func ParsePurposeToken(tokenString, expectedPurpose string) (*PurposeClaims, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("JWT secret not initialized")
	}

	token, err := jwt.ParseWithClaims(tokenString, &PurposeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*PurposeClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.Purpose != expectedPurpose {
		return nil, fmt.Errorf("token purpose %q not valid for %q", claims.Purpose, expectedPurpose)
	}

	return claims, nil
}
