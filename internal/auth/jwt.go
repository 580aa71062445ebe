package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims is the session token for a human operator of this control
// plane. Machine credentials never use it; they carry purpose-scoped
// tokens instead (see purpose.go).
type OperatorClaims struct {
	UID      int    `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	Purpose  string `json:"purpose,omitempty"` // always empty on operator tokens
	jwt.RegisteredClaims
}

var jwtSecret []byte

// InitJWT installs the signing secret shared by operator and purpose tokens
func InitJWT(secret string) {
	jwtSecret = []byte(secret)
}

// GenerateToken issues an operator session token
func GenerateToken(uid int, username, role string, expireAt time.Time, issuer string) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("JWT secret not initialized")
	}

	claims := OperatorClaims{
		UID:      uid,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParseToken validates an operator session token. A purpose-scoped machine
// token is rejected even though it is signed with the same secret.
func ParseToken(tokenString string) (*OperatorClaims, error) {
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("JWT secret not initialized")
	}

	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Username == "" {
		return nil, fmt.Errorf("invalid operator token")
	}
	if claims.Purpose != "" {
		return nil, fmt.Errorf("purpose-scoped token presented as operator session")
	}

	return claims, nil
}
