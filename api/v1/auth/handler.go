package auth

import (
	"errors"
	"fmt"
	"time"

	"fedplane/internal/auth"
	"fedplane/internal/config"
	"fedplane/internal/httpx"
	"fedplane/internal/model"
	"fedplane/internal/pki"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// LoginRequest represents login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents login response data
type LoginResponse struct {
	Token    string   `json:"token"`
	ExpireAt string   `json:"expireAt"`
	User     UserInfo `json:"user"`
}

// UserInfo represents user information in response
type UserInfo struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginHandler handles operator login
func LoginHandler(db *gorm.DB, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
			return
		}

		var user model.User
		if err := db.Where("username = ?", req.Username).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// User not found or wrong password - return same error for security
				httpx.FailErr(c, httpx.ErrInvalidToken("invalid credentials"))
				return
			}
			httpx.FailErr(c, httpx.ErrDatabaseError("database error", err))
			return
		}

		if user.Status == model.UserStatusInactive {
			httpx.FailErr(c, httpx.ErrForbidden("user is inactive"))
			return
		}

		if err := auth.ComparePassword(user.PasswordHash, req.Password); err != nil {
			httpx.FailErr(c, httpx.ErrInvalidToken("invalid credentials"))
			return
		}

		expireAt := time.Now().Add(time.Duration(cfg.JWT.ExpireMinutes) * time.Minute)
		token, err := auth.GenerateToken(user.ID, user.Username, user.Role, expireAt, cfg.JWT.Issuer)
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to generate token", err))
			return
		}

		httpx.OK(c, LoginResponse{
			Token:    token,
			ExpireAt: expireAt.Format(time.RFC3339),
			User: UserInfo{
				ID:       user.ID,
				Username: user.Username,
				Role:     user.Role,
			},
		})
	}
}

// HeartbeatTokenRequest is a signed request for a fresh heartbeat token.
// The signature proves possession of the instance's enrolled signing key.
type HeartbeatTokenRequest struct {
	InstanceCode string    `json:"instanceCode" binding:"required"`
	RequestedAt  time.Time `json:"requestedAt" binding:"required"`
	Signature    string    `json:"signature" binding:"required"`
}

// CanonicalBytes returns the byte encoding covered by the signature
func (r *HeartbeatTokenRequest) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf("heartbeat-token|%s|%d", r.InstanceCode, r.RequestedAt.Unix()))
}

// HeartbeatTokenResponse carries the issued purpose-scoped token
type HeartbeatTokenResponse struct {
	Token     string `json:"token"`
	ExpireAt  string `json:"expireAt"`
	Purpose   string `json:"purpose"`
	IssuedFor string `json:"issuedFor"`
}

// HeartbeatTokenHandler issues short-lived heartbeat tokens to enrolled
// partners. The issued token carries the heartbeat purpose only; it cannot
// be used on policy-distribution channels.
func HeartbeatTokenHandler(db *gorm.DB, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req HeartbeatTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
			return
		}
		if skew := time.Since(req.RequestedAt); skew > 5*time.Minute || skew < -5*time.Minute {
			httpx.FailErr(c, httpx.ErrParamInvalid("request timestamp outside acceptance window"))
			return
		}

		var inst model.Instance
		if err := db.Where("instance_code = ?", req.InstanceCode).First(&inst).Error; err != nil {
			httpx.FailErr(c, httpx.ErrSignatureInvalid("unknown instance"))
			return
		}
		if inst.SigningCertPEM == "" {
			httpx.FailErr(c, httpx.ErrSignatureInvalid("no pinned certificate for instance"))
			return
		}
		if err := pki.VerifyDetached(inst.SigningCertPEM, req.CanonicalBytes(), req.Signature); err != nil {
			httpx.FailErr(c, httpx.ErrSignatureInvalid(""))
			return
		}

		ttl := time.Duration(cfg.Heartbeat.TokenTTLMinutes) * time.Minute
		token, err := auth.GeneratePurposeToken(req.InstanceCode, auth.PurposeHeartbeat, ttl, cfg.JWT.Issuer)
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to generate token", err))
			return
		}

		httpx.OK(c, HeartbeatTokenResponse{
			Token:     token,
			ExpireAt:  time.Now().Add(ttl).Format(time.RFC3339),
			Purpose:   auth.PurposeHeartbeat,
			IssuedFor: req.InstanceCode,
		})
	}
}
