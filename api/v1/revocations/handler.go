package revocations

import (
	"fedplane/internal/httpx"
	"fedplane/internal/model"
	"fedplane/internal/revocation"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler exposes revocation issuance and notice intake
type Handler struct {
	engine *revocation.Engine
	db     *gorm.DB
}

// NewHandler creates a revocations handler
func NewHandler(engine *revocation.Engine, db *gorm.DB) *Handler {
	return &Handler{engine: engine, db: db}
}

// RevokeRequest identifies the enrollment to revoke
type RevokeRequest struct {
	EnrollmentID string `json:"enrollmentId" binding:"required"`
	Reason       string `json:"reason" binding:"required"`
}

// Revoke terminates an enrollment from this side and returns the signed
// notice
func (h *Handler) Revoke(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	actor := "system"
	actorType := model.ActorTypeAutomated
	if username, ok := c.Get("username"); ok {
		if name, ok := username.(string); ok && name != "" {
			actor, actorType = name, model.ActorTypeHuman
		}
	}

	notice, err := h.engine.Revoke(c.Request.Context(), req.EnrollmentID, req.Reason, actor, actorType)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, notice)
}

// ReceiveNotice applies a notice pushed by a partner. Signature
// verification happens before any state change; an unverifiable notice is
// answered with an authorization failure, never a not-found.
func (h *Handler) ReceiveNotice(c *gin.Context) {
	var notice revocation.NoticePayload
	if err := c.ShouldBindJSON(&notice); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	if err := h.engine.VerifyAndApplyNotice(c.Request.Context(), &notice); err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"applied": true})
}

// ListNotices returns accepted revocation notices
func (h *Handler) ListNotices(c *gin.Context) {
	var notices []model.RevocationNotice
	if err := h.db.Order("id DESC").Find(&notices).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OK(c, gin.H{"items": notices})
}

// ListFingerprints returns the revocation list consulted at enrollment
func (h *Handler) ListFingerprints(c *gin.Context) {
	var entries []model.RevokedFingerprint
	if err := h.db.Order("id DESC").Find(&entries).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OK(c, gin.H{"items": entries})
}
