package enrollments

import (
	"context"
	"io"

	"fedplane/internal/enrollment"
	"fedplane/internal/graph"
	"fedplane/internal/httpx"
	"fedplane/internal/model"

	"github.com/gin-gonic/gin"
)

// TokenValidator checks a stream token against the enrollment it claims to
// be scoped to
type TokenValidator interface {
	Validate(ctx context.Context, token, enrollmentID string) error
}

// Handler exposes the enrollment state machine over HTTP
type Handler struct {
	engine *enrollment.Engine
	bus    *graph.Bus
	tokens TokenValidator
}

// NewHandler creates an enrollments handler
func NewHandler(engine *enrollment.Engine, bus *graph.Bus, tokens TokenValidator) *Handler {
	return &Handler{engine: engine, bus: bus, tokens: tokens}
}

// Create opens a new enrollment from a signed partner request
func (h *Handler) Create(c *gin.Context) {
	var req enrollment.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	resp, err := h.engine.Enroll(c.Request.Context(), &req)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, resp)
}

// List returns enrollments, optionally for one instance
func (h *Handler) List(c *gin.Context) {
	items, err := h.engine.List(c.Query("instanceCode"))
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"items": items})
}

// Get returns one enrollment
func (h *Handler) Get(c *gin.Context) {
	enr, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, enr)
}

// VerifyFingerprintRequest carries the out-of-band confirmed fingerprint
type VerifyFingerprintRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
}

// VerifyFingerprint records the operator's out-of-band fingerprint check
func (h *Handler) VerifyFingerprint(c *gin.Context) {
	var req VerifyFingerprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	actor, actorType := operatorActor(c)
	err := h.engine.VerifyFingerprint(c.Request.Context(), c.Param("id"), req.Fingerprint, actor, actorType)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"status": model.EnrollmentStatusFingerprintVerified})
}

// ApproveRequest optionally narrows the granted scopes
type ApproveRequest struct {
	GrantedScopes []string `json:"grantedScopes"`
}

// Approve provisions credentials and materializes the PENDING link pair
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	actor, actorType := operatorActor(c)
	err := h.engine.Approve(c.Request.Context(), c.Param("id"), req.GrantedScopes, actor, actorType)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"status": model.EnrollmentStatusApproved})
}

// RejectRequest carries the rejection reason
type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject terminates an enrollment before approval
func (h *Handler) Reject(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	actor, actorType := operatorActor(c)
	err := h.engine.Reject(c.Request.Context(), c.Param("id"), req.Reason, actor, actorType)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"status": model.EnrollmentStatusRejected})
}

// Exchange releases provisioned credentials against a signed request
func (h *Handler) Exchange(c *gin.Context) {
	var req enrollment.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	req.EnrollmentID = c.Param("id")

	creds, err := h.engine.Exchange(c.Request.Context(), &req)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, creds)
}

// ActivateRequest names the activating side
type ActivateRequest struct {
	InstanceCode string `json:"instanceCode" binding:"required"`
}

// Activate marks the caller's directional link ACTIVE
func (h *Handler) Activate(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	status, err := h.engine.Activate(c.Request.Context(), c.Param("id"), req.InstanceCode,
		req.InstanceCode, model.ActorTypeAutomated)
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"status": status})
}

// Events streams state-machine transitions for one enrollment over SSE.
// The stream token is validated before any event is emitted; an invalid
// token leaks nothing about the enrollment's status.
func (h *Handler) Events(c *gin.Context) {
	enrollmentID := c.Param("id")
	token := c.Query("token")
	if token == "" {
		httpx.FailErr(c, httpx.ErrUnauthorized("stream token required"))
		return
	}
	if err := h.tokens.Validate(c.Request.Context(), token, enrollmentID); err != nil {
		httpx.FailErr(c, httpx.ErrUnauthorized("invalid or expired stream token"))
		return
	}

	sub := h.bus.Subscribe(enrollmentID)
	defer h.bus.Unsubscribe(sub)

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("transition", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// operatorActor reads the authenticated operator from the request context
func operatorActor(c *gin.Context) (string, model.ActorType) {
	if username, ok := c.Get("username"); ok {
		if name, ok := username.(string); ok && name != "" {
			return name, model.ActorTypeHuman
		}
	}
	return "system", model.ActorTypeAutomated
}
