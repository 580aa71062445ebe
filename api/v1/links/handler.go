package links

import (
	"errors"

	"fedplane/internal/httpx"
	"fedplane/internal/linkstore"
	"fedplane/internal/model"

	"github.com/gin-gonic/gin"
)

// Handler exposes federation link queries and the audited reset path
type Handler struct {
	links *linkstore.Store
}

// NewHandler creates a links handler
func NewHandler(links *linkstore.Store) *Handler {
	return &Handler{links: links}
}

// List returns every link an instance participates in
func (h *Handler) List(c *gin.Context) {
	code := c.Query("instanceCode")
	if code == "" {
		httpx.FailErr(c, httpx.ErrParamMissing("instanceCode is required"))
		return
	}

	items, err := h.links.ListLinks(code)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OK(c, gin.H{"items": items})
}

// Status returns the aggregate view of one instance: both directions
// merged with latest health and breaker state
func (h *Handler) Status(c *gin.Context) {
	status, err := h.links.GetInstanceStatus(c.Param("code"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OK(c, status)
}

// ResetRequest identifies the directional link to reset
type ResetRequest struct {
	SourceCode string `json:"sourceCode" binding:"required"`
	TargetCode string `json:"targetCode" binding:"required"`
	Direction  string `json:"direction" binding:"required"`
}

// Reset clears a FAILED or REVOKED link through the explicit,
// separately-authorized recovery path. Every reset is audit-logged.
func (h *Handler) Reset(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	direction := model.LinkDirection(req.Direction)
	if direction != model.DirectionSpokeToHub && direction != model.DirectionHubToSpoke {
		httpx.FailErr(c, httpx.ErrParamIllegal("direction must be SPOKE_TO_HUB or HUB_TO_SPOKE"))
		return
	}

	actor := "system"
	actorType := model.ActorTypeAutomated
	if username, ok := c.Get("username"); ok {
		if name, ok := username.(string); ok && name != "" {
			actor, actorType = name, model.ActorTypeHuman
		}
	}

	err := h.links.Reset(req.SourceCode, req.TargetCode, direction, actor, actorType)
	if errors.Is(err, linkstore.ErrLinkNotFound) {
		httpx.FailErr(c, httpx.ErrNotFound("federation link not found"))
		return
	}
	if err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"reset": true})
}
