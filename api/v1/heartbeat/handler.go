package heartbeat

import (
	"fedplane/internal/health"
	"fedplane/internal/httpx"

	"github.com/gin-gonic/gin"
)

// Handler ingests pushed spoke heartbeats
type Handler struct {
	service *health.Service
}

// NewHandler creates a heartbeat handler
func NewHandler(service *health.Service) *Handler {
	return &Handler{service: service}
}

// Ingest records one heartbeat. The heartbeat token's instance must match
// the report's source: a spoke can only report for itself.
func (h *Handler) Ingest(c *gin.Context) {
	var report health.HeartbeatReport
	if err := c.ShouldBindJSON(&report); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	tokenInstance, _ := c.Get("instanceCode")
	if code, ok := tokenInstance.(string); !ok || code != report.SourceCode {
		httpx.FailErr(c, httpx.ErrForbidden("heartbeat token is not valid for this source"))
		return
	}

	if err := h.service.IngestHeartbeat(&report); err != nil {
		httpx.FailWith(c, err)
		return
	}
	httpx.OK(c, gin.H{"accepted": true})
}
