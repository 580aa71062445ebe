package graph

import (
	"fedplane/internal/graph"
	"fedplane/internal/httpx"

	"github.com/gin-gonic/gin"
)

// Handler serves the trust graph read surface consumed by policy
// distribution and key routing
type Handler struct {
	service *graph.Service
}

// NewHandler creates a graph handler
func NewHandler(service *graph.Service) *Handler {
	return &Handler{service: service}
}

// GetGraph returns all instances and every non-revoked link
func (h *Handler) GetGraph(c *gin.Context) {
	g, err := h.service.GetGraph()
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	httpx.OK(c, g)
}
