package v1

import (
	"fedplane/api/v1/auth"
	"fedplane/api/v1/discovery"
	"fedplane/api/v1/enrollments"
	graphapi "fedplane/api/v1/graph"
	"fedplane/api/v1/heartbeat"
	"fedplane/api/v1/links"
	"fedplane/api/v1/middleware"
	"fedplane/api/v1/revocations"
	"fedplane/internal/config"
	"fedplane/internal/enrollment"
	"fedplane/internal/graph"
	"fedplane/internal/health"
	"fedplane/internal/httpx"
	"fedplane/internal/linkstore"
	"fedplane/internal/pki"
	"fedplane/internal/revocation"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps collects everything the API surface is wired to
type Deps struct {
	DB           *gorm.DB
	Config       *config.Config
	Identity     *pki.IdentityManager
	Links        *linkstore.Store
	Enrollments  *enrollment.Engine
	Revocations  *revocation.Engine
	Health       *health.Service
	Graph        *graph.Service
	Bus          *graph.Bus
	StreamTokens enrollments.TokenValidator
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, deps *Deps) {
	enrollmentsHandler := enrollments.NewHandler(deps.Enrollments, deps.Bus, deps.StreamTokens)
	linksHandler := links.NewHandler(deps.Links)
	heartbeatHandler := heartbeat.NewHandler(deps.Health)
	revocationsHandler := revocations.NewHandler(deps.Revocations, deps.DB)
	graphHandler := graphapi.NewHandler(deps.Graph)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)
		v1.GET("/discovery", discovery.Handler(deps.Config, deps.Identity))

		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", auth.LoginHandler(deps.DB, deps.Config))
			authGroup.POST("/heartbeat-token", auth.HeartbeatTokenHandler(deps.DB, deps.Config))
		}

		// Partner-facing enrollment protocol: authenticated by payload
		// signatures and the per-enrollment stream token, not operator JWTs
		v1.POST("/enrollments", enrollmentsHandler.Create)
		v1.POST("/enrollments/:id/exchange", enrollmentsHandler.Exchange)
		v1.POST("/enrollments/:id/activate", enrollmentsHandler.Activate)
		v1.GET("/enrollments/:id/events", enrollmentsHandler.Events)

		// Revocation notice intake: signature-verified inside the engine
		v1.POST("/revocations/notices", revocationsHandler.ReceiveNotice)

		// Heartbeat ingestion: heartbeat-purpose tokens only
		hb := v1.Group("/heartbeat")
		hb.Use(middleware.HeartbeatAuth())
		{
			hb.POST("", heartbeatHandler.Ingest)
		}

		// Protected routes (operator authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			protected.GET("/enrollments", enrollmentsHandler.List)
			protected.GET("/enrollments/:id", enrollmentsHandler.Get)
			protected.POST("/enrollments/:id/verify-fingerprint", enrollmentsHandler.VerifyFingerprint)
			protected.POST("/enrollments/:id/approve", enrollmentsHandler.Approve)
			protected.POST("/enrollments/:id/reject", enrollmentsHandler.Reject)

			protected.GET("/links", linksHandler.List)
			protected.POST("/links/reset", linksHandler.Reset)
			protected.GET("/instances/:code/status", linksHandler.Status)

			protected.POST("/revocations", revocationsHandler.Revoke)
			protected.GET("/revocations/notices", revocationsHandler.ListNotices)
			protected.GET("/revocations/fingerprints", revocationsHandler.ListFingerprints)

			protected.GET("/graph", graphHandler.GetGraph)
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns current operator information
func meHandler(c *gin.Context) {
	uid, _ := c.Get("uid")
	username, _ := c.Get("username")
	role, _ := c.Get("role")

	httpx.OK(c, gin.H{
		"uid":      uid,
		"username": username,
		"role":     role,
	})
}
