package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_acmebot/api/v1/auth"
	"go_acmebot/api/v1/certificates"
	"go_acmebot/api/v1/dns"
	"go_acmebot/api/v1/middleware"
	"go_acmebot/api/v1/workflows"
	"go_acmebot/internal/config"
	"go_acmebot/internal/httpx"
	"go_acmebot/internal/vault"
)

// Engine is what the API needs from the workflow engine
type Engine interface {
	certificates.Engine
	workflows.Source
}

// Deps holds the services routes are bound to
type Deps struct {
	DB     *gorm.DB
	Config *config.Config
	Engine Engine
	Vault  vault.Vault
	Zones  dns.ZoneLister
	Logger *logrus.Entry
	// Socket serves /socket.io/ when set
	Socket http.Handler
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, deps Deps) {
	if deps.Socket != nil {
		r.GET("/socket.io/*any", gin.WrapH(deps.Socket))
		r.POST("/socket.io/*any", gin.WrapH(deps.Socket))
	}

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", auth.LoginHandler(deps.DB, deps.Config.JWT))
		}

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			certHandler := certificates.NewHandler(deps.Engine, deps.Vault, deps.Config.Acme.UseARI, deps.Logger)
			certGroup := protected.Group("/certificates")
			{
				certGroup.GET("", certHandler.List)
				certGroup.POST("/issue", certHandler.Issue)
				certGroup.POST("/:name/renew", certHandler.Renew)
			}

			wfHandler := workflows.NewHandler(deps.Engine)
			wfGroup := protected.Group("/workflows")
			{
				wfGroup.GET("/:id", wfHandler.Get)
				wfGroup.GET("/:id/events", wfHandler.Events)
			}

			dnsHandler := dns.NewHandler(deps.Zones)
			protected.GET("/dns/zones", dnsHandler.Zones)
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns current user information
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
