package server

import (
	"net/http"

	"largon-licensing/pkg/config"
	"largon-licensing/pkg/health"
	"largon-licensing/pkg/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type RouterParams struct {
	fx.In

	Config *config.Config
	Health health.HealthService
}

// NewRouter builds the shared gin engine. Services attach their own route
// groups through fx.Invoke.
func NewRouter(p RouterParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLog(), middleware.Error())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": p.Config.AppName,
			"status":  "ok",
			"health":  "/health",
			"endpoints": []string{
				"POST /license/validate",
				"POST /license/heartbeat",
				"POST /license/release",
				"POST /trial/validate",
			},
		})
	})
	r.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/health", p.Health.Liveness)
	r.GET("/health/ready", p.Health.Readiness)

	return r
}
