package entitlement

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.module",
	fx.Provide(NewService),
)

var ServerModule = fx.Module("entitlement.server",
	Module,
	fx.Invoke(registerRoutes),
)

func registerRoutes(r *gin.Engine, s *Service) {
	group := r.Group("/license")
	group.POST("/validate", s.HandleValidate)
	group.POST("/heartbeat", s.HandleHeartbeat)
	group.POST("/release", s.HandleRelease)
}
