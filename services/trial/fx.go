package trial

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("trial.module",
	fx.Provide(NewService),
)

var ServerModule = fx.Module("trial.server",
	Module,
	fx.Invoke(registerRoutes),
)

func registerRoutes(r *gin.Engine, s *Service) {
	r.POST("/trial/validate", s.HandleValidate)
}
