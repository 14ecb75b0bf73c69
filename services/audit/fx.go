package audit

import (
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.module",
	fx.Provide(
		NewService,
		func(s *Service) Recorder { return s },
	),
)

var ServerModule = fx.Module("audit.server",
	Module,
	fx.Invoke(registerRoutes),
)

// WorkerModule attaches the persistence task handler to the asynq mux.
var WorkerModule = fx.Module("audit.worker",
	fx.Invoke(registerTaskHandler),
)

func registerRoutes(r *gin.Engine, s *Service) {
	r.GET("/audit/events", s.ListEvents)
}

func registerTaskHandler(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(TypeRecord, s.HandleRecord)
}
