package main

import (
	"go.uber.org/fx"

	"largon-licensing/pkg/config"
	"largon-licensing/pkg/db"
	"largon-licensing/pkg/gen"
	"largon-licensing/pkg/health"
	"largon-licensing/pkg/logger"
	"largon-licensing/pkg/otelcol"
	"largon-licensing/pkg/profiling"
	"largon-licensing/pkg/redis"
	"largon-licensing/pkg/server"
	"largon-licensing/pkg/task"
	"largon-licensing/services/audit"
	"largon-licensing/services/bootstrap"
	"largon-licensing/services/entitlement"
	"largon-licensing/services/trial"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		gen.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		fx.Invoke(db.Otel, db.Metric),
		redis.Module,
		task.Client,
		task.Server,
		health.Module,
		bootstrap.Module,
		audit.ServerModule,
		audit.WorkerModule,
		entitlement.ServerModule,
		trial.ServerModule,
		server.ProvideHTTPServer,
	)

	app.Run()
}
