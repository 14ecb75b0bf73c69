package bootstrap

import (
	"largon-licensing/services/audit"
	"largon-licensing/services/entitlement"
	"largon-licensing/services/trial"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db *gorm.DB
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db: p.DB,
	}
}

// Migrate brings the licensing schema up to date. Entitlement rows are
// seeded out-of-band; this only creates the tables.
func (s *Service) Migrate() error {
	if err := s.db.AutoMigrate(
		&entitlement.Entitlement{},
		&entitlement.SeatAllocation{},
		&trial.Device{},
		&audit.Event{},
	); err != nil {
		zap.L().Error("[bootstrap] Failed to migrate schema", zap.Error(err))
		return err
	}

	zap.L().Info("[bootstrap] Schema migration complete")
	return nil
}
