package audit

import (
	"context"
	"encoding/json"
	"time"

	"largon-licensing/pkg/repository"
	"largon-licensing/pkg/task"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry is what decision code hands to the recorder.
type Entry struct {
	Action     Action
	EntityType string
	EntityID   string
	Payload    Payload
	ClientIP   string
}

// Recorder appends decision events best-effort. Record never returns an
// error and never blocks the decision that produced the entry: failures are
// logged here and nowhere else.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clk   clock.Clock
	asynq task.Enqueuer
	repo  repository.Repository[Event]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clock.Clock
	Asynq task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		clk:   p.Clock,
		asynq: p.Asynq,
		repo:  repository.ProvideStore[Event](p.DB),
	}
}

func (s *Service) Record(ctx context.Context, e Entry) {
	event := Event{
		ID:         s.node.Generate().String(),
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		ClientIP:   e.ClientIP,
		CreatedAt:  s.clk.Now().UTC(),
	}

	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			zap.L().Warn("audit: failed to marshal payload", zap.Error(err), zap.String("action", string(e.Action)))
		} else {
			event.Payload = b
		}
	}

	if s.asynq != nil {
		if err := s.enqueue(event); err == nil {
			return
		}
		// fall through to a direct write when the queue is unavailable
	}

	if err := s.repo.Create(context.WithoutCancel(ctx), &event); err != nil {
		zap.L().Warn("audit: failed to write audit_log", zap.Error(err), zap.String("action", string(e.Action)))
	}
}

func (s *Service) enqueue(event Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = s.asynq.Enqueue(
		asynq.NewTask(TypeRecord, b),
		asynq.Queue("low"),
		asynq.MaxRetry(5),
		asynq.Retention(time.Hour),
	)
	if err != nil {
		zap.L().Warn("audit: failed to enqueue record task", zap.Error(err))
	}
	return err
}
