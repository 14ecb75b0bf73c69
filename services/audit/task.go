package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeRecord is the asynq task type for persisting one audit event.
const TypeRecord = "audit:record"

// HandleRecord persists an event enqueued by the recorder. Errors are
// returned so asynq retries the write independently of the original request.
func (s *Service) HandleRecord(ctx context.Context, t *asynq.Task) error {
	var event Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("audit: malformed record task: %w: %w", asynq.SkipRetry, err)
	}

	if err := s.repo.Create(ctx, &event); err != nil {
		return fmt.Errorf("audit: persist event %s: %w", event.ID, err)
	}

	return nil
}
