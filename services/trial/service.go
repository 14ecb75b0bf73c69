package trial

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"largon-licensing/pkg/config"
	"largon-licensing/pkg/errutil"
	"largon-licensing/pkg/repository"
	"largon-licensing/pkg/syncutil"
	"largon-licensing/services/audit"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Request struct {
	DeviceID   string
	OrgID      string
	Hostname   string
	OS         string
	AppVersion string
	ClientIP   string
}

type Outcome struct {
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	TrialActive bool       `json:"trial_active"`
	FirstUse    bool       `json:"first_use"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type Service struct {
	db    *gorm.DB
	clk   clock.Clock
	cfg   config.LicensingConfig
	audit audit.Recorder

	// locks serializes calls per device id so the set-once fields
	// (trial_used_at, org_id) cannot be raced.
	locks *syncutil.KeyedMutex

	devices repository.Repository[Device]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Clock  clock.Clock
	Config *config.Config
	Audit  audit.Recorder
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		clk:     p.Clock,
		cfg:     p.Config.Licensing,
		audit:   p.Audit,
		locks:   syncutil.NewKeyedMutex(),
		devices: repository.ProvideStore[Device](p.DB),
	}
}

// ValidateTrial starts or continues the device's trial. A zero
// TrialDuration means the trial never expires by time; trial_used_at is
// still recorded for reporting.
func (s *Service) ValidateTrial(ctx context.Context, req Request) (*Outcome, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	zapLog := zap.L().With(traceFields(ctx)...)

	s.locks.Lock(req.DeviceID)
	defer s.locks.Unlock(req.DeviceID)

	now := s.clk.Now().UTC()

	device, err := s.devices.FindOne(ctx, &Device{DeviceID: req.DeviceID})
	if err != nil {
		zapLog.Error("failed to look up device", zap.Error(err))
		return nil, s.storeErr(err)
	}

	meta, err := json.Marshal(Metadata{Hostname: req.Hostname, OS: req.OS, AppVersion: req.AppVersion})
	if err != nil {
		return nil, errutil.Internal("failed to encode device metadata", err)
	}

	if device == nil {
		trialUsed := now
		device = &Device{
			DeviceID:    req.DeviceID,
			FirstSeenAt: now,
			LastSeenAt:  now,
			TrialUsedAt: &trialUsed,
			Metadata:    meta,
		}
		if req.OrgID != "" {
			device.OrgID = &req.OrgID
		}
		if err := s.devices.Create(ctx, device); err != nil {
			zapLog.Error("failed to create device record", zap.Error(err), zap.String("device_id", req.DeviceID))
			return nil, s.storeErr(err)
		}

		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionTrialStart,
			EntityType: "device",
			EntityID:   req.DeviceID,
			Payload:    audit.TrialStartPayload{OrgID: req.OrgID},
			ClientIP:   req.ClientIP,
		})
		return &Outcome{
			Success:     true,
			TrialActive: true,
			FirstUse:    true,
			ExpiresAt:   s.expiry(now),
		}, nil
	}

	trialStart := device.TrialStart()
	if s.cfg.TrialDuration > 0 && now.Sub(trialStart) >= s.cfg.TrialDuration {
		// Expired: still refresh sighting and metadata, but trial_used_at
		// stays untouched.
		if err := s.touchDevice(ctx, device, req, meta, now, false); err != nil {
			zapLog.Error("failed to update device record", zap.Error(err), zap.String("device_id", req.DeviceID))
			return nil, s.storeErr(err)
		}
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionTrialFail,
			EntityType: "device",
			EntityID:   req.DeviceID,
			Payload:    audit.TrialFailPayload{Reason: "trial_expired"},
			ClientIP:   req.ClientIP,
		})
		return &Outcome{Success: false, Error: "Trial has expired", TrialActive: false}, nil
	}

	if err := s.touchDevice(ctx, device, req, meta, now, device.TrialUsedAt == nil); err != nil {
		zapLog.Error("failed to update device record", zap.Error(err), zap.String("device_id", req.DeviceID))
		return nil, s.storeErr(err)
	}

	return &Outcome{
		Success:     true,
		TrialActive: true,
		FirstUse:    false,
		ExpiresAt:   s.expiry(trialStart),
	}, nil
}

// touchDevice refreshes last_seen_at and metadata. trial_used_at is written
// only when markTrialUsed is set and the field is still empty; org_id keeps
// its first writer.
func (s *Service) touchDevice(ctx context.Context, device *Device, req Request, meta []byte, now time.Time, markTrialUsed bool) error {
	updates := map[string]any{
		"last_seen_at": now,
		"metadata":     meta,
	}
	if markTrialUsed && device.TrialUsedAt == nil {
		updates["trial_used_at"] = now
	}
	if device.OrgID == nil && req.OrgID != "" {
		updates["org_id"] = req.OrgID
	}

	return s.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", device.DeviceID).
		Updates(updates).Error
}

func (s *Service) expiry(start time.Time) *time.Time {
	if s.cfg.TrialDuration <= 0 {
		return nil
	}
	e := start.Add(s.cfg.TrialDuration)
	return &e
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errutil.Timeout("store round-trip timed out", err)
	}
	return errutil.Internal("store unavailable", err)
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}
