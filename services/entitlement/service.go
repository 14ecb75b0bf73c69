package entitlement

import (
	"context"
	"errors"
	"time"

	"largon-licensing/pkg/config"
	"largon-licensing/pkg/errutil"
	"largon-licensing/pkg/repository"
	"largon-licensing/pkg/syncutil"
	"largon-licensing/services/audit"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Request is the normalized inbound shape for all three license calls. The
// transport layer fills ClientIP from the connection.
type Request struct {
	LicenseKey string
	OrgID      string
	DeviceID   string
	Hostname   string
	OS         string
	AppVersion string
	ClientIP   string
}

type Allocation struct {
	SeatID   string `json:"seat_id"`
	Reattach bool   `json:"reattach"`
	WasStale bool   `json:"was_stale,omitempty"`
}

// Outcome carries business results, including rejections. Infrastructure
// failures are returned as errors instead and never folded into Outcome.
type Outcome struct {
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Allocation *Allocation `json:"allocation,omitempty"`
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clk   clock.Clock
	cfg   config.LicensingConfig
	audit audit.Recorder

	// locks serializes validate/release per entitlement id so the
	// read-count-write sequence cannot race another call for the last seat
	// within this instance.
	locks *syncutil.KeyedMutex

	entitlements repository.Repository[Entitlement]
	seats        repository.Repository[SeatAllocation]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clock.Clock
	Config *config.Config
	Audit  audit.Recorder
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		node:         p.Node,
		clk:          p.Clock,
		cfg:          p.Config.Licensing,
		audit:        p.Audit,
		locks:        syncutil.NewKeyedMutex(),
		entitlements: repository.ProvideStore[Entitlement](p.DB),
		seats:        repository.ProvideStore[SeatAllocation](p.DB),
	}
}

// Validate checks the entitlement and allocates, reattaches or reclaims a
// seat for the device. Every branch emits exactly one audit event.
func (s *Service) Validate(ctx context.Context, req Request) (*Outcome, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	zapLog := zap.L().With(traceFields(ctx)...)

	ent, err := s.entitlements.FindOne(ctx, &Entitlement{LicenseKey: req.LicenseKey})
	if err != nil {
		zapLog.Error("failed to look up entitlement", zap.Error(err))
		return nil, s.storeErr(err)
	}
	if ent == nil {
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionValidateFail,
			EntityType: "entitlement",
			Payload:    audit.ValidateFailPayload{Reason: "license_not_found", LicenseKey: req.LicenseKey},
			ClientIP:   req.ClientIP,
		})
		return failure("License not found"), nil
	}

	if ent.Status != StatusActive {
		s.recordValidateFail(ctx, ent.ID, req.ClientIP, audit.ValidateFailPayload{Reason: "license_inactive", Status: string(ent.Status)})
		return failure("License is not active"), nil
	}

	if ent.OrgID != req.OrgID {
		s.recordValidateFail(ctx, ent.ID, req.ClientIP, audit.ValidateFailPayload{Reason: "org_mismatch"})
		return failure("Organization does not match license"), nil
	}

	now := s.clk.Now().UTC()
	if ent.ValidFrom != nil && now.Before(ent.ValidFrom.UTC()) {
		s.recordValidateFail(ctx, ent.ID, req.ClientIP, audit.ValidateFailPayload{Reason: "license_not_yet_valid"})
		return failure("License is not yet valid"), nil
	}
	if ent.ValidUntil != nil && now.After(ent.ValidUntil.UTC()) {
		s.recordValidateFail(ctx, ent.ID, req.ClientIP, audit.ValidateFailPayload{Reason: "license_expired"})
		return failure("License has expired"), nil
	}

	s.locks.Lock(ent.ID)
	defer s.locks.Unlock(ent.ID)

	rows, err := s.seats.Find(ctx, &SeatAllocation{EntitlementID: ent.ID})
	if err != nil {
		zapLog.Error("failed to load seat allocations", zap.Error(err), zap.String("entitlement_id", ent.ID))
		return nil, s.storeErr(err)
	}

	activeCount := 0
	var existing *SeatAllocation
	for _, row := range rows {
		if row.ActiveAt(now, s.cfg.HeartbeatTTL) {
			activeCount++
		}
		if row.DeviceID == req.DeviceID {
			existing = row
		}
	}

	switch {
	case existing != nil && existing.ActiveAt(now, s.cfg.HeartbeatTTL):
		// The device already holds a counted seat; refresh without a
		// capacity check.
		if err := s.refreshSeat(ctx, existing.ID, req, now); err != nil {
			zapLog.Error("failed to refresh seat allocation", zap.Error(err), zap.String("seat_id", existing.ID))
			return nil, s.storeErr(err)
		}
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionValidateSuccess,
			EntityType: "seat_allocation",
			EntityID:   existing.ID,
			Payload:    audit.ValidateSuccessPayload{Reattach: true},
			ClientIP:   req.ClientIP,
		})
		return &Outcome{Success: true, Allocation: &Allocation{SeatID: existing.ID, Reattach: true}}, nil

	case activeCount >= ent.MaxSeats && existing == nil:
		s.recordValidateFail(ctx, ent.ID, req.ClientIP, audit.ValidateFailPayload{
			Reason: "max_seats_exceeded",
			Active: activeCount,
			Max:    ent.MaxSeats,
		})
		return failure("No seats available. Maximum active seats in use."), nil

	case existing != nil:
		// Stale row for this device: reclaim it in place instead of
		// growing the table.
		if err := s.refreshSeat(ctx, existing.ID, req, now); err != nil {
			zapLog.Error("failed to reclaim stale seat", zap.Error(err), zap.String("seat_id", existing.ID))
			return nil, s.storeErr(err)
		}
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionValidateSuccess,
			EntityType: "seat_allocation",
			EntityID:   existing.ID,
			Payload:    audit.ValidateSuccessPayload{Reattach: false, WasStale: true},
			ClientIP:   req.ClientIP,
		})
		return &Outcome{Success: true, Allocation: &Allocation{SeatID: existing.ID, Reattach: false, WasStale: true}}, nil

	default:
		seat := &SeatAllocation{
			ID:              s.node.Generate().String(),
			EntitlementID:   ent.ID,
			OrgID:           req.OrgID,
			DeviceID:        req.DeviceID,
			Hostname:        req.Hostname,
			OS:              req.OS,
			AppVersion:      req.AppVersion,
			ClientIP:        req.ClientIP,
			AllocatedAt:     now,
			LastHeartbeatAt: &now,
			UpdatedAt:       now,
		}
		if err := s.seats.Create(ctx, seat); err != nil {
			zapLog.Error("failed to create seat allocation", zap.Error(err), zap.String("entitlement_id", ent.ID))
			return nil, s.storeErr(err)
		}
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionValidateSuccess,
			EntityType: "seat_allocation",
			EntityID:   seat.ID,
			Payload:    audit.ValidateSuccessPayload{Reattach: false},
			ClientIP:   req.ClientIP,
		})
		return &Outcome{Success: true, Allocation: &Allocation{SeatID: seat.ID, Reattach: false}}, nil
	}
}

// Heartbeat refreshes an active allocation. It never resurrects a stale one
// and never re-checks the validity window, only the status.
func (s *Service) Heartbeat(ctx context.Context, req Request) (*Outcome, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	zapLog := zap.L().With(traceFields(ctx)...)

	ent, err := s.entitlements.FindOne(ctx, &Entitlement{
		LicenseKey: req.LicenseKey,
		OrgID:      req.OrgID,
		Status:     StatusActive,
	})
	if err != nil {
		zapLog.Error("failed to look up entitlement", zap.Error(err))
		return nil, s.storeErr(err)
	}
	if ent == nil {
		return failure("License not found or not active for this organization"), nil
	}

	alloc, err := s.seats.FindOne(ctx, &SeatAllocation{EntitlementID: ent.ID, DeviceID: req.DeviceID})
	if err != nil {
		zapLog.Error("failed to look up seat allocation", zap.Error(err), zap.String("entitlement_id", ent.ID))
		return nil, s.storeErr(err)
	}
	if alloc == nil {
		return failure("No seat allocation found for this device. Call validate first."), nil
	}

	now := s.clk.Now().UTC()
	if !alloc.ActiveAt(now, s.cfg.HeartbeatTTL) {
		return failure("Seat allocation has expired. Call validate to reallocate."), nil
	}

	if err := s.refreshSeat(ctx, alloc.ID, req, now); err != nil {
		zapLog.Error("failed to refresh seat allocation", zap.Error(err), zap.String("seat_id", alloc.ID))
		return nil, s.storeErr(err)
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionHeartbeat,
		EntityType: "seat_allocation",
		EntityID:   alloc.ID,
		Payload:    audit.HeartbeatPayload{},
		ClientIP:   req.ClientIP,
	})
	return &Outcome{Success: true}, nil
}

// Release deletes the device's allocation. It works even on an expired or
// suspended license; only the org must match.
func (s *Service) Release(ctx context.Context, req Request) (*Outcome, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	zapLog := zap.L().With(traceFields(ctx)...)

	ent, err := s.entitlements.FindOne(ctx, &Entitlement{LicenseKey: req.LicenseKey, OrgID: req.OrgID})
	if err != nil {
		zapLog.Error("failed to look up entitlement", zap.Error(err))
		return nil, s.storeErr(err)
	}
	if ent == nil {
		return failure("License not found for this organization"), nil
	}

	s.locks.Lock(ent.ID)
	defer s.locks.Unlock(ent.ID)

	affected, err := s.seats.Delete(ctx, &SeatAllocation{EntitlementID: ent.ID, DeviceID: req.DeviceID})
	if err != nil {
		zapLog.Error("failed to delete seat allocation", zap.Error(err), zap.String("entitlement_id", ent.ID))
		return nil, s.storeErr(err)
	}
	if affected == 0 {
		return failure("No seat allocation found for this device"), nil
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionRelease,
		EntityType: "seat_allocation",
		Payload:    audit.ReleasePayload{EntitlementID: ent.ID, DeviceID: req.DeviceID},
		ClientIP:   req.ClientIP,
	})
	return &Outcome{Success: true}, nil
}

func (s *Service) refreshSeat(ctx context.Context, seatID string, req Request, now time.Time) error {
	return s.seats.Update(ctx, seatID, map[string]any{
		"last_heartbeat_at": now,
		"hostname":          req.Hostname,
		"os":                req.OS,
		"app_version":       req.AppVersion,
		"client_ip":         req.ClientIP,
		"updated_at":        now,
	})
}

func (s *Service) recordValidateFail(ctx context.Context, entitlementID, clientIP string, payload audit.ValidateFailPayload) {
	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionValidateFail,
		EntityType: "entitlement",
		EntityID:   entitlementID,
		Payload:    payload,
		ClientIP:   clientIP,
	})
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// storeErr classifies infrastructure failures so the transport can signal
// retryability. Business rejections never pass through here.
func (s *Service) storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errutil.Timeout("store round-trip timed out", err)
	}
	return errutil.Internal("store unavailable", err)
}

func failure(msg string) *Outcome {
	return &Outcome{Success: false, Error: msg}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}
