package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"largon-licensing/pkg/config"
	"largon-licensing/pkg/errutil"
	"largon-licensing/services/audit"
	"largon-licensing/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recorderStub struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorderStub) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorderStub) last(t *testing.T) audit.Entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.entries)
	return r.entries[len(r.entries)-1]
}

const testTTL = 600 * time.Second

func newTestService(t *testing.T) (*Service, *clock.Mock, *recorderStub, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &Entitlement{}, &SeatAllocation{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewMock()
	rec := &recorderStub{}

	cfg := &config.Config{}
	cfg.Licensing = config.LicensingConfig{
		HeartbeatTTL: testTTL,
		StoreTimeout: 5 * time.Second,
	}

	svc := NewService(ServiceParams{
		DB:     db,
		Node:   node,
		Clock:  clk,
		Config: cfg,
		Audit:  rec,
	})

	return svc, clk, rec, db
}

func seedEntitlement(t *testing.T, db *gorm.DB, ent *Entitlement) *Entitlement {
	t.Helper()
	if ent.ID == "" {
		ent.ID = "ent-" + ent.LicenseKey
	}
	if ent.Status == "" {
		ent.Status = StatusActive
	}
	require.NoError(t, db.Create(ent).Error)
	return ent
}

func request(licenseKey, orgID, deviceID string) Request {
	return Request{
		LicenseKey: licenseKey,
		OrgID:      orgID,
		DeviceID:   deviceID,
		Hostname:   "host-" + deviceID,
		OS:         "linux",
		AppVersion: "1.2.3",
		ClientIP:   "203.0.113.10",
	}
}

func TestValidateLicenseNotFound(t *testing.T) {
	svc, _, rec, _ := newTestService(t)

	out, err := svc.Validate(context.Background(), request("missing-key", "org-1", "dev-1"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "License not found", out.Error)

	entry := rec.last(t)
	require.Equal(t, audit.ActionValidateFail, entry.Action)
	payload, ok := entry.Payload.(audit.ValidateFailPayload)
	require.True(t, ok)
	require.Equal(t, "license_not_found", payload.Reason)
}

func TestValidateLicenseInactive(t *testing.T) {
	svc, _, rec, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 5, Status: StatusSuspended})

	out, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-1"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "License is not active", out.Error)

	payload := rec.last(t).Payload.(audit.ValidateFailPayload)
	require.Equal(t, "license_inactive", payload.Reason)
	require.Equal(t, string(StatusSuspended), payload.Status)
}

func TestValidateOrgMismatch(t *testing.T) {
	svc, _, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 5})

	out, err := svc.Validate(context.Background(), request("key-1", "org-2", "dev-1"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "Organization does not match license", out.Error)
}

func TestValidateWindowBounds(t *testing.T) {
	svc, clk, rec, db := newTestService(t)

	notYet := clk.Now().UTC().Add(time.Hour)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "future", OrgID: "org-1", MaxSeats: 1, ValidFrom: &notYet})

	out, err := svc.Validate(context.Background(), request("future", "org-1", "dev-1"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "License is not yet valid", out.Error)
	require.Equal(t, "license_not_yet_valid", rec.last(t).Payload.(audit.ValidateFailPayload).Reason)

	past := clk.Now().UTC().Add(-time.Hour)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "expired", OrgID: "org-1", MaxSeats: 1, ValidUntil: &past})

	out, err = svc.Validate(context.Background(), request("expired", "org-1", "dev-1"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "License has expired", out.Error)
	require.Equal(t, "license_expired", rec.last(t).Payload.(audit.ValidateFailPayload).Reason)
}

func TestValidateAllocatesNewSeat(t *testing.T) {
	svc, _, rec, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 2})

	out, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-1"))
	require.NoError(t, err)
	require.True(t, out.Success)
	require.NotNil(t, out.Allocation)
	require.False(t, out.Allocation.Reattach)
	require.False(t, out.Allocation.WasStale)
	require.NotEmpty(t, out.Allocation.SeatID)

	var count int64
	require.NoError(t, db.Model(&SeatAllocation{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	entry := rec.last(t)
	require.Equal(t, audit.ActionValidateSuccess, entry.Action)
	require.Equal(t, out.Allocation.SeatID, entry.EntityID)
}

func TestValidateReattachKeepsSingleRow(t *testing.T) {
	svc, clk, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	first, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-1"))
	require.NoError(t, err)
	require.True(t, first.Success)

	clk.Add(testTTL / 2)

	second, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-1"))
	require.NoError(t, err)
	require.True(t, second.Success)
	require.True(t, second.Allocation.Reattach)
	require.Equal(t, first.Allocation.SeatID, second.Allocation.SeatID)

	var count int64
	require.NoError(t, db.Model(&SeatAllocation{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestValidateNoSeatsAvailable(t *testing.T) {
	svc, _, rec, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	out, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, out.Success)

	out, err = svc.Validate(context.Background(), request("key-1", "org-1", "dev-b"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "No seats available. Maximum active seats in use.", out.Error)

	payload := rec.last(t).Payload.(audit.ValidateFailPayload)
	require.Equal(t, "max_seats_exceeded", payload.Reason)
	require.Equal(t, 1, payload.Active)
	require.Equal(t, 1, payload.Max)
}

// Full stale-seat lifecycle: B is rejected while A is active, reclaims A's
// row once the TTL lapses, and A's next heartbeat is refused.
func TestValidateReclaimsStaleSeat(t *testing.T) {
	svc, clk, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	aOut, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, aOut.Success)
	firstSeatID := aOut.Allocation.SeatID

	bOut, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-b"))
	require.NoError(t, err)
	require.False(t, bOut.Success)

	clk.Add(testTTL)

	bOut, err = svc.Validate(context.Background(), request("key-1", "org-1", "dev-b"))
	require.NoError(t, err)
	require.True(t, bOut.Success)
	require.False(t, bOut.Allocation.Reattach)

	// B replaced its own (absent) row with a new one; A's stale row stays
	// until A revalidates or releases, so the table has two rows but only
	// one counted seat.
	var count int64
	require.NoError(t, db.Model(&SeatAllocation{}).Count(&count).Error)
	require.Equal(t, int64(2), count)

	hb, err := svc.Heartbeat(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.False(t, hb.Success)
	require.Equal(t, "Seat allocation has expired. Call validate to reallocate.", hb.Error)

	// A revalidating reclaims its own stale row in place. The capacity
	// check only applies to devices without a row.
	aOut, err = svc.Validate(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, aOut.Success)
	require.True(t, aOut.Allocation.WasStale)
	require.False(t, aOut.Allocation.Reattach)
	require.Equal(t, firstSeatID, aOut.Allocation.SeatID)

	require.NoError(t, db.Model(&SeatAllocation{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestSeatExactlyTTLOldIsStale(t *testing.T) {
	svc, clk, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	out, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, out.Success)

	clk.Add(testTTL - time.Millisecond)

	hb, err := svc.Heartbeat(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, hb.Success)

	clk.Add(testTTL)

	hb, err = svc.Heartbeat(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.False(t, hb.Success)

	// The slot is free for another device the instant the TTL lapses.
	bOut, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-b"))
	require.NoError(t, err)
	require.True(t, bOut.Success)
}

func TestHeartbeatNoAllocation(t *testing.T) {
	svc, _, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	out, err := svc.Heartbeat(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "No seat allocation found for this device. Call validate first.", out.Error)
}

func TestHeartbeatEntitlementNotActiveForOrg(t *testing.T) {
	svc, _, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1, Status: StatusRevoked})

	out, err := svc.Heartbeat(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "License not found or not active for this organization", out.Error)

	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-2", OrgID: "org-1", MaxSeats: 1})
	out, err = svc.Heartbeat(context.Background(), request("key-2", "org-other", "dev-a"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "License not found or not active for this organization", out.Error)
}

func TestHeartbeatExtendsSeat(t *testing.T) {
	svc, clk, rec, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	_, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)

	clk.Add(testTTL / 2)
	out, err := svc.Heartbeat(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, audit.ActionHeartbeat, rec.last(t).Action)

	// Without the refresh this second gap would cross the TTL.
	clk.Add(testTTL / 2)
	out, err = svc.Heartbeat(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, out.Success)
}

func TestReleaseIsTerminal(t *testing.T) {
	svc, _, rec, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	_, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)

	out, err := svc.Release(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, audit.ActionRelease, rec.last(t).Action)

	var count int64
	require.NoError(t, db.Model(&SeatAllocation{}).Count(&count).Error)
	require.Equal(t, int64(0), count)

	// Second release: nothing left to delete.
	out, err = svc.Release(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "No seat allocation found for this device", out.Error)
}

func TestReleaseWorksOnExpiredLicense(t *testing.T) {
	svc, clk, _, db := newTestService(t)

	past := clk.Now().UTC().Add(-time.Hour)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1, Status: StatusRevoked, ValidUntil: &past})

	require.NoError(t, db.Create(&SeatAllocation{
		ID:            "seat-1",
		EntitlementID: "ent-key-1",
		OrgID:         "org-1",
		DeviceID:      "dev-a",
		AllocatedAt:   clk.Now().UTC(),
		UpdatedAt:     clk.Now().UTC(),
	}).Error)

	out, err := svc.Release(context.Background(), request("key-1", "org-1", "dev-a"))
	require.NoError(t, err)
	require.True(t, out.Success)
}

func TestReleaseUnknownOrg(t *testing.T) {
	svc, _, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	out, err := svc.Release(context.Background(), request("key-1", "org-2", "dev-a"))
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, "License not found for this organization", out.Error)
}

// Serialized validation must never hand the last seat to more than one
// device, no matter how many calls overlap.
func TestConcurrentValidateLastSeat(t *testing.T) {
	svc, clk, _, db := newTestService(t)
	seedEntitlement(t, db, &Entitlement{LicenseKey: "key-1", OrgID: "org-1", MaxSeats: 1})

	const devices = 8
	outcomes := make([]*Outcome, devices)

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := svc.Validate(context.Background(), request("key-1", "org-1", string(rune('a'+n))))
			require.NoError(t, err)
			outcomes[n] = out
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, out := range outcomes {
		if out.Success {
			successes++
		}
	}
	require.Equal(t, 1, successes)

	active := 0
	var rows []SeatAllocation
	require.NoError(t, db.Find(&rows).Error)
	for _, row := range rows {
		if row.ActiveAt(clk.Now().UTC(), testTTL) {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestValidateStoreFailureIsTransient(t *testing.T) {
	svc, _, _, db := newTestService(t)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	out, err := svc.Validate(context.Background(), request("key-1", "org-1", "dev-a"))
	require.Nil(t, out)
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusInternal, base.Code)
}
