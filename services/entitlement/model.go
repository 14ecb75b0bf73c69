package entitlement

import "time"

type EntitlementStatus string

const (
	StatusActive    EntitlementStatus = "active"
	StatusSuspended EntitlementStatus = "suspended"
	StatusRevoked   EntitlementStatus = "revoked"
)

// Entitlement is one license grant for an org. Rows are seeded out-of-band;
// the validator only reads them.
type Entitlement struct {
	ID         string            `gorm:"column:id;primaryKey"`
	OrgID      string            `gorm:"column:org_id;index"`
	LicenseKey string            `gorm:"column:license_key;uniqueIndex"`
	MaxSeats   int               `gorm:"column:max_seats"`
	ValidFrom  *time.Time        `gorm:"column:valid_from"`
	ValidUntil *time.Time        `gorm:"column:valid_until"`
	Status     EntitlementStatus `gorm:"column:status"`
	CreatedAt  time.Time         `gorm:"column:created_at"`
	UpdatedAt  time.Time         `gorm:"column:updated_at"`
}

func (Entitlement) TableName() string {
	return "license_entitlements"
}

// SeatAllocation is a device's claim on one of an entitlement's seats. At
// most one row exists per (entitlement, device): created on first validate,
// refreshed afterwards, deleted only by release. A row whose heartbeat has
// lapsed stays in place and is reclaimed by the next validate from its
// device.
type SeatAllocation struct {
	ID              string     `gorm:"column:id;primaryKey"`
	EntitlementID   string     `gorm:"column:entitlement_id;uniqueIndex:idx_seat_entitlement_device"`
	OrgID           string     `gorm:"column:org_id"`
	DeviceID        string     `gorm:"column:device_id;uniqueIndex:idx_seat_entitlement_device"`
	Hostname        string     `gorm:"column:hostname"`
	OS              string     `gorm:"column:os"`
	AppVersion      string     `gorm:"column:app_version"`
	ClientIP        string     `gorm:"column:client_ip"`
	AllocatedAt     time.Time  `gorm:"column:allocated_at"`
	LastHeartbeatAt *time.Time `gorm:"column:last_heartbeat_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (SeatAllocation) TableName() string {
	return "seat_allocations"
}

// ActiveAt reports whether the seat still counts against capacity: a
// heartbeat strictly newer than now-ttl. Exactly ttl old is stale.
func (a *SeatAllocation) ActiveAt(now time.Time, ttl time.Duration) bool {
	if a.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(a.LastHeartbeatAt.UTC()) < ttl
}
