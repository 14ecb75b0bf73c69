package trial

import (
	"time"

	"gorm.io/datatypes"
)

// Device tracks trial usage per device. trial_used_at is set once on first
// real use and never overwritten; org_id keeps its first writer. Rows are
// never deleted here.
type Device struct {
	DeviceID    string         `gorm:"column:device_id;primaryKey"`
	OrgID       *string        `gorm:"column:org_id"`
	FirstSeenAt time.Time      `gorm:"column:first_seen_at"`
	LastSeenAt  time.Time      `gorm:"column:last_seen_at"`
	TrialUsedAt *time.Time     `gorm:"column:trial_used_at"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
}

func (Device) TableName() string {
	return "devices"
}

// Metadata holds the device descriptors reported on each call; latest
// values win.
type Metadata struct {
	Hostname   string `json:"hostname,omitempty"`
	OS         string `json:"os,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// TrialStart returns the instant the trial clock runs from: the recorded
// first use when present, else first sight of the device.
func (d *Device) TrialStart() time.Time {
	if d.TrialUsedAt != nil {
		return d.TrialUsedAt.UTC()
	}
	return d.FirstSeenAt.UTC()
}
