package audit

import (
	"time"

	"gorm.io/datatypes"
)

// Action tags every audit row with the decision branch that produced it.
type Action string

const (
	ActionValidateSuccess Action = "validate_success"
	ActionValidateFail    Action = "validate_fail"
	ActionHeartbeat       Action = "heartbeat"
	ActionRelease         Action = "release"
	ActionTrialStart      Action = "trial_start"
	ActionTrialFail       Action = "trial_validate_fail"
)

type Event struct {
	ID         string         `gorm:"column:id;primaryKey" json:"id"`
	Action     Action         `gorm:"column:action;index" json:"action"`
	EntityType string         `gorm:"column:entity_type" json:"entity_type"`
	EntityID   string         `gorm:"column:entity_id;index" json:"entity_id"`
	Payload    datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	ClientIP   string         `gorm:"column:client_ip" json:"client_ip,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at;index" json:"created_at"`
}

func (Event) TableName() string {
	return "audit_log"
}

// Payload is the closed set of per-action payload shapes. Keeping the
// variants typed keeps the audit contract stable without tying it to any
// particular storage representation.
type Payload interface {
	isAuditPayload()
}

type ValidateSuccessPayload struct {
	Reattach bool `json:"reattach"`
	WasStale bool `json:"was_stale,omitempty"`
}

type ValidateFailPayload struct {
	Reason     string `json:"reason"`
	LicenseKey string `json:"license_key,omitempty"`
	Status     string `json:"status,omitempty"`
	Active     int    `json:"active,omitempty"`
	Max        int    `json:"max,omitempty"`
}

type HeartbeatPayload struct{}

type ReleasePayload struct {
	EntitlementID string `json:"entitlement_id"`
	DeviceID      string `json:"device_id"`
}

type TrialStartPayload struct {
	OrgID string `json:"org_id,omitempty"`
}

type TrialFailPayload struct {
	Reason string `json:"reason"`
}

func (ValidateSuccessPayload) isAuditPayload() {}
func (ValidateFailPayload) isAuditPayload()    {}
func (HeartbeatPayload) isAuditPayload()       {}
func (ReleasePayload) isAuditPayload()         {}
func (TrialStartPayload) isAuditPayload()      {}
func (TrialFailPayload) isAuditPayload()       {}
