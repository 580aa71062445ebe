package model

import "gorm.io/datatypes"

// ActorType distinguishes human operators from automated agents in audit
type ActorType string

const (
	ActorTypeHuman     ActorType = "human"
	ActorTypeAutomated ActorType = "automated"
)

// AuditLog records security-relevant actions: fingerprint verification,
// link resets, revocations, rejected signatures.
type AuditLog struct {
	BaseModel
	Actor     string         `gorm:"type:varchar(64);not null" json:"actor"`
	ActorType ActorType      `gorm:"type:varchar(16);not null" json:"actorType"`
	Action    string         `gorm:"type:varchar(64);not null;index" json:"action"`
	Subject   string         `gorm:"type:varchar(128);index" json:"subject"`
	Detail    datatypes.JSON `gorm:"type:json" json:"detail,omitempty"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
