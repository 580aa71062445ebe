package model

import "gorm.io/datatypes"

// LinkDirection represents the direction of a trust edge
type LinkDirection string

const (
	DirectionSpokeToHub LinkDirection = "SPOKE_TO_HUB"
	DirectionHubToSpoke LinkDirection = "HUB_TO_SPOKE"
)

// LinkStatus represents federation link lifecycle status
type LinkStatus string

const (
	LinkStatusPending   LinkStatus = "PENDING"
	LinkStatusActive    LinkStatus = "ACTIVE"
	LinkStatusFailed    LinkStatus = "FAILED"
	LinkStatusSuspended LinkStatus = "SUSPENDED"
	LinkStatusRevoked   LinkStatus = "REVOKED"
)

// FederationLink is one directional trust edge keyed by
// (sourceCode, targetCode, direction). A bidirectional relationship is
// always exactly two rows; the pair is usable only when both are ACTIVE.
type FederationLink struct {
	BaseModel
	SourceCode     string         `gorm:"type:varchar(16);not null;uniqueIndex:idx_link_key" json:"sourceCode"`
	TargetCode     string         `gorm:"type:varchar(16);not null;uniqueIndex:idx_link_key" json:"targetCode"`
	Direction      LinkDirection  `gorm:"type:varchar(16);not null;uniqueIndex:idx_link_key" json:"direction"`
	Status         LinkStatus     `gorm:"type:varchar(16);not null;index" json:"status"`
	IdPAlias       string         `gorm:"type:varchar(128)" json:"idpAlias"`
	RealmReference string         `gorm:"type:varchar(128)" json:"realmReference"`
	LastError      string         `gorm:"type:varchar(512)" json:"lastError,omitempty"`
	LastErrorCode  string         `gorm:"type:varchar(64)" json:"lastErrorCode,omitempty"`
	ConfigSnapshot datatypes.JSON `gorm:"type:json" json:"configSnapshot,omitempty"`
}

func (FederationLink) TableName() string {
	return "federation_links"
}
