package model

import "gorm.io/datatypes"

// InstanceRole represents the role an instance plays in the federation
type InstanceRole string

const (
	InstanceRoleHub   InstanceRole = "HUB"
	InstanceRoleSpoke InstanceRole = "SPOKE"
)

// Instance represents a participant in the federation.
// Endpoints and scopes may only change through a new signed enrollment
// request, never by a silent overwrite.
type Instance struct {
	BaseModel
	InstanceCode        string         `gorm:"type:varchar(16);uniqueIndex;not null" json:"instanceCode"`
	SpokeID             string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"spokeId"`
	Role                InstanceRole   `gorm:"type:varchar(8);not null" json:"role"`
	BaseURL             string         `gorm:"type:varchar(255)" json:"baseUrl"`
	APIURL              string         `gorm:"type:varchar(255)" json:"apiUrl"`
	IdPURL              string         `gorm:"type:varchar(255)" json:"idpUrl"`
	IdentityFingerprint string         `gorm:"type:varchar(128);index;not null" json:"identityFingerprint"`
	SigningCertPEM      string         `gorm:"type:text" json:"-"`
	TrustLevel          string         `gorm:"type:varchar(32);default:'standard'" json:"trustLevel"`
	MaxClassification   string         `gorm:"type:varchar(32);default:'internal'" json:"maxClassification"`
	GrantedScopes       datatypes.JSON `gorm:"type:json" json:"grantedScopes"`
}

func (Instance) TableName() string {
	return "instances"
}
