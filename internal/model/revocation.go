package model

import "time"

// RevocationNotice is a signed, non-repudiable record of a revocation.
// Immutable once accepted; notices that fail signature verification are
// never stored.
type RevocationNotice struct {
	BaseModel
	EnrollmentID      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"enrollmentId"`
	RevokerCode       string    `gorm:"type:varchar(16);not null" json:"revokerInstanceCode"`
	Reason            string    `gorm:"type:varchar(255)" json:"reason"`
	Signature         string    `gorm:"type:text;not null" json:"signature"`
	SignerCertificate string    `gorm:"type:text;not null" json:"signerCertPEM"`
	IssuedAt          time.Time `gorm:"not null" json:"issuedAt"`
}

func (RevocationNotice) TableName() string {
	return "revocation_notices"
}

// RevokedFingerprint is one entry on the revocation list consulted before
// any new enrollment is created, so a revoked actor cannot re-enroll with
// the same key material.
type RevokedFingerprint struct {
	BaseModel
	Fingerprint  string `gorm:"type:varchar(128);uniqueIndex;not null" json:"fingerprint"`
	InstanceCode string `gorm:"type:varchar(16)" json:"instanceCode"`
	EnrollmentID string `gorm:"type:varchar(64)" json:"enrollmentId"`
	Reason       string `gorm:"type:varchar(255)" json:"reason"`
}

func (RevokedFingerprint) TableName() string {
	return "revoked_fingerprints"
}
