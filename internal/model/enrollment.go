package model

import (
	"time"

	"gorm.io/datatypes"
)

// EnrollmentStatus represents the enrollment handshake state
type EnrollmentStatus string

const (
	EnrollmentStatusPendingVerification  EnrollmentStatus = "PENDING_VERIFICATION"
	EnrollmentStatusFingerprintVerified  EnrollmentStatus = "FINGERPRINT_VERIFIED"
	EnrollmentStatusApproved             EnrollmentStatus = "APPROVED"
	EnrollmentStatusCredentialsExchanged EnrollmentStatus = "CREDENTIALS_EXCHANGED"
	EnrollmentStatusActive               EnrollmentStatus = "ACTIVE"
	EnrollmentStatusRejected             EnrollmentStatus = "REJECTED"
	EnrollmentStatusRevoked              EnrollmentStatus = "REVOKED"
	EnrollmentStatusExpired              EnrollmentStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentStatusActive, EnrollmentStatusRejected, EnrollmentStatusRevoked, EnrollmentStatusExpired:
		return true
	}
	return false
}

// Enrollment is the unit of work establishing one bidirectional trust
// relationship. Advanced only by the approver (verify, approve) and then by
// the requester (exchange, activate).
type Enrollment struct {
	BaseModel
	EnrollmentID         string           `gorm:"type:varchar(64);uniqueIndex;not null" json:"enrollmentId"`
	RequesterCode        string           `gorm:"type:varchar(16);not null;index" json:"requesterCode"`
	ApproverCode         string           `gorm:"type:varchar(16);not null;index" json:"approverCode"`
	Status               EnrollmentStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	RequesterFingerprint string           `gorm:"type:varchar(128);not null;index" json:"requesterFingerprint"`
	RequestedScopes      datatypes.JSON   `gorm:"type:json" json:"requestedScopes"`
	Signature            string           `gorm:"type:text" json:"-"`
	RequesterCertPEM     string           `gorm:"type:text" json:"-"`
	RequesterBaseURL     string           `gorm:"type:varchar(255)" json:"-"`
	RequesterAPIURL      string           `gorm:"type:varchar(255)" json:"-"`
	RequesterIdPURL      string           `gorm:"type:varchar(255)" json:"-"`
	CredentialRef        string           `gorm:"type:varchar(255)" json:"-"`
	RejectReason         string           `gorm:"type:varchar(255)" json:"rejectReason,omitempty"`
	ExpiresAt            time.Time        `gorm:"not null" json:"expiresAt"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}
