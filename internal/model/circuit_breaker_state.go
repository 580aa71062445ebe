package model

import "time"

// BreakerState represents circuit breaker state values
type BreakerState string

const (
	BreakerStateClosed   BreakerState = "CLOSED"
	BreakerStateOpen     BreakerState = "OPEN"
	BreakerStateHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreakerState mirrors the in-memory breaker for one link so
// operators can see why calls to a partner are being short-circuited.
// Mutated only by the circuit breaker component.
type CircuitBreakerState struct {
	BaseModel
	LinkKey             string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"linkKey"`
	State               BreakerState `gorm:"type:varchar(16);not null" json:"state"`
	ConsecutiveFailures int          `gorm:"not null;default:0" json:"consecutiveFailures"`
	LastFailureAt       *time.Time   `json:"lastFailureAt,omitempty"`
	NextProbeAt         *time.Time   `json:"nextProbeAt,omitempty"`
}

func (CircuitBreakerState) TableName() string {
	return "circuit_breaker_states"
}
