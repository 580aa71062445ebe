package model

// SampleSource distinguishes pushed heartbeats from active probes
type SampleSource string

const (
	SampleSourceHeartbeat SampleSource = "heartbeat"
	SampleSourceProbe     SampleSource = "probe"
)

// HealthSample is one health probe or heartbeat result for a link.
// Append-only; the latest health for a link is the most recent row.
type HealthSample struct {
	BaseModel
	SourceCode      string        `gorm:"type:varchar(16);not null;index:idx_sample_link" json:"sourceCode"`
	TargetCode      string        `gorm:"type:varchar(16);not null;index:idx_sample_link" json:"targetCode"`
	Direction       LinkDirection `gorm:"type:varchar(16);not null;index:idx_sample_link" json:"direction"`
	Source          SampleSource  `gorm:"type:varchar(16);not null" json:"source"`
	Healthy         bool          `gorm:"not null" json:"healthy"`
	IdPReachable    bool          `json:"idpReachable"`
	OIDCDiscoveryOK bool          `json:"oidcDiscoveryOk"`
	TokenExchangeOK bool          `json:"tokenExchangeOk"`
	LatencyMs       int64         `json:"latencyMs"`
	ErrorMessage    string        `gorm:"type:varchar(512)" json:"errorMessage,omitempty"`
}

func (HealthSample) TableName() string {
	return "health_samples"
}
