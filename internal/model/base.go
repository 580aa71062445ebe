package model

import (
	"time"
)

// BaseModel carries the surrogate key and timestamps shared by every
// table. Domain identity (instanceCode, enrollmentId, the link triple)
// lives on the individual models; the numeric id never crosses the wire
// to a partner instance.
type BaseModel struct {
	ID        int       `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}
