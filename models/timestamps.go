package models

import "time"

// Timestamps adds GORM auto-times. No soft delete: queue rows are removed for real.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
