package models

import "time"

// SyncLog brackets one sync attempt. A row is appended when the attempt
// starts and completed exactly once; it is never mutated afterwards.
type SyncLog struct {
	ID          string        `gorm:"primary_key;size:36" json:"id"`
	Resource    SyncResource  `gorm:"index;size:20;not null" json:"resource"`
	Direction   SyncDirection `gorm:"size:10;not null" json:"direction"`
	Status      string        `gorm:"size:10;not null" json:"status"`
	TriggeredBy string        `gorm:"size:20" json:"triggered_by"`
	RecordCount int           `gorm:"not null;default:0" json:"record_count"`
	ErrorCount  int           `gorm:"not null;default:0" json:"error_count"`
	Error       string        `gorm:"type:text" json:"error"`
	StartedAt   time.Time     `gorm:"index;not null" json:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at"`
	DurationMs  int64         `json:"duration_ms"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
}
