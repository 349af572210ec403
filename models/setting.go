package models

import "time"

// Setting is the key/value store for sync cursors, the remote API base URL
// and the persisted auth token.
type Setting struct {
	Key       string    `gorm:"primary_key;size:100" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
