// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// Idempotency records a manual snapshot trigger that was already accepted,
// keyed by the client-supplied Idempotency-Key. A repeated trigger with the
// same key replays the original response instead of submitting a new run.
type Idempotency struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Key        string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idempotency_key"`
	SnapshotID string    `gorm:"type:TEXT NOT NULL"`
	Currencies string    `gorm:"type:TEXT NOT NULL"`
	Status     int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
