// Package domain defines the persistence models for historicized retail
// prices, snapshot runs, and the run membership audit trail. These types are
// mapped with GORM and form the core data layer of the ingester.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a SnapshotRun.
type RunStatus string

// Snapshot run states. RUNNING is the only non-terminal state.
const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// PriceKey identifies one priced meter at one effective date in one currency.
// Once written, a key is never rewritten or removed.
type PriceKey struct {
	MeterID            string
	EffectiveStartDate time.Time
	CurrencyCode       string
}

// PriceRecord is one historicized price version.
//
// Fields:
//   - MeterID / EffectiveStartDate / CurrencyCode: composite primary key.
//   - RetailPrice / UnitPrice / TierMinimumUnits: exact decimals.
//   - LastSeenUTC: refreshed by every run that re-observes the key.
//
// All other attributes are overwritten in place when the key is re-observed.
type PriceRecord struct {
	MeterID            string    `json:"meter_id"             gorm:"type:varchar(64);primaryKey"`
	EffectiveStartDate time.Time `json:"effective_start_date" gorm:"primaryKey"`
	CurrencyCode       string    `json:"currency_code"        gorm:"type:char(3);primaryKey"`

	RetailPrice          decimal.Decimal `json:"retail_price"       gorm:"type:decimal(28,10);not null"`
	UnitPrice            decimal.Decimal `json:"unit_price"         gorm:"type:decimal(28,10);not null"`
	UnitOfMeasure        string          `json:"unit_of_measure"    gorm:"type:varchar(64)"`
	ArmRegionName        string          `json:"arm_region_name"    gorm:"type:varchar(64);index:idx_prices_region"`
	Location             string          `json:"location"           gorm:"type:varchar(128)"`
	ProductID            string          `json:"product_id"         gorm:"type:varchar(64)"`
	ProductName          string          `json:"product_name"       gorm:"type:varchar(255)"`
	SkuID                string          `json:"sku_id"             gorm:"type:varchar(64)"`
	SkuName              string          `json:"sku_name"           gorm:"type:varchar(255)"`
	ArmSkuName           string          `json:"arm_sku_name"       gorm:"type:varchar(255)"`
	ServiceID            string          `json:"service_id"         gorm:"type:varchar(64)"`
	ServiceName          string          `json:"service_name"       gorm:"type:varchar(255);index:idx_prices_service"`
	ServiceFamily        string          `json:"service_family"     gorm:"type:varchar(128)"`
	MeterName            string          `json:"meter_name"         gorm:"type:varchar(255)"`
	ReservationTerm      string          `json:"reservation_term"   gorm:"type:varchar(32)"`
	Type                 string          `json:"type"               gorm:"type:varchar(32)"`
	IsPrimaryMeterRegion bool            `json:"is_primary_meter_region"`
	TierMinimumUnits     decimal.Decimal `json:"tier_minimum_units" gorm:"type:decimal(28,10);not null"`
	AvailabilityID       string          `json:"availability_id"    gorm:"type:varchar(64)"`

	LastSeenUTC time.Time `json:"last_seen_utc" gorm:"not null;index"`

	Memberships []RunMembership `json:"-" gorm:"foreignKey:MeterID,EffectiveStartDate,CurrencyCode;references:MeterID,EffectiveStartDate,CurrencyCode;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

// TableName returns the database table name for PriceRecord.
func (PriceRecord) TableName() string { return "retail_prices" }

// Key returns the immutable identity of the record.
func (p PriceRecord) Key() PriceKey {
	return PriceKey{MeterID: p.MeterID, EffectiveStartDate: p.EffectiveStartDate, CurrencyCode: p.CurrencyCode}
}

// SnapshotRun is one ingestion attempt for one currency, keyed by
// (SnapshotID, CurrencyCode). Status only moves RUNNING -> SUCCEEDED or
// RUNNING -> FAILED. Starting the same key again resets it to a fresh
// RUNNING phase with a new AttemptID.
type SnapshotRun struct {
	SnapshotID   string `json:"snapshot_id"   gorm:"type:char(6);primaryKey"`
	CurrencyCode string `json:"currency_code" gorm:"type:char(3);primaryKey"`

	AttemptID   string     `json:"attempt_id"   gorm:"type:char(36);not null"`
	Status      RunStatus  `json:"status"       gorm:"type:varchar(16);not null;index:idx_runs_status_started,priority:1;check:status IN ('RUNNING','SUCCEEDED','FAILED')"`
	StartedUTC  time.Time  `json:"started_utc"  gorm:"not null;index:idx_runs_status_started,priority:2"`
	FinishedUTC *time.Time `json:"finished_utc,omitempty"`
	ItemCount   *int       `json:"item_count,omitempty"`
	Error       string     `json:"error,omitempty" gorm:"type:text"`

	Memberships []RunMembership `json:"-" gorm:"foreignKey:SnapshotID,CurrencyCode;references:SnapshotID,CurrencyCode;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

// TableName returns the database table name for SnapshotRun.
func (SnapshotRun) TableName() string { return "snapshot_runs" }

// RunMembership records that a price key was observed by a snapshot run.
// Rows are inserted once and never updated or deleted; both parents are
// protected from deletion while a membership references them. The foreign
// keys are declared on the parents' Memberships fields so that the
// constraints land on this table.
type RunMembership struct {
	MeterID            string    `json:"meter_id"             gorm:"type:varchar(64);primaryKey"`
	EffectiveStartDate time.Time `json:"effective_start_date" gorm:"primaryKey"`
	CurrencyCode       string    `json:"currency_code"        gorm:"type:char(3);primaryKey"`
	SnapshotID         string    `json:"snapshot_id"          gorm:"type:char(6);primaryKey;index:idx_membership_run"`
}

// TableName returns the database table name for RunMembership.
func (RunMembership) TableName() string { return "snapshot_run_prices" }
