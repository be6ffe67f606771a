// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the historicized price writes and the
// point-in-time reads over run memberships.
//
// Write functions take a *gorm.DB that is expected to be a transaction; the
// caller owns commit/rollback so that a batch of prices and its memberships
// land atomically.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-pricing-history/internal/domain"
)

// priceKeyColumns is the conflict target of the price upsert.
var priceKeyColumns = []clause.Column{
	{Name: "meter_id"},
	{Name: "effective_start_date"},
	{Name: "currency_code"},
}

// priceUpdateColumns are overwritten when an existing key is re-observed.
var priceUpdateColumns = []string{
	"retail_price",
	"unit_price",
	"unit_of_measure",
	"arm_region_name",
	"location",
	"product_id",
	"product_name",
	"sku_id",
	"sku_name",
	"arm_sku_name",
	"service_id",
	"service_name",
	"service_family",
	"meter_name",
	"reservation_term",
	"type",
	"is_primary_meter_region",
	"tier_minimum_units",
	"availability_id",
	"last_seen_utc",
}

// ParamsPerPrice is the number of bind parameters one price row consumes in
// the multi-row upsert.
const ParamsPerPrice = 23

// UpsertPrices inserts new keys and refreshes the non-key attributes and
// last_seen_utc of existing ones, in one statement. recs must not contain the
// same key twice.
func UpsertPrices(ctx context.Context, tx *gorm.DB, recs []domain.PriceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   priceKeyColumns,
			DoUpdates: clause.AssignmentColumns(priceUpdateColumns),
		}).
		Create(&recs).Error
}

// InsertMemberships links every key to snapshotID. Links that already exist
// are left untouched.
func InsertMemberships(ctx context.Context, tx *gorm.DB, snapshotID string, keys []domain.PriceKey) error {
	if len(keys) == 0 {
		return nil
	}
	rows := make([]domain.RunMembership, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, domain.RunMembership{
			MeterID:            k.MeterID,
			EffectiveStartDate: k.EffectiveStartDate,
			CurrencyCode:       k.CurrencyCode,
			SnapshotID:         snapshotID,
		})
	}
	return tx.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// GetPrice fetches one price version by key, or ErrNotFound.
func GetPrice(ctx context.Context, db *gorm.DB, k domain.PriceKey) (*domain.PriceRecord, error) {
	var p domain.PriceRecord
	err := db.WithContext(ctx).
		Where("meter_id = ? AND effective_start_date = ? AND currency_code = ?", k.MeterID, k.EffectiveStartDate, k.CurrencyCode).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CountPrices returns the number of price versions stored for currency.
func CountPrices(ctx context.Context, db *gorm.DB, currency string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.PriceRecord{}).
		Where("currency_code = ?", currency).
		Count(&total).Error
	return total, err
}

// snapshotPrices scopes retail_prices to the keys observed by a run.
func snapshotPrices(db *gorm.DB, snapshotID, currency string) *gorm.DB {
	return db.Model(&domain.PriceRecord{}).
		Joins("JOIN snapshot_run_prices m ON m.meter_id = retail_prices.meter_id"+
			" AND m.effective_start_date = retail_prices.effective_start_date"+
			" AND m.currency_code = retail_prices.currency_code").
		Where("m.snapshot_id = ? AND m.currency_code = ?", snapshotID, currency)
}

// CountSnapshotPrices returns how many price keys the run observed.
func CountSnapshotPrices(ctx context.Context, db *gorm.DB, snapshotID, currency string) (int64, error) {
	var total int64
	err := snapshotPrices(db.WithContext(ctx), snapshotID, currency).Count(&total).Error
	return total, err
}

// ListSnapshotPrices returns a page of the price records observed by the run
// (snapshotID, currency), ordered by key.
func ListSnapshotPrices(ctx context.Context, db *gorm.DB, snapshotID, currency string, offset, limit int) ([]domain.PriceRecord, error) {
	var out []domain.PriceRecord
	err := snapshotPrices(db.WithContext(ctx), snapshotID, currency).
		Select("retail_prices.*").
		Order("retail_prices.meter_id, retail_prices.effective_start_date").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CurrentPrice returns the version of meterID in effect at asOf: the record
// with the greatest effective_start_date not after asOf.
func CurrentPrice(ctx context.Context, db *gorm.DB, meterID, currency string, asOf time.Time) (*domain.PriceRecord, error) {
	var p domain.PriceRecord
	err := db.WithContext(ctx).
		Where("meter_id = ? AND currency_code = ? AND effective_start_date <= ?", meterID, currency, asOf.UTC()).
		Order("effective_start_date DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CountMemberships returns the number of membership rows of a run.
func CountMemberships(ctx context.Context, db *gorm.DB, snapshotID, currency string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.RunMembership{}).
		Where("snapshot_id = ? AND currency_code = ?", snapshotID, currency).
		Count(&total).Error
	return total, err
}
