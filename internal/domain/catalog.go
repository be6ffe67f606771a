package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidEntry is returned when a catalog entry cannot be mapped to a
// PriceRecord because part of its key is missing.
var ErrInvalidEntry = errors.New("catalog entry has an incomplete key")

// CatalogEntry is one item of a retail prices catalog page, decoded as the
// upstream API returns it.
type CatalogEntry struct {
	CurrencyCode         string          `json:"currencyCode"`
	TierMinimumUnits     decimal.Decimal `json:"tierMinimumUnits"`
	RetailPrice          decimal.Decimal `json:"retailPrice"`
	UnitPrice            decimal.Decimal `json:"unitPrice"`
	ArmRegionName        string          `json:"armRegionName"`
	Location             string          `json:"location"`
	EffectiveStartDate   time.Time       `json:"effectiveStartDate"`
	MeterID              string          `json:"meterId"`
	MeterName            string          `json:"meterName"`
	ProductID            string          `json:"productId"`
	SkuID                string          `json:"skuId"`
	AvailabilityID       string          `json:"availabilityId"`
	ProductName          string          `json:"productName"`
	SkuName              string          `json:"skuName"`
	ServiceName          string          `json:"serviceName"`
	ServiceID            string          `json:"serviceId"`
	ServiceFamily        string          `json:"serviceFamily"`
	UnitOfMeasure        string          `json:"unitOfMeasure"`
	Type                 string          `json:"type"`
	IsPrimaryMeterRegion bool            `json:"isPrimaryMeterRegion"`
	ArmSkuName           string          `json:"armSkuName"`
	ReservationTerm      string          `json:"reservationTerm"`
}

// Key returns the price key the entry maps to under currency. The run's
// currency wins over the entry's own currencyCode field.
func (e CatalogEntry) Key(currency string) PriceKey {
	return PriceKey{
		MeterID:            strings.TrimSpace(e.MeterID),
		EffectiveStartDate: e.EffectiveStartDate.UTC(),
		CurrencyCode:       strings.ToUpper(strings.TrimSpace(currency)),
	}
}

// Record maps the entry to a PriceRecord observed at seen.
func (e CatalogEntry) Record(currency string, seen time.Time) (PriceRecord, error) {
	k := e.Key(currency)
	if k.MeterID == "" || k.EffectiveStartDate.IsZero() || k.CurrencyCode == "" {
		return PriceRecord{}, ErrInvalidEntry
	}
	return PriceRecord{
		MeterID:              k.MeterID,
		EffectiveStartDate:   k.EffectiveStartDate,
		CurrencyCode:         k.CurrencyCode,
		RetailPrice:          e.RetailPrice,
		UnitPrice:            e.UnitPrice,
		UnitOfMeasure:        e.UnitOfMeasure,
		ArmRegionName:        e.ArmRegionName,
		Location:             e.Location,
		ProductID:            e.ProductID,
		ProductName:          e.ProductName,
		SkuID:                e.SkuID,
		SkuName:              e.SkuName,
		ArmSkuName:           e.ArmSkuName,
		ServiceID:            e.ServiceID,
		ServiceName:          e.ServiceName,
		ServiceFamily:        e.ServiceFamily,
		MeterName:            e.MeterName,
		ReservationTerm:      e.ReservationTerm,
		Type:                 e.Type,
		IsPrimaryMeterRegion: e.IsPrimaryMeterRegion,
		TierMinimumUnits:     e.TierMinimumUnits,
		AvailabilityID:       e.AvailabilityID,
		LastSeenUTC:          seen.UTC(),
	}, nil
}

// CatalogPage is one decoded page of the upstream catalog.
type CatalogPage struct {
	Items        []CatalogEntry `json:"Items"`
	NextPageLink string         `json:"NextPageLink"`
	Count        int            `json:"Count"`
}
