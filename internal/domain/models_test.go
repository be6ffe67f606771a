package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Enforce FKs so RESTRICT actually fires.
	db.Exec("PRAGMA foreign_keys=ON;")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(PriceRecord{}).TableName():   "retail_prices",
		(SnapshotRun{}).TableName():   "snapshot_runs",
		(RunMembership{}).TableName(): "snapshot_run_prices",
		(Idempotency{}).TableName():   "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	if RunStatusRunning.Terminal() {
		t.Fatalf("RUNNING must not be terminal")
	}
	if !RunStatusSucceeded.Terminal() || !RunStatusFailed.Terminal() {
		t.Fatalf("SUCCEEDED and FAILED must be terminal")
	}
}

func TestCatalogPage_DecodesUpstreamJSON(t *testing.T) {
	body := `{
	  "BillingCurrency": "USD",
	  "Items": [{
	    "currencyCode": "USD",
	    "tierMinimumUnits": 0.0,
	    "retailPrice": 0.0255,
	    "unitPrice": 0.0255,
	    "armRegionName": "westeurope",
	    "location": "EU West",
	    "effectiveStartDate": "2020-08-01T00:00:00Z",
	    "meterId": "000a794b-bdb0-58be-a0cd-0c3a0f222923",
	    "meterName": "F16s Spot",
	    "productName": "Virtual Machines FS Series Windows",
	    "skuName": "F16s Spot",
	    "serviceName": "Virtual Machines",
	    "serviceFamily": "Compute",
	    "unitOfMeasure": "1 Hour",
	    "type": "DevTestConsumption",
	    "isPrimaryMeterRegion": true,
	    "armSkuName": "Standard_F16s"
	  }],
	  "NextPageLink": "https://prices.example/api/retail/prices?$skip=100",
	  "Count": 1
	}`

	var page CatalogPage
	if err := json.Unmarshal([]byte(body), &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 1 || page.Count != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.NextPageLink == "" {
		t.Fatalf("expected NextPageLink")
	}
	it := page.Items[0]
	if !it.RetailPrice.Equal(decimal.RequireFromString("0.0255")) {
		t.Fatalf("retailPrice = %s", it.RetailPrice)
	}
	if !it.EffectiveStartDate.Equal(time.Date(2020, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("effectiveStartDate = %v", it.EffectiveStartDate)
	}
	if !it.IsPrimaryMeterRegion || it.ArmSkuName != "Standard_F16s" {
		t.Fatalf("unexpected entry: %+v", it)
	}
}

func TestCatalogEntry_Record_MapsAndNormalizesKey(t *testing.T) {
	eff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	seen := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	e := CatalogEntry{
		CurrencyCode:       "EUR", // ignored, the run currency wins
		MeterID:            "  m-1 ",
		EffectiveStartDate: eff,
		RetailPrice:        decimal.NewFromFloat(1.5),
		UnitPrice:          decimal.NewFromFloat(1.25),
		ServiceName:        "Storage",
	}

	rec, err := e.Record(" usd", seen)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.MeterID != "m-1" || rec.CurrencyCode != "USD" {
		t.Fatalf("key not normalized: %+v", rec.Key())
	}
	if rec.EffectiveStartDate.Location() != time.UTC || !rec.EffectiveStartDate.Equal(eff) {
		t.Fatalf("effective date not UTC-normalized: %v", rec.EffectiveStartDate)
	}
	if !rec.LastSeenUTC.Equal(seen) || rec.ServiceName != "Storage" {
		t.Fatalf("attributes not mapped: %+v", rec)
	}
	if rec.Key() != e.Key("USD") {
		t.Fatalf("Record key %+v != entry key %+v", rec.Key(), e.Key("USD"))
	}
}

func TestCatalogEntry_Record_RejectsIncompleteKey(t *testing.T) {
	now := time.Now()
	cases := []CatalogEntry{
		{MeterID: "", EffectiveStartDate: now},
		{MeterID: "m", EffectiveStartDate: time.Time{}},
	}
	for i, e := range cases {
		if _, err := e.Record("USD", now); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("case %d: err = %v; want ErrInvalidEntry", i, err)
		}
	}
	if _, err := (CatalogEntry{MeterID: "m", EffectiveStartDate: now}).Record(" ", now); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("blank currency: want ErrInvalidEntry, got %v", err)
	}
}

func TestMigrations_Indexes_AndRestrictedParents(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&PriceRecord{}, &SnapshotRun{}, &RunMembership{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&PriceRecord{}, &SnapshotRun{}, &RunMembership{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&SnapshotRun{}, "idx_runs_status_started") {
		t.Fatalf("expected index idx_runs_status_started on snapshot_runs")
	}
	if !m.HasIndex(&RunMembership{}, "idx_membership_run") {
		t.Fatalf("expected index idx_membership_run on snapshot_run_prices")
	}

	now := time.Now().UTC().Truncate(time.Second)
	eff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := PriceRecord{MeterID: "m1", EffectiveStartDate: eff, CurrencyCode: "USD", LastSeenUTC: now}
	run := SnapshotRun{SnapshotID: "202401", CurrencyCode: "USD", AttemptID: "a", Status: RunStatusRunning, StartedUTC: now}
	if err := db.Create(&price).Error; err != nil {
		t.Fatalf("create price: %v", err)
	}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	mem := RunMembership{MeterID: "m1", EffectiveStartDate: eff, CurrencyCode: "USD", SnapshotID: "202401"}
	if err := db.Create(&mem).Error; err != nil {
		t.Fatalf("create membership: %v", err)
	}

	// A membership may not outlive its price record or its run.
	if err := db.Where("meter_id = ?", "m1").Delete(&PriceRecord{}).Error; err == nil {
		t.Fatalf("expected FK violation deleting a referenced price record")
	}
	if err := db.Where("snapshot_id = ?", "202401").Delete(&SnapshotRun{}).Error; err == nil {
		t.Fatalf("expected FK violation deleting a referenced run")
	}

	// Orphan membership is rejected.
	orphan := RunMembership{MeterID: "nope", EffectiveStartDate: eff, CurrencyCode: "USD", SnapshotID: "202401"}
	if err := db.Create(&orphan).Error; err == nil {
		t.Fatalf("expected FK violation for orphan membership")
	}

	// Status check constraint.
	bad := SnapshotRun{SnapshotID: "202402", CurrencyCode: "USD", AttemptID: "b", Status: "PAUSED", StartedUTC: now}
	if err := db.Create(&bad).Error; err == nil {
		t.Fatalf("expected check constraint violation for unknown status")
	}
}

func tableDDL(t *testing.T, db *gorm.DB, table string) string {
	t.Helper()
	var ddl string
	if err := db.Raw("SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&ddl).Error; err != nil {
		t.Fatalf("read ddl for %s: %v", table, err)
	}
	return strings.NewReplacer("`", "", `"`, "").Replace(ddl)
}

func TestMigrations_ForeignKeysLiveOnMembershipTable(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&PriceRecord{}, &SnapshotRun{}, &RunMembership{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	members := tableDDL(t, db, "snapshot_run_prices")
	for _, want := range []string{"REFERENCES retail_prices", "REFERENCES snapshot_runs"} {
		if !strings.Contains(members, want) {
			t.Fatalf("snapshot_run_prices ddl missing %q:\n%s", want, members)
		}
	}
	for _, parent := range []string{"retail_prices", "snapshot_runs"} {
		if ddl := tableDDL(t, db, parent); strings.Contains(ddl, "REFERENCES") {
			t.Fatalf("%s must not reference other tables:\n%s", parent, ddl)
		}
	}

	// Parents insert on their own; a fresh run must not need a membership.
	now := time.Now().UTC().Truncate(time.Second)
	eff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := db.Create(&PriceRecord{MeterID: "fk-m", EffectiveStartDate: eff, CurrencyCode: "EUR", LastSeenUTC: now}).Error; err != nil {
		t.Fatalf("create price without memberships: %v", err)
	}
	if err := db.Create(&SnapshotRun{SnapshotID: "202403", CurrencyCode: "EUR", AttemptID: "fk", Status: RunStatusRunning, StartedUTC: now}).Error; err != nil {
		t.Fatalf("create run without memberships: %v", err)
	}
}
