package testdb

import (
	"path/filepath"
	"testing"
	"time"

	"wms_resolver/internal/model"
	"wms_resolver/internal/store"

	"gorm.io/gorm"
)

// Open 在临时目录创建 sqlite 库并完成迁移。
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "wms_test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Seeded 描述一张订单在两侧的行：unit -> quantity。
type Seeded struct {
	OrderID    string
	ShipmentID string
	OrderSide  map[string]int
	ShipSide   map[string]int
	// SkipOrderHeader / SkipShipmentHeader 用于构造缺头的场景
	SkipOrderHeader    bool
	SkipShipmentHeader bool
}

// Seed 写入头与行，供各包测试构造场景。
func Seed(t *testing.T, db *gorm.DB, s Seeded) {
	t.Helper()
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	if !s.SkipOrderHeader {
		mustCreate(t, db, &model.OrderHeader{OrderID: s.OrderID, Status: model.OrderInProgress, LastUpdated: now})
	}
	if !s.SkipShipmentHeader {
		if err := db.Where(model.ShipmentHeader{ShipmentID: s.ShipmentID}).
			FirstOrCreate(&model.ShipmentHeader{ShipmentID: s.ShipmentID, SupplierReference: "ABC123", LastUpdated: now}).Error; err != nil {
			t.Fatalf("seed shipment header: %v", err)
		}
	}
	for unit, qty := range s.OrderSide {
		mustCreate(t, db, &model.OrderLine{UnitID: unit, OrderID: s.OrderID, ShipmentID: s.ShipmentID, Quantity: qty, LastUpdated: now})
	}
	for unit, qty := range s.ShipSide {
		mustCreate(t, db, &model.ShipmentLine{UnitID: unit, OrderID: s.OrderID, ShipmentID: s.ShipmentID, SupplierReference: "ABC123", Quantity: qty, LastUpdated: now})
	}
}

func mustCreate(t *testing.T, db *gorm.DB, v any) {
	t.Helper()
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("seed %T: %v", v, err)
	}
}

// Count 统计某模型的行数。
func Count(t *testing.T, db *gorm.DB, m any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(m).Count(&n).Error; err != nil {
		t.Fatalf("count %T: %v", m, err)
	}
	return n
}
