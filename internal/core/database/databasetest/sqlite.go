// Package databasetest opens throwaway sqlite databases carrying the production schema.
package databasetest

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/member-payments/internal/core/datamodel/intent"
)

// OpenSQLite returns a fresh named in-memory database. Every connection of the pool sees the
// same data, and a single open connection keeps sqlite's writer lock from surfacing as
// SQLITE_BUSY under concurrent tests.
func OpenSQLite() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&intent.PaymentIntent{}, &intent.WebhookLedgerEntry{}); err != nil {
		return nil, err
	}
	return db, nil
}
