// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tphakala/media-migrate/internal/conf"
)

// Interface abstracts the underlying database implementation and defines the
// operations the migration engine needs from the host content system.
type Interface interface {
	Open() error
	Close() error

	// Content records
	GetRecord(id uint) (ContentRecord, error)
	UpdateRecordBody(id uint, body string) error
	UpdateRecordFields(id uint, fields string) error
	MarkRecordMigrated(id uint) error
	ClearRecordMigrations() error
	UnmigratedRecords(limit int) ([]ContentRecord, error)
	CountRecords() (total, remaining int64, err error)

	// Media assets
	GetAsset(id uint) (MediaAsset, error)
	ResolveLocalAsset(sitePath string) (*MediaAsset, error)
	SetAssetRemote(id uint, remoteURL string, remoteID int64) error
	SetAssetRestriction(id uint, reason string, avatar bool) error
	ClearAssetRemotes() error
	MigratedAssetRemoteIDs() ([]int64, error)
	UnmigratedAssets(limit int) ([]MediaAsset, error)
	CountAssets() (total, remaining int64, err error)

	// TTL state store (locks, batch state, mapping caches, pending markers)
	GetState(key string) (value string, found bool, err error)
	SetState(key, value string, ttl time.Duration) error
	AddState(key, value string, ttl time.Duration) (acquired bool, err error)
	DeleteState(key string) error
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the provided configuration.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		return nil
	}
}

// GetRecord retrieves a content record by its ID.
func (ds *DataStore) GetRecord(id uint) (ContentRecord, error) {
	var record ContentRecord
	if err := ds.DB.First(&record, id).Error; err != nil {
		return ContentRecord{}, fmt.Errorf("getting record with ID %d: %w", id, err)
	}
	return record, nil
}

// UpdateRecordBody persists a rewritten body with a narrow column update.
// Using Update instead of Save keeps the write path away from any host-side
// save hooks that could re-trigger migration.
func (ds *DataStore) UpdateRecordBody(id uint, body string) error {
	err := ds.DB.Model(&ContentRecord{}).Where("id = ?", id).Update("body", body).Error
	if err != nil {
		return fmt.Errorf("updating body of record %d: %w", id, err)
	}
	return nil
}

// UpdateRecordFields persists the auxiliary field JSON with a narrow update.
func (ds *DataStore) UpdateRecordFields(id uint, fields string) error {
	err := ds.DB.Model(&ContentRecord{}).Where("id = ?", id).Update("fields", fields).Error
	if err != nil {
		return fmt.Errorf("updating fields of record %d: %w", id, err)
	}
	return nil
}

// MarkRecordMigrated stamps a record as done for batch selection.
func (ds *DataStore) MarkRecordMigrated(id uint) error {
	now := time.Now()
	err := ds.DB.Model(&ContentRecord{}).Where("id = ?", id).Update("migrated_at", &now).Error
	if err != nil {
		return fmt.Errorf("marking record %d migrated: %w", id, err)
	}
	return nil
}

// ClearRecordMigrations clears the done markers of all records. Used by the
// content batch reset; already-migrated URLs inside bodies stay untouched.
func (ds *DataStore) ClearRecordMigrations() error {
	err := ds.DB.Model(&ContentRecord{}).Where("migrated_at IS NOT NULL").Update("migrated_at", nil).Error
	if err != nil {
		return fmt.Errorf("clearing record migration markers: %w", err)
	}
	return nil
}

// UnmigratedRecords returns the next page of not-yet-done records.
// Ordering by ascending id keeps page selection deterministic between ticks.
func (ds *DataStore) UnmigratedRecords(limit int) ([]ContentRecord, error) {
	var records []ContentRecord
	err := ds.DB.Where("migrated_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("listing unmigrated records: %w", err)
	}
	return records, nil
}

// CountRecords returns the total record count and how many remain unmigrated.
func (ds *DataStore) CountRecords() (total, remaining int64, err error) {
	if err = ds.DB.Model(&ContentRecord{}).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("counting records: %w", err)
	}
	if err = ds.DB.Model(&ContentRecord{}).Where("migrated_at IS NULL").Count(&remaining).Error; err != nil {
		return 0, 0, fmt.Errorf("counting unmigrated records: %w", err)
	}
	return total, remaining, nil
}

// GetAsset retrieves a media asset by its ID.
func (ds *DataStore) GetAsset(id uint) (MediaAsset, error) {
	var asset MediaAsset
	if err := ds.DB.First(&asset, id).Error; err != nil {
		return MediaAsset{}, fmt.Errorf("getting asset with ID %d: %w", id, err)
	}
	return asset, nil
}

// ResolveLocalAsset maps a local site URL path to its owning asset.
// Returns nil without error when no asset owns the path.
func (ds *DataStore) ResolveLocalAsset(sitePath string) (*MediaAsset, error) {
	var asset MediaAsset
	err := ds.DB.Where("site_path = ?", sitePath).First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolving local asset %s: %w", sitePath, err)
	}
	return &asset, nil
}

// SetAssetRemote records a completed upload on the asset.
func (ds *DataStore) SetAssetRemote(id uint, remoteURL string, remoteID int64) error {
	now := time.Now()
	err := ds.DB.Model(&MediaAsset{}).Where("id = ?", id).Updates(map[string]any{
		"remote_url":  remoteURL,
		"remote_id":   remoteID,
		"migrated_at": &now,
	}).Error
	if err != nil {
		return fmt.Errorf("recording remote upload for asset %d: %w", id, err)
	}
	return nil
}

// SetAssetRestriction persists a durable skip marker on the asset.
func (ds *DataStore) SetAssetRestriction(id uint, reason string, avatar bool) error {
	updates := map[string]any{
		"restricted":  true,
		"skip_reason": reason,
	}
	if avatar {
		updates["avatar"] = true
	}
	if err := ds.DB.Model(&MediaAsset{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("restricting asset %d: %w", id, err)
	}
	return nil
}

// ClearAssetRemotes wipes per-asset migration markers. Destructive: assets
// will be re-uploaded on the next media batch, duplicating remote copies.
func (ds *DataStore) ClearAssetRemotes() error {
	err := ds.DB.Model(&MediaAsset{}).Where("remote_url != ''").Updates(map[string]any{
		"remote_url":  "",
		"remote_id":   0,
		"migrated_at": nil,
	}).Error
	if err != nil {
		return fmt.Errorf("clearing asset migration markers: %w", err)
	}
	return nil
}

// MigratedAssetRemoteIDs lists the remote ids of every uploaded asset.
// Used when remote copies are purged before a destructive media reset.
func (ds *DataStore) MigratedAssetRemoteIDs() ([]int64, error) {
	var ids []int64
	err := ds.DB.Model(&MediaAsset{}).Where("remote_id != 0").Pluck("remote_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing migrated asset ids: %w", err)
	}
	return ids, nil
}

// UnmigratedAssets returns the next page of assets without a remote copy,
// skipping restricted ones, ordered by ascending id.
func (ds *DataStore) UnmigratedAssets(limit int) ([]MediaAsset, error) {
	var assets []MediaAsset
	err := ds.DB.Where("remote_url = '' AND restricted = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("listing unmigrated assets: %w", err)
	}
	return assets, nil
}

// CountAssets returns the total asset count and how many remain unmigrated.
// Restricted assets count as done.
func (ds *DataStore) CountAssets() (total, remaining int64, err error) {
	if err = ds.DB.Model(&MediaAsset{}).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("counting assets: %w", err)
	}
	if err = ds.DB.Model(&MediaAsset{}).Where("remote_url = '' AND restricted = ?", false).Count(&remaining).Error; err != nil {
		return 0, 0, fmt.Errorf("counting unmigrated assets: %w", err)
	}
	return total, remaining, nil
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(&ContentRecord{}, &MediaAsset{}, &StateEntry{}); err != nil {
		return fmt.Errorf("failed to auto-migrate %s database: %w", dbType, err)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}

	return nil
}

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logger.Warn,
			Colorful:      true,
		},
	)
}
