// state.go: persisted TTL small-object store. All cross-process coordination
// (processing locks, batch state, mapping caches, pending exclusion markers)
// goes through these rows; no in-process state is shared between workers.
package datastore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetState returns the value stored under key. An expired row is treated as
// absent and removed opportunistically.
func (ds *DataStore) GetState(key string) (string, bool, error) {
	var entry StateEntry
	err := ds.DB.Where("state_key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading state %s: %w", key, err)
	}

	if entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now()) {
		// Expired rows are garbage, best-effort cleanup
		ds.DB.Where("id = ?", entry.ID).Delete(&StateEntry{})
		return "", false, nil
	}

	return entry.Value, true, nil
}

// SetState stores value under key, overwriting any existing row.
// A zero ttl stores the value without expiry.
func (ds *DataStore) SetState(key, value string, ttl time.Duration) error {
	entry := StateEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiryFrom(ttl),
	}
	err := ds.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("writing state %s: %w", key, err)
	}
	return nil
}

// AddState stores value under key only if no live row exists. This is the
// compare-and-set primitive behind processing locks: acquisition fails
// without side effects while an unexpired row is present, and an expired
// row is reclaimed as part of the same transaction.
func (ds *DataStore) AddState(key, value string, ttl time.Duration) (bool, error) {
	acquired := false
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		var existing StateEntry
		err := tx.Where("state_key = ?", key).First(&existing).Error
		switch {
		case err == nil:
			if existing.ExpiresAt == nil || existing.ExpiresAt.After(time.Now()) {
				// Live row, acquisition fails
				return nil
			}
			// Expired, reclaim it
			existing.Value = value
			existing.ExpiresAt = expiryFrom(ttl)
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry := StateEntry{Key: key, Value: value, ExpiresAt: expiryFrom(ttl)}
			if err := tx.Create(&entry).Error; err != nil {
				if isDuplicateKeyError(err) {
					// Another acquirer created the row between our read
					// and write; they hold the lock
					return nil
				}
				return err
			}
			acquired = true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("acquiring state %s: %w", key, err)
	}
	return acquired, nil
}

// isDuplicateKeyError recognizes the unique-constraint violation raised
// when two acquirers race to create the same key. Not every dialect is
// translated to gorm.ErrDuplicatedKey, so the driver messages are matched
// as well.
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

// DeleteState removes the row stored under key. Deleting a missing key is
// not an error.
func (ds *DataStore) DeleteState(key string) error {
	if err := ds.DB.Where("state_key = ?", key).Delete(&StateEntry{}).Error; err != nil {
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	return nil
}

// expiryFrom converts a ttl to an absolute expiry, nil for no expiry.
func expiryFrom(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}
