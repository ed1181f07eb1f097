// entities.go: gorm entities for the host content system and the persisted
// small-object state store.
package datastore

import "time"

// ContentRecord is a unit of text-bearing content owned by the host system.
// The migration engine reads and rewrites records but never creates or
// deletes them.
type ContentRecord struct {
	ID        uint   `gorm:"primaryKey"`
	OwnerID   uint   `gorm:"index"`
	OwnerRole string `gorm:"size:32"` // "admin" or "user"
	Body      string `gorm:"type:text"`
	Fields    string `gorm:"type:text"` // JSON object of named auxiliary fields
	// MigratedAt marks the record as done for batch selection. Cleared by reset.
	MigratedAt *time.Time `gorm:"index"`
	UpdatedAt  time.Time
}

// MediaAsset is one locally stored file known to the host system.
type MediaAsset struct {
	ID       uint   `gorm:"primaryKey"`
	OwnerID  uint   `gorm:"index"`
	SitePath string `gorm:"size:512;uniqueIndex"` // URL path under the local storage root
	FilePath string `gorm:"size:512"`             // filesystem path of the stored file
	FileName string `gorm:"size:255"`
	Mime     string `gorm:"size:128"`
	Size     int64
	// Remote migration markers. A non-empty RemoteURL means the asset has
	// been uploaded; RemoteID is kept for later deletion at the storage side.
	RemoteURL string `gorm:"size:1024"`
	RemoteID  int64
	// Exclusion markers persisted by the policy.
	Restricted bool   `gorm:"index"`
	Avatar     bool
	SkipReason string `gorm:"size:128"`
	MigratedAt *time.Time
	UpdatedAt  time.Time
}

// StateEntry is one row of the TTL-capable small-object store used for
// processing locks, batch state, per-record mapping caches and pending
// exclusion markers. An expired row is treated as absent.
type StateEntry struct {
	ID        uint       `gorm:"primaryKey"`
	// Stored as state_key: "key" is reserved in MySQL.
	Key       string     `gorm:"column:state_key;uniqueIndex;size:191;not null"`
	Value     string     `gorm:"type:text"`
	ExpiresAt *time.Time `gorm:"index"` // nil means no expiry
	UpdatedAt time.Time
}

// TableName keeps the state table name short.
func (StateEntry) TableName() string {
	return "engine_state"
}
