package datastore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *DataStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ContentRecord{}, &MediaAsset{}, &StateEntry{}))
	return &DataStore{DB: db}
}

func TestSetAndGetState(t *testing.T) {
	ds := newTestStore(t)

	require.NoError(t, ds.SetState("k1", "v1", 0))

	value, found, err := ds.GetState("k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", value)

	// Overwrite through the upsert path
	require.NoError(t, ds.SetState("k1", "v2", 0))
	value, found, err = ds.GetState("k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", value)
}

func TestGetStateMissing(t *testing.T) {
	ds := newTestStore(t)

	_, found, err := ds.GetState("nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateExpiry(t *testing.T) {
	ds := newTestStore(t)

	require.NoError(t, ds.SetState("short", "v", 10*time.Millisecond))
	time.Sleep(25 * time.Millisecond)

	_, found, err := ds.GetState("short")
	require.NoError(t, err)
	assert.False(t, found, "expired entry must read as absent")
}

func TestAddStateMutualExclusion(t *testing.T) {
	ds := newTestStore(t)

	acquired, err := ds.AddState("lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// A live entry refuses the second acquisition
	acquired, err = ds.AddState("lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Released lock can be taken again
	require.NoError(t, ds.DeleteState("lock"))
	acquired, err = ds.AddState("lock", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestAddStateReclaimsExpired(t *testing.T) {
	ds := newTestStore(t)

	acquired, err := ds.AddState("lock", "a", 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)

	time.Sleep(25 * time.Millisecond)

	acquired, err = ds.AddState("lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "an expired lock is treated as absent")

	value, found, err := ds.GetState("lock")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "b", value)
}

func TestDuplicateKeyErrorDetection(t *testing.T) {
	assert.True(t, isDuplicateKeyError(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKeyError(fmt.Errorf("UNIQUE constraint failed: engine_state.state_key")))
	assert.True(t, isDuplicateKeyError(fmt.Errorf("Error 1062 (23000): Duplicate entry 'k' for key 'state_key'")))
	assert.False(t, isDuplicateKeyError(fmt.Errorf("disk I/O error")))
}

func TestDeleteStateIdempotent(t *testing.T) {
	ds := newTestStore(t)

	require.NoError(t, ds.DeleteState("never-existed"))
}
