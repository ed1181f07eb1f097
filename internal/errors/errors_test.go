package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderCarriesMetadata(t *testing.T) {
	err := Newf("upload returned status %d", 502).
		Component("storage").
		Category(CategoryNetwork).
		Context("status_code", 502).
		Build()

	assert.Equal(t, "storage", err.GetComponent())
	assert.Equal(t, string(CategoryNetwork), err.GetCategory())
	assert.Equal(t, 502, err.GetContext()["status_code"])
	assert.Contains(t, err.Error(), "502")
}

func TestIsCategory(t *testing.T) {
	err := Newf("record busy").Category(CategoryConflict).Build()

	assert.True(t, IsCategory(err, CategoryConflict))
	assert.False(t, IsCategory(err, CategoryNetwork))
	assert.False(t, IsCategory(nil, CategoryConflict))
	assert.False(t, IsCategory(fmt.Errorf("plain"), CategoryConflict))
}

func TestIsCategoryThroughWrapping(t *testing.T) {
	inner := Newf("timed out").Category(CategoryTimeout).Build()
	wrapped := fmt.Errorf("tick failed: %w", inner)

	assert.True(t, IsCategory(wrapped, CategoryTimeout))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Newf("x").Category(CategoryNetwork).Build()))
	assert.True(t, IsRetryable(Newf("x").Category(CategoryTimeout).Build()))
	assert.False(t, IsRetryable(Newf("x").Category(CategoryValidation).Build()))
	assert.False(t, IsRetryable(Newf("x").Category(CategoryImageUpload).Build()))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Newf("download failed: %w", cause).Category(CategoryNetwork).Build()

	require.ErrorIs(t, err, cause)
}

func TestEmptyCategoryDefaultsToGeneric(t *testing.T) {
	err := New(fmt.Errorf("something odd")).Build()
	assert.NotEmpty(t, err.GetCategory())
}
