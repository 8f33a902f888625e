package wif

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionErrorFormatting(t *testing.T) {
	err := ErrConflict("workload identity pool", "github-pool")
	assert.Contains(t, err.Error(), "conflict")
	assert.Contains(t, err.Error(), "github-pool")

	err = err.WithStep(StepPool).WithCause(fmt.Errorf("googleapi: Error 409"))
	assert.Contains(t, err.Error(), "pool:conflict")
	assert.Contains(t, err.Error(), "googleapi: Error 409")
}

func TestProvisionErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := ErrInternal("wrapped").WithCause(cause)

	assert.ErrorIs(t, err, cause)

	var pe *ProvisionError
	require.ErrorAs(t, error(err), &pe)
	assert.Equal(t, ErrCategoryInternal, pe.Category)
}

func TestCategoryPredicates(t *testing.T) {
	assert.True(t, IsAlreadyExists(ErrConflict("pool", "p")))
	assert.False(t, IsAlreadyExists(ErrNotFound("pool", "p")))
	assert.True(t, IsNotFound(ErrNotFound("pool", "p")))
	assert.False(t, IsNotFound(ErrPermission("denied")))
	assert.False(t, IsAlreadyExists(errors.New("plain")))
	assert.False(t, IsAlreadyExists(nil))
}

func TestCategoryPredicatesSeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("ensure failed: %w", ErrConflict("provider", "github-provider"))
	assert.True(t, IsAlreadyExists(wrapped))
	assert.True(t, IsCategory(wrapped, ErrCategoryConflict))
}
