package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelsMatchByCode(t *testing.T) {
	err := fmt.Errorf("create request: %w", Chain("transaction reverted", nil))

	assert.True(t, stderrors.Is(err, ErrChain))
	assert.False(t, stderrors.Is(err, ErrDecode))
	assert.Equal(t, CodeChain, KindOf(err))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := stderrors.New("bad tag")
	err := Crypto("decrypt failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.Contains(t, err.Error(), "bad tag")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, CodeInternal, KindOf(stderrors.New("boom")))
	assert.Equal(t, Code(""), KindOf(nil))
}

func TestWithDetails(t *testing.T) {
	err := EventNotFound("Transfer", "0x01")
	require.NotNil(t, err.Details)
	assert.Equal(t, "Transfer", err.Details["event"])
	assert.Equal(t, "0x01", err.Details["emitter"])
}

func TestGetServiceError(t *testing.T) {
	assert.Nil(t, GetServiceError(stderrors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", Unauthorized(""))
	serviceErr := GetServiceError(wrapped)
	require.NotNil(t, serviceErr)
	assert.Equal(t, "Unauthorized", serviceErr.Message)
	assert.True(t, Is(wrapped, CodeUnauthorized))
}
