package messaging

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", notFound("conversation not found"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, "conversation not found", ReasonOf(err))
}

func TestForeignErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")

	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, "internal error", ReasonOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(CodeOf(err)))
}

func TestInternalErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := internal("failed to store message", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(CodeNotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeForbidden))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeValidation))
	assert.Equal(t, http.StatusConflict, HTTPStatus(CodeConflict))
}
