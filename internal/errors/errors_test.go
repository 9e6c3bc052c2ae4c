package errors

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypeStatusCodes(t *testing.T) {
	cases := map[ErrorType]int{
		ErrorTypeValidation:     400,
		ErrorTypeAuthentication: 401,
		ErrorTypeAuthorization:  403,
		ErrorTypeNotFound:       404,
		ErrorTypeConflict:       409,
		ErrorTypeRateLimit:      429,
		ErrorTypeInternal:       500,
		ErrorTypeExternal:       502,
	}
	for errType, want := range cases {
		err := NewAppError(errType, "CODE", "message", nil)
		assert.Equal(t, want, err.StatusCode, string(errType))
	}
}

func TestAppErrorWrapping(t *testing.T) {
	cause := errors.New("disk full")
	err := NewInternalError("Failed to store file", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	appErr := NewNotFoundError("Threat")
	assert.Same(t, appErr, From(appErr))

	wrapped := From(errors.New("plain"))
	assert.Equal(t, ErrorTypeInternal, wrapped.Type)
	assert.Equal(t, 500, wrapped.StatusCode)
}

func TestSendErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	SendError(rec, NewValidationError("name is required", map[string]interface{}{"field": "name"}))

	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
	assert.Equal(t, "name is required", resp.Error.Message)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestSendSuccessEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	SendSuccess(rec, map[string]string{"hello": "world"})

	assert.Equal(t, 200, rec.Code)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{"hello": "world"}, resp.Data)
	assert.False(t, resp.Timestamp.IsZero())
}
