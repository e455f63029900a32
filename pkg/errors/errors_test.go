package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err    *AppError
		status int
	}{
		{Validation(ErrInvalidWindow, "bad window"), http.StatusBadRequest},
		{Conflict(ErrCarBooked, "car already booked"), http.StatusConflict},
		{Unauthorized(ErrNotAdmin, "admin only"), http.StatusForbidden},
		{NotFound("booking", "b1"), http.StatusNotFound},
		{New(http.StatusServiceUnavailable, "store down"), http.StatusServiceUnavailable},
		{New(ErrInvalidToken, "bad token"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.HTTPStatus(), tc.err.Message)
	}
}

func TestWrapKeepsKindAndCode(t *testing.T) {
	inner := Conflict(ErrAuctionClosed, "auction %s is closed", "a1")
	wrapped := fmt.Errorf("sweep: %w", Wrap(inner, "close failed"))

	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Equal(t, ErrAuctionClosed, CodeOf(wrapped))
	assert.Equal(t, "sweep: close failed: auction a1 is closed", wrapped.Error())

	plain := fmt.Errorf("boom")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.Equal(t, ErrInternalServer, CodeOf(plain))
	assert.False(t, IsNotFound(nil))
}

func TestToJSON(t *testing.T) {
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(NotFound("auction", "a1").ToJSON()), &body))
	assert.Equal(t, "error", body["type"])
	assert.Equal(t, "not_found", body["kind"])
	assert.EqualValues(t, http.StatusNotFound, body["code"])
	assert.Equal(t, "auction a1 not found", body["message"])
}
