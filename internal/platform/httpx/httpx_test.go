package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsSentinels(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("rule 4: %w", ErrNotFound):           http.StatusNotFound,
		fmt.Errorf("bad grant: %w", ErrValidation):      http.StatusBadRequest,
		fmt.Errorf("deals: %w", ErrForbidden):           http.StatusForbidden,
		fmt.Errorf("stale: %w", ErrConflict):            http.StatusConflict,
		fmt.Errorf("loading: %w", ErrUnavailable):       http.StatusServiceUnavailable,
		fmt.Errorf("no principal: %w", ErrUnauthorized): http.StatusUnauthorized,
		fmt.Errorf("disk on fire"):                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, err)
		assert.Equal(t, want, rr.Code, err.Error())
		assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

		var problem ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
		assert.Equal(t, want, problem.Status)
	}
}

func TestErrorForStatusRoundTripsSentinels(t *testing.T) {
	for _, sentinel := range []error{ErrNotFound, ErrValidation, ErrForbidden, ErrConflict, ErrUnavailable, ErrUnauthorized} {
		status, _ := StatusFor(sentinel)
		assert.ErrorIs(t, ErrorForStatus(status), sentinel)
	}
	assert.ErrorIs(t, ErrorForStatus(http.StatusTooManyRequests), ErrUnavailable)
	assert.Nil(t, ErrorForStatus(http.StatusTeapot))
}

func TestDecodeJSON(t *testing.T) {
	var target struct {
		Feature string `json:"feature"`
	}
	decode := func(body string) error {
		return DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), &target)
	}

	require.NoError(t, decode(`{"feature":"Leads"}`))
	assert.Equal(t, "Leads", target.Feature)

	assert.Error(t, decode(`{"featur":"Leads"}`))
	assert.Error(t, decode(`{"feature":"Leads"}{"feature":"Orders"}`))
	assert.Error(t, decode(`{"feature":"`+strings.Repeat("x", MaxBodyBytes)+`"}`))
}
