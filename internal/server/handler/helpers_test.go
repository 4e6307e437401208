package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		domain.ErrNotFound:            http.StatusNotFound,
		domain.ErrInvalidArgument:     http.StatusBadRequest,
		domain.ErrOwnership:           http.StatusBadRequest,
		domain.ErrIllegalAction:       http.StatusConflict,
		domain.ErrDuplicateSubmission: http.StatusConflict,
		domain.ErrLockHeld:            http.StatusConflict,
		domain.ErrInsufficientFee:     http.StatusPaymentRequired,
		domain.ErrTimeout:             http.StatusGatewayTimeout,
		domain.ErrFinality:            http.StatusBadGateway,
		domain.ErrSubmission:          http.StatusBadGateway,
		assert.AnError:                http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusOf(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=900&offset=3&since=2026-01-02T15:04:05Z", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 3, opts.Offset)
	if assert.NotNil(t, opts.Since) {
		assert.Equal(t, 2026, opts.Since.Year())
	}

	opts = parseListOpts(httptest.NewRequest(http.MethodGet, "/?limit=-1&offset=x", nil))
	assert.Equal(t, domain.ListOpts{Limit: 50}, opts)
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{2, 3}, page(items, domain.ListOpts{Limit: 2, Offset: 1}))
	assert.Equal(t, []int{5}, page(items, domain.ListOpts{Limit: 2, Offset: 4}))
	assert.Equal(t, []int{}, page(items, domain.ListOpts{Limit: 2, Offset: 9}))
}
