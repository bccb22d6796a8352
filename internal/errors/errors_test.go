package errors

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/guild-tracker/internal/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantType      types.ErrorType
		wantPermanent bool
	}{
		{
			name:          "guild not found is permanent",
			err:           fmt.Errorf("failed to fetch reports: %w", ErrGuildNotFound),
			wantType:      types.ErrorGuildNotFound,
			wantPermanent: true,
		},
		{
			name:     "exhausted backoff is rate limited",
			err:      fmt.Errorf("warcraftlogs: %w", ErrRetriesExhausted),
			wantType: types.ErrorRateLimited,
		},
		{
			name:          "bad request is permanent api error",
			err:           &UpstreamError{Service: "blizzard", StatusCode: http.StatusBadRequest},
			wantType:      types.ErrorAPI,
			wantPermanent: true,
		},
		{
			name:     "server error is transient api error",
			err:      fmt.Errorf("wrapped: %w", &UpstreamError{Service: "blizzard", StatusCode: http.StatusBadGateway}),
			wantType: types.ErrorAPI,
		},
		{
			name:     "unauthorized is transient api error",
			err:      &UpstreamError{Service: "warcraftlogs", StatusCode: http.StatusUnauthorized},
			wantType: types.ErrorAPI,
		},
		{
			name:     "postgres error",
			err:      fmt.Errorf("failed to update entry: %w", &pgconn.PgError{Code: "40001"}),
			wantType: types.ErrorDatabase,
		},
		{
			name:     "categorized database error",
			err:      NewDatabaseError("insert fights", fmt.Errorf("connection reset")),
			wantType: types.ErrorDatabase,
		},
		{
			name:     "dial failure",
			err:      &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")},
			wantType: types.ErrorNetwork,
		},
		{
			name:     "deadline",
			err:      fmt.Errorf("request: %w", context.DeadlineExceeded),
			wantType: types.ErrorNetwork,
		},
		{
			name:     "anything else",
			err:      fmt.Errorf("boom"),
			wantType: types.ErrorUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantPermanent, got.Permanent)
			if got.Permanent {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	notFound := NewNotFoundError("queue entry", "guild-1")
	wrapped := fmt.Errorf("lookup: %w", notFound)

	if got := Categorize(wrapped); got != notFound {
		t.Errorf("Categorize() = %v, want %v", got, notFound)
	}
	if got := Categorize(wrapped).StatusCode; got != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", got, http.StatusNotFound)
	}
	if got := Categorize(fmt.Errorf("plain")).StatusCode; got != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want %d", got, http.StatusInternalServerError)
	}
	if Categorize(nil) != nil {
		t.Error("Categorize(nil) should be nil")
	}
}

func TestUpstreamErrorMessage(t *testing.T) {
	err := &UpstreamError{Service: "blizzard", StatusCode: 404, Body: "not found"}
	assert.Equal(t, "blizzard returned status 404: not found", err.Error())
	assert.False(t, err.Permanent())
}
