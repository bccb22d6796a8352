package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/guild-tracker/internal/types"
)

var (
	// ErrRetriesExhausted is returned once the executor gave up on a rate-limited request
	ErrRetriesExhausted = stderrors.New("rate limit retries exhausted")
	// ErrGuildNotFound means the guild does not exist upstream; retrying cannot help
	ErrGuildNotFound = stderrors.New("guild not found upstream")
)

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// UpstreamError is a non-success, non-rate-limit response from an external service
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Permanent reports whether the response describes a request that can never succeed.
// Only validation failures qualify; auth and server errors are left to bounded retries.
func (e *UpstreamError) Permanent() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// Failure is the queue-facing classification of an ingestion error
type Failure struct {
	Type      types.ErrorType
	Permanent bool
	Reason    string
}

// Classify labels err with one of the queue error types and decides whether it is permanent
func Classify(err error) Failure {
	if err == nil {
		return Failure{Type: types.ErrorUnknown}
	}

	if Is(err, ErrGuildNotFound) {
		return Failure{Type: types.ErrorGuildNotFound, Permanent: true, Reason: "guild does not exist upstream"}
	}
	if Is(err, ErrRetriesExhausted) {
		return Failure{Type: types.ErrorRateLimited, Reason: "rate limit backoff exhausted"}
	}

	var upstream *UpstreamError
	if As(err, &upstream) {
		f := Failure{Type: types.ErrorAPI, Permanent: upstream.Permanent()}
		if f.Permanent {
			f.Reason = fmt.Sprintf("%s rejected the request with status %d", upstream.Service, upstream.StatusCode)
		}
		return f
	}

	var pgErr *pgconn.PgError
	if As(err, &pgErr) {
		return Failure{Type: types.ErrorDatabase}
	}
	var catErr *CategorizedError
	if As(err, &catErr) && catErr.Category == CategoryDatabase {
		return Failure{Type: types.ErrorDatabase}
	}

	var netErr net.Error
	if As(err, &netErr) || Is(err, context.DeadlineExceeded) || Is(err, io.ErrUnexpectedEOF) {
		return Failure{Type: types.ErrorNetwork}
	}

	return Failure{Type: types.ErrorUnknown}
}
