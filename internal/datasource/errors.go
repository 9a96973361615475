package datasource

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/flagwire/flagwire/datamodel"
)

var (
	// ErrStreamClosed is reported when the server ends the event stream.
	ErrStreamClosed = errors.New("event stream closed by server")
)

// httpStatusError reports a non-2xx response from the remote service.
type httpStatusError struct {
	Code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from remote service", e.Code)
}

// isHTTPErrorRecoverable reports whether a status code is worth retrying.
// Invalid credentials and other client errors are permanent; 400, 408, 429
// and server errors are transient.
func isHTTPErrorRecoverable(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case http.StatusBadRequest, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// syncErrorKindForStatus classifies an HTTP failure for status reporting.
func syncErrorKindForStatus(status int) datamodel.SyncErrorKind {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return datamodel.SyncErrorUnauthorized
	}
	return datamodel.SyncErrorResponse
}
