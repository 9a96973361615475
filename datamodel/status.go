package datamodel

import (
	"fmt"
	"time"
)

// SyncState describes the health of the connection between the local store
// and the remote source of truth.
type SyncState string

const (
	// SyncInitializing means the first successful sync has not happened yet.
	SyncInitializing SyncState = "initializing"

	// SyncValid means the store reflects a live feed.
	SyncValid SyncState = "valid"

	// SyncInterrupted means the feed dropped; the last-known store contents
	// remain usable while reconnection is attempted.
	SyncInterrupted SyncState = "interrupted"

	// SyncOff is terminal: the runtime was shut down or the credentials were
	// rejected. No further sync attempts will be made.
	SyncOff SyncState = "off"
)

// SyncErrorKind classifies a sync failure.
type SyncErrorKind string

const (
	SyncErrorNetwork      SyncErrorKind = "network_error"
	SyncErrorResponse     SyncErrorKind = "error_response"
	SyncErrorInvalidData  SyncErrorKind = "invalid_data"
	SyncErrorStore        SyncErrorKind = "store_error"
	SyncErrorUnauthorized SyncErrorKind = "unauthorized"
)

// SyncErrorInfo describes the most recent sync failure, if any.
type SyncErrorInfo struct {
	Kind       SyncErrorKind
	StatusCode int
	Message    string
	Time       time.Time
}

func (e SyncErrorInfo) String() string {
	if e.Kind == "" {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// SyncStatus is a point-in-time snapshot of the synchronization state.
type SyncStatus struct {
	State     SyncState
	Since     time.Time
	LastError SyncErrorInfo
}
