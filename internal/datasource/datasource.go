// Package datasource keeps the local store synchronized with the remote
// source of truth, over either a persistent streaming connection or periodic
// polling, and exposes the synchronization status to the rest of the runtime.
package datasource

import (
	"github.com/flagwire/flagwire/datamodel"
)

// DataSource maintains the local store against the remote change feed. The
// runtime runs exactly one active data source at a time.
type DataSource interface {
	// Start begins the source's background work and returns immediately.
	// closeWhenReady is closed exactly once: when the first full sync has
	// landed in the store, or when the source fails permanently. It is
	// closed even on permanent failure so callers never hang waiting for
	// readiness.
	Start(closeWhenReady chan<- struct{})

	// IsInitialized reports whether the source has completed at least one
	// full sync.
	IsInitialized() bool

	// Close terminates the connection or timer and releases resources.
	// It is safe to call more than once.
	Close() error
}

// UpdateSink receives data and status updates from a data source. The source
// interacts with this instead of the store directly so that status tracking
// and mirroring stay out of protocol code.
type UpdateSink interface {
	// Init atomically replaces the entire store contents.
	Init(data datamodel.DataSet) bool

	// Upsert applies one versioned record, honoring stale rejection.
	Upsert(kind datamodel.Kind, key string, rec datamodel.Record) bool

	// UpdateStatus reports a state change, with error detail when relevant.
	UpdateStatus(state datamodel.SyncState, errInfo datamodel.SyncErrorInfo)
}

// NullDataSource performs no synchronization at all. It is used in daemon
// mode, where the store is populated from persistent storage, and in tests.
type NullDataSource struct{}

func NewNullDataSource() *NullDataSource { return &NullDataSource{} }

func (n *NullDataSource) Start(closeWhenReady chan<- struct{}) {
	close(closeWhenReady)
}

func (n *NullDataSource) IsInitialized() bool { return true }

func (n *NullDataSource) Close() error { return nil }
