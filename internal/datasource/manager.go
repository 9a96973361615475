package datasource

import (
	"sync"

	"github.com/flagwire/flagwire/datamodel"
)

// SyncManager orchestrates exactly one active data source: it starts it,
// surfaces the readiness signal, serves lock-free status reads, and shuts
// everything down.
type SyncManager struct {
	source      DataSource
	broadcaster *StatusBroadcaster

	ready     chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func NewSyncManager(source DataSource, broadcaster *StatusBroadcaster) *SyncManager {
	return &SyncManager{
		source:      source,
		broadcaster: broadcaster,
		ready:       make(chan struct{}),
	}
}

// Start launches the data source and returns a channel that is closed exactly
// once: when the first successful sync completes, or when the source reaches
// the terminal Off state. Callers that need a deadline select against it.
func (m *SyncManager) Start() <-chan struct{} {
	m.startOnce.Do(func() {
		m.source.Start(m.ready)
	})
	return m.ready
}

// Status returns the current synchronization status without locking.
func (m *SyncManager) Status() datamodel.SyncStatus {
	return m.broadcaster.Status()
}

// StatusChanges subscribes to state transitions.
func (m *SyncManager) StatusChanges() <-chan datamodel.SyncStatus {
	return m.broadcaster.Subscribe()
}

// IsInitialized reports whether the source completed at least one full sync.
func (m *SyncManager) IsInitialized() bool {
	return m.source.IsInitialized()
}

// Close terminates the data source and the status subscriptions. The second
// and later calls are no-ops.
func (m *SyncManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.source.Close()
		m.broadcaster.UpdateStatus(datamodel.SyncOff, datamodel.SyncErrorInfo{})
		m.broadcaster.Close()
	})
	return err
}
