package datasource

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

// subscriberBuffer is the per-subscriber channel depth; a slow subscriber
// loses intermediate transitions rather than blocking the sync pipeline.
const subscriberBuffer = 10

// StatusBroadcaster tracks the current synchronization status and fans out
// state changes to subscribers. The current status is readable without
// locking; subscription management takes a mutex.
type StatusBroadcaster struct {
	status atomic.Value // datamodel.SyncStatus

	mu     sync.Mutex
	subs   map[chan datamodel.SyncStatus]struct{}
	closed bool

	logger *zap.Logger
}

func NewStatusBroadcaster(logger *zap.Logger) *StatusBroadcaster {
	b := &StatusBroadcaster{
		subs:   make(map[chan datamodel.SyncStatus]struct{}),
		logger: logger,
	}
	b.status.Store(datamodel.SyncStatus{
		State: datamodel.SyncInitializing,
		Since: time.Now(),
	})
	return b
}

// Status returns the current status. Lock-free.
func (b *StatusBroadcaster) Status() datamodel.SyncStatus {
	return b.status.Load().(datamodel.SyncStatus)
}

// UpdateStatus applies a state transition and notifies subscribers if the
// state changed. An Interrupted report before the first successful sync stays
// Initializing, since Interrupted is only meaningful after a working feed.
func (b *StatusBroadcaster) UpdateStatus(newState datamodel.SyncState, errInfo datamodel.SyncErrorInfo) {
	b.mu.Lock()
	cur := b.Status()

	if newState == datamodel.SyncInterrupted && cur.State == datamodel.SyncInitializing {
		newState = datamodel.SyncInitializing
	}

	next := cur
	changed := newState != cur.State
	if changed {
		next.State = newState
		next.Since = time.Now()
	}
	if errInfo.Kind != "" {
		if errInfo.Time.IsZero() {
			errInfo.Time = time.Now()
		}
		next.LastError = errInfo
	}
	b.status.Store(next)

	var targets []chan datamodel.SyncStatus
	if changed && !b.closed {
		targets = make([]chan datamodel.SyncStatus, 0, len(b.subs))
		for ch := range b.subs {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()

	if changed {
		b.logger.Info("sync state changed",
			zap.String("state", string(next.State)),
			zap.String("lastError", next.LastError.String()),
		)
	}
	for _, ch := range targets {
		select {
		case ch <- next:
		default:
			// Subscriber is slow; it can re-read Status() at any time.
		}
	}
}

// Subscribe returns a channel that receives every subsequent state change.
func (b *StatusBroadcaster) Subscribe() <-chan datamodel.SyncStatus {
	ch := make(chan datamodel.SyncStatus, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *StatusBroadcaster) Unsubscribe(ch <-chan datamodel.SyncStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

// Close closes every subscription channel. Further updates still change the
// stored status but notify no one.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = map[chan datamodel.SyncStatus]struct{}{}
}
