package datasource

import (
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
	"github.com/flagwire/flagwire/internal/datastore"
)

// StoreSink is the standard UpdateSink: it writes data into the versioned
// store and routes status transitions to the broadcaster.
type StoreSink struct {
	store       *datastore.Store
	broadcaster *StatusBroadcaster
	logger      *zap.Logger
}

func NewStoreSink(store *datastore.Store, broadcaster *StatusBroadcaster, logger *zap.Logger) *StoreSink {
	return &StoreSink{store: store, broadcaster: broadcaster, logger: logger}
}

func (s *StoreSink) Init(data datamodel.DataSet) bool {
	s.store.ReplaceAll(data)
	s.logger.Debug("store replaced from full sync", zap.Int("records", data.Count()))
	return true
}

func (s *StoreSink) Upsert(kind datamodel.Kind, key string, rec datamodel.Record) bool {
	applied := s.store.Upsert(kind, key, rec)
	if !applied {
		s.logger.Debug("stale update dropped",
			zap.String("kind", string(kind)),
			zap.String("key", key),
			zap.Int("version", rec.Version),
		)
	}
	return applied
}

func (s *StoreSink) UpdateStatus(state datamodel.SyncState, errInfo datamodel.SyncErrorInfo) {
	s.broadcaster.UpdateStatus(state, errInfo)
}
