// Package datastore holds the in-memory versioned repository of flag and
// segment definitions. It is written by exactly one data source goroutine and
// read concurrently by arbitrarily many evaluation calls.
package datastore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

// mirrorTimeout bounds each call to the persistent-store collaborator so a
// hanging external storage cannot stall the sync pipeline.
const mirrorTimeout = 2 * time.Second

// contents is an immutable snapshot of the whole store. Writers build a new
// contents value and publish it with a pointer swap; readers only ever load
// the pointer, so reads never block on writes.
type contents struct {
	data        map[datamodel.Kind]map[string]datamodel.Record
	initialized bool
}

func emptyContents() *contents {
	data := make(map[datamodel.Kind]map[string]datamodel.Record, len(datamodel.AllKinds))
	for _, k := range datamodel.AllKinds {
		data[k] = make(map[string]datamodel.Record)
	}
	return &contents{data: data}
}

// Store is the concurrent versioned key/value repository.
type Store struct {
	current    atomic.Pointer[contents]
	writeMu    sync.Mutex
	persistent datamodel.PersistentStore
	logger     *zap.Logger
}

// New creates an empty store. persistent may be nil; when set, every mutation
// is mirrored to it.
func New(persistent datamodel.PersistentStore, logger *zap.Logger) *Store {
	s := &Store{persistent: persistent, logger: logger}
	s.current.Store(emptyContents())
	return s
}

// Get returns the record for kind+key. Tombstones are returned as records
// with Deleted set; callers that only want live definitions must check it.
func (s *Store) Get(kind datamodel.Kind, key string) (datamodel.Record, bool) {
	c := s.current.Load()
	rec, ok := c.data[kind][key]
	return rec, ok
}

// All returns a point-in-time snapshot of every record of a kind, tombstones
// included. The returned map is owned by the caller.
func (s *Store) All(kind datamodel.Kind) map[string]datamodel.Record {
	c := s.current.Load()
	src := c.data[kind]
	out := make(map[string]datamodel.Record, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// IsInitialized reports whether the store has ever received a full data set.
func (s *Store) IsInitialized() bool {
	return s.current.Load().initialized
}

// Upsert applies rec if its version is newer than the stored version for that
// key, and reports whether it was applied. Stale or duplicate updates are
// silently dropped, which also prevents an out-of-order put from resurrecting
// a tombstone.
func (s *Store) Upsert(kind datamodel.Kind, key string, rec datamodel.Record) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	if existing, ok := old.data[kind][key]; ok && existing.Version >= rec.Version {
		return false
	}

	next := &contents{
		data:        make(map[datamodel.Kind]map[string]datamodel.Record, len(old.data)),
		initialized: old.initialized,
	}
	for k, records := range old.data {
		if k != kind {
			next.data[k] = records
			continue
		}
		copied := make(map[string]datamodel.Record, len(records)+1)
		for rk, rv := range records {
			copied[rk] = rv
		}
		copied[key] = rec
		next.data[k] = copied
	}
	s.current.Store(next)

	s.mirrorUpsert(kind, key, rec)
	return true
}

// ReplaceAll atomically swaps the entire store contents, marking the store
// initialized. Used for the initial full sync and for full-state resends
// after a reconnect. Readers never observe a mix of old and new data.
func (s *Store) ReplaceAll(data datamodel.DataSet) {
	s.replaceAll(data, true)
}

func (s *Store) replaceAll(data datamodel.DataSet, mirror bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := emptyContents()
	next.initialized = true
	for kind, records := range data {
		copied := make(map[string]datamodel.Record, len(records))
		for k, v := range records {
			copied[k] = v
		}
		next.data[kind] = copied
	}
	s.current.Store(next)

	if mirror {
		s.mirrorInit(data)
	}
}

// LoadFromPersistent replaces the store contents with the persistent store's
// data, if the persistent store has been initialized. The mirror is not
// written back. Returns whether data was loaded.
func (s *Store) LoadFromPersistent(ctx context.Context) (bool, error) {
	if s.persistent == nil {
		return false, nil
	}
	if !s.persistent.IsInitialized(ctx) {
		return false, nil
	}

	data := datamodel.NewDataSet()
	for _, kind := range datamodel.AllKinds {
		records, err := s.persistent.GetAll(ctx, kind)
		if err != nil {
			return false, err
		}
		data[kind] = records
	}
	s.replaceAll(data, false)
	s.logger.Info("store populated from persistent storage",
		zap.Int("records", data.Count()),
	)
	return true, nil
}

func (s *Store) mirrorUpsert(kind datamodel.Kind, key string, rec datamodel.Record) {
	if s.persistent == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if _, err := s.persistent.Upsert(ctx, kind, key, rec); err != nil {
		s.logger.Warn("persistent store upsert failed",
			zap.String("kind", string(kind)),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (s *Store) mirrorInit(data datamodel.DataSet) {
	if s.persistent == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.persistent.Init(ctx, data); err != nil {
		s.logger.Warn("persistent store init failed", zap.Error(err))
	}
}
