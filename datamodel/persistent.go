package datamodel

import "context"

// PersistentStore mirrors the in-memory store to an external keyed storage
// such as Redis. Implementations must be safe for concurrent use and must
// apply the same version-based stale-rejection rule as the in-memory store.
//
// The in-memory store stays authoritative: mirror failures are logged by the
// caller and never interrupt flag delivery.
type PersistentStore interface {
	// Init overwrites the external contents with a full data set, regardless
	// of versioning, and marks the store initialized.
	Init(ctx context.Context, data DataSet) error

	// Get returns the record (tombstones included) for key, reporting false
	// when the key has never been written.
	Get(ctx context.Context, kind Kind, key string) (Record, bool, error)

	// GetAll returns every record of a kind, tombstones included.
	GetAll(ctx context.Context, kind Kind) (map[string]Record, error)

	// Upsert applies rec if its version is newer than the stored version,
	// reporting whether it was applied.
	Upsert(ctx context.Context, kind Kind, key string, rec Record) (bool, error)

	// IsInitialized reports whether Init has ever completed on this storage,
	// possibly by an earlier process.
	IsInitialized(ctx context.Context) bool

	Close() error
}
