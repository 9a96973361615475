package datamodel

import "encoding/json"

// Record is a versioned flag or segment definition as received from the
// source of truth. Data holds the definition blob; the runtime passes it to
// the evaluator and only peeks at its telemetry settings.
//
// A record with Deleted set is a tombstone: it is retained in the store so
// that an out-of-order older update cannot resurrect the key.
type Record struct {
	Key     string          `json:"key"`
	Version int             `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Tombstone returns a deletion placeholder for key at version.
func Tombstone(key string, version int) Record {
	return Record{Key: key, Version: version, Deleted: true}
}

// DataSet holds a full copy of every record of every kind, as delivered by a
// full sync payload.
type DataSet map[Kind]map[string]Record

// NewDataSet returns an empty data set with one map per known kind.
func NewDataSet() DataSet {
	ds := make(DataSet, len(AllKinds))
	for _, k := range AllKinds {
		ds[k] = make(map[string]Record)
	}
	return ds
}

// Count returns the total number of records across all kinds.
func (ds DataSet) Count() int {
	n := 0
	for _, records := range ds {
		n += len(records)
	}
	return n
}
