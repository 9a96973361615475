// Package redisstore persists flag data in Redis so that fresh processes can
// serve flags before their first full sync, and so that multiple processes
// can share one synced copy.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

const defaultPrefix = "flagwire"

// initedField marks that a full Init has completed on this prefix, possibly
// by an earlier process.
const initedField = "$inited"

// upsertRetries bounds the optimistic-transaction retry loop when concurrent
// writers race on the same hash.
const upsertRetries = 5

// ErrUpsertContention is returned when an upsert kept losing its optimistic
// transaction to concurrent writers.
var ErrUpsertContention = errors.New("redis upsert retries exhausted")

// Options configures the store. Supply either a pre-built Client or the
// connection fields.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces all keys, so several environments can share one
	// Redis database. Defaults to "flagwire".
	Prefix string

	// Client, when set, is used as-is and will not be closed by the store.
	Client redis.UniversalClient
}

// Store implements datamodel.PersistentStore on Redis. Each data kind lives
// in one hash keyed by record key, with JSON-serialized records as values.
type Store struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
	logger     *zap.Logger
}

var _ datamodel.PersistentStore = (*Store)(nil)

func New(opts Options, logger *zap.Logger) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	client := opts.Client
	owns := false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		owns = true
	}

	return &Store{
		client:     client,
		prefix:     prefix,
		ownsClient: owns,
		logger:     logger,
	}
}

func (s *Store) hashKey(kind datamodel.Kind) string {
	return s.prefix + ":" + string(kind)
}

func (s *Store) initedKey() string {
	return s.prefix + ":" + initedField
}

// Init atomically replaces the stored contents with the given data set and
// marks the prefix initialized.
func (s *Store) Init(ctx context.Context, data datamodel.DataSet) error {
	pipe := s.client.TxPipeline()

	for _, kind := range datamodel.AllKinds {
		key := s.hashKey(kind)
		pipe.Del(ctx, key)
		for recordKey, rec := range data[kind] {
			blob, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("serializing %s %q: %w", kind, recordKey, err)
			}
			pipe.HSet(ctx, key, recordKey, blob)
		}
	}
	pipe.Set(ctx, s.initedKey(), "1", 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	s.logger.Debug("persistent store initialized",
		zap.String("prefix", s.prefix),
		zap.Int("records", data.Count()),
	)
	return nil
}

func (s *Store) Get(ctx context.Context, kind datamodel.Kind, key string) (datamodel.Record, bool, error) {
	blob, err := s.client.HGet(ctx, s.hashKey(kind), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return datamodel.Record{}, false, nil
	}
	if err != nil {
		return datamodel.Record{}, false, fmt.Errorf("redis get %s %q: %w", kind, key, err)
	}

	var rec datamodel.Record
	if err := json.Unmarshal(blob, &rec); err != nil {
		return datamodel.Record{}, false, fmt.Errorf("decoding %s %q: %w", kind, key, err)
	}
	return rec, true, nil
}

func (s *Store) GetAll(ctx context.Context, kind datamodel.Kind) (map[string]datamodel.Record, error) {
	raw, err := s.client.HGetAll(ctx, s.hashKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis getall %s: %w", kind, err)
	}

	out := make(map[string]datamodel.Record, len(raw))
	for key, blob := range raw {
		var rec datamodel.Record
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			return nil, fmt.Errorf("decoding %s %q: %w", kind, key, err)
		}
		out[key] = rec
	}
	return out, nil
}

// Upsert writes rec if its version is newer than the stored one, under an
// optimistic WATCH transaction so concurrent writers cannot interleave a
// stale write between the read and the set.
func (s *Store) Upsert(ctx context.Context, kind datamodel.Kind, key string, rec datamodel.Record) (bool, error) {
	hashKey := s.hashKey(kind)
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("serializing %s %q: %w", kind, key, err)
	}

	applied := false
	txn := func(tx *redis.Tx) error {
		applied = false

		current, err := tx.HGet(ctx, hashKey, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var stored datamodel.Record
			if jsonErr := json.Unmarshal(current, &stored); jsonErr == nil && stored.Version >= rec.Version {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hashKey, key, blob)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for attempt := 0; attempt < upsertRetries; attempt++ {
		err := s.client.Watch(ctx, txn, hashKey)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, fmt.Errorf("redis upsert %s %q: %w", kind, key, err)
	}
	return false, ErrUpsertContention
}

func (s *Store) IsInitialized(ctx context.Context) bool {
	n, err := s.client.Exists(ctx, s.initedKey()).Result()
	if err != nil {
		s.logger.Warn("could not check persistent store initialization", zap.Error(err))
		return false
	}
	return n > 0
}

// Close releases the Redis connection when the store owns it. Stores built
// on a caller-supplied client leave the client open.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
