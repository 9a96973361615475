package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flagwire/flagwire/datamodel"
)

// dataset is the on-disk and on-the-wire shape of the full flag state.
type dataset struct {
	Flags    map[string]datamodel.Record `json:"flags"`
	Segments map[string]datamodel.Record `json:"segments"`
}

func loadDataset(path string) (*dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	var ds dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("parsing dataset: %w", err)
	}
	if ds.Flags == nil {
		ds.Flags = make(map[string]datamodel.Record)
	}
	if ds.Segments == nil {
		ds.Segments = make(map[string]datamodel.Record)
	}
	for k, v := range ds.Flags {
		v.Key = k
		ds.Flags[k] = v
	}
	for k, v := range ds.Segments {
		v.Key = k
		ds.Segments[k] = v
	}
	return &ds, nil
}

// service owns the mutable dataset and the set of connected stream clients.
type service struct {
	cfg    *Config
	logger *zap.Logger

	// shutdown releases open stream handlers so the HTTP server can drain.
	shutdown <-chan struct{}

	mu       sync.Mutex
	data     *dataset
	revision int
	clients  map[chan []byte]struct{}

	bulkCount int
}

func newService(cfg *Config, data *dataset, shutdown <-chan struct{}, logger *zap.Logger) *service {
	return &service{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown,
		data:     data,
		revision: 1,
		clients:  make(map[chan []byte]struct{}),
	}
}

func (s *service) etag() string {
	return fmt.Sprintf(`"rev-%d"`, s.revision)
}

func (s *service) authorized(r *http.Request) bool {
	if s.cfg.RejectAll {
		return false
	}
	if s.cfg.SDKKey == "" {
		return true
	}
	return r.Header.Get("Authorization") == s.cfg.SDKKey
}

// snapshotJSON serializes the current dataset under the lock.
func (s *service) snapshotJSON() ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := json.Marshal(s.data)
	return body, s.etag(), err
}

func sseMessage(event string, data []byte) []byte {
	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n")
}

func (s *service) subscribe() chan []byte {
	ch := make(chan []byte, 10)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *service) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

func (s *service) broadcast(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// runPatcher periodically bumps one flag's version and broadcasts the change
// as a patch event, so connected clients see live updates.
func (s *service) runPatcher(ctx context.Context) {
	interval := s.cfg.PatchInterval()
	if interval <= 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if msg, key, version := s.bumpRandomFlag(); msg != nil {
			s.logger.Info("patched flag", zap.String("key", key), zap.Int("version", version))
			s.broadcast(msg)
		}
	}
}

func (s *service) bumpRandomFlag() ([]byte, string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.data.Flags))
	for k, rec := range s.data.Flags {
		if !rec.Deleted {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, "", 0
	}
	sort.Strings(keys)
	key := keys[rand.Intn(len(keys))]

	rec := s.data.Flags[key]
	rec.Version++
	s.data.Flags[key] = rec
	s.revision++

	payload, err := json.Marshal(struct {
		Path string           `json:"path"`
		Data datamodel.Record `json:"data"`
	}{
		Path: datamodel.KindFlags.Path() + key,
		Data: rec,
	})
	if err != nil {
		return nil, "", 0
	}
	return sseMessage("patch", payload), key, rec.Version
}

// heartbeatLoop pushes SSE comments to all clients so idle streams keep
// their connections alive through proxies.
func (s *service) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.Heartbeat()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast([]byte(": keepalive\n\n"))
		}
	}
}
