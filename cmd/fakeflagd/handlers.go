package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

func (s *service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logMiddleware)

	r.Get("/sdk/latest-all", s.handleLatestAll)
	r.Get("/all", s.handleStream)
	r.Post("/bulk", s.handleBulk)
	return r
}

func (s *service) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

// handleLatestAll serves the full dataset with ETag support, so a polling
// client sees a 304 until something changes.
func (s *service) handleLatestAll(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "invalid SDK key", http.StatusUnauthorized)
		return
	}

	body, etag, err := s.snapshotJSON()
	if err != nil {
		s.logger.Error("failed to serialize dataset", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(body)
}

// handleStream is the SSE change feed: an initial put event with the full
// dataset, then patch events as flags change.
func (s *service) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "invalid SDK key", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	body, _, err := s.snapshotJSON()
	if err != nil {
		s.logger.Error("failed to serialize dataset", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	put, err := json.Marshal(struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data"`
	}{Path: "/", Data: body})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	s.logger.Info("stream client connected", zap.String("remote", r.RemoteAddr))
	defer s.logger.Info("stream client disconnected", zap.String("remote", r.RemoteAddr))

	if _, err := w.Write(sseMessage("put", put)); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.shutdown:
			return
		case msg := <-ch:
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleBulk accepts analytics event batches, optionally injecting 429s for
// backpressure testing.
func (s *service) handleBulk(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "invalid SDK key", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.bulkCount++
	n := s.bulkCount
	s.mu.Unlock()

	if mod := s.cfg.EventsRejectMod; mod > 0 && n%mod == 0 {
		s.logger.Warn("injecting 429 on bulk post", zap.Int("request", n))
		http.Error(w, "slow down", http.StatusTooManyRequests)
		return
	}

	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "bad gzip payload", http.StatusBadRequest)
			return
		}
		defer func() { _ = zr.Close() }()
		reader = zr
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var events []json.RawMessage
	if err := json.Unmarshal(body, &events); err != nil {
		http.Error(w, "payload is not a JSON array", http.StatusBadRequest)
		return
	}

	s.logger.Info("event batch received",
		zap.Int("events", len(events)),
		zap.String("payloadID", r.Header.Get("X-Flagwire-Payload-ID")),
		zap.Bool("gzip", r.Header.Get("Content-Encoding") == "gzip"),
	)
	if s.cfg.LogEventPayloads {
		s.logger.Info("event payload", zap.ByteString("body", body))
	}

	w.WriteHeader(http.StatusAccepted)
}
