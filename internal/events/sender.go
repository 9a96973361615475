package events

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// bulkPath is the analytics endpoint accepting event batches.
const bulkPath = "/bulk"

// One retry after a brief fixed delay covers most transient hiccups without
// holding batches long enough to pile up memory.
const senderAttempts = 2

// SenderResult reports the outcome of delivering one batch.
type SenderResult struct {
	// Success means the remote accepted the batch.
	Success bool

	// MustShutdown means the credentials were rejected; event delivery must
	// stop permanently.
	MustShutdown bool

	// Backpressure means the remote asked us to slow down (429 or repeated
	// server errors); the caller should pause flushes for a cooldown.
	Backpressure bool

	// TimeFromServer is the remote clock from the response Date header, used
	// to guard debug-event expiry against local clock skew. Zero if absent.
	TimeFromServer time.Time
}

// EventSender delivers one serialized batch to the analytics endpoint.
type EventSender interface {
	Send(payload []byte, eventCount int) SenderResult
}

// HTTPSenderConfig configures the HTTP event sender.
type HTTPSenderConfig struct {
	// BaseURI is the analytics service base URL.
	BaseURI string

	// Headers are sent on every request (authorization, tags).
	Headers http.Header

	// EnableCompression gzips batch payloads.
	EnableCompression bool

	// RetryDelay is the fixed pause before the single retry.
	RetryDelay time.Duration

	// RequestTimeout bounds each POST.
	RequestTimeout time.Duration

	// MaxSendsPerSecond rate-limits deliveries; 0 means unlimited.
	MaxSendsPerSecond int

	HTTPClient *http.Client
}

// HTTPEventSender posts batches to the bulk endpoint with gzip, a payload ID
// stable across retries, and a single fixed-delay retry on transient errors.
type HTTPEventSender struct {
	cfg     HTTPSenderConfig
	uri     string
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewHTTPEventSender(cfg HTTPSenderConfig, logger *zap.Logger) *HTTPEventSender {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.MaxSendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxSendsPerSecond), cfg.MaxSendsPerSecond)
	}
	return &HTTPEventSender{
		cfg:     cfg,
		uri:     cfg.BaseURI + bulkPath,
		limiter: limiter,
		logger:  logger,
	}
}

func (s *HTTPEventSender) Send(payload []byte, eventCount int) SenderResult {
	body := payload
	encoding := ""
	if s.cfg.EnableCompression {
		compressed, err := gzipPayload(payload)
		if err != nil {
			s.logger.Error("failed to compress event payload, batch dropped", zap.Error(err))
			return SenderResult{}
		}
		body = compressed
		encoding = "gzip"
	}

	// The payload ID stays the same across retries so the remote can
	// deduplicate a batch that was delivered but not acknowledged.
	payloadID := uuid.New().String()

	var result SenderResult
	for attempt := 0; attempt < senderAttempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying event delivery",
				zap.String("payloadID", payloadID),
				zap.Duration("delay", s.cfg.RetryDelay),
			)
			time.Sleep(s.cfg.RetryDelay)
		}

		if s.limiter != nil {
			waitCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			err := s.limiter.Wait(waitCtx)
			cancel()
			if err != nil {
				result = SenderResult{Backpressure: true}
				continue
			}
		}

		status, serverTime, err := s.post(body, encoding, payloadID)
		if !serverTime.IsZero() {
			result.TimeFromServer = serverTime
		}

		if err != nil {
			s.logger.Warn("event delivery failed",
				zap.String("payloadID", payloadID),
				zap.Error(err),
			)
			continue
		}

		if status < 300 {
			result.Success = true
			s.logger.Debug("event batch delivered",
				zap.String("payloadID", payloadID),
				zap.Int("events", eventCount),
			)
			return result
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			s.logger.Error("analytics credentials rejected, event delivery disabled",
				zap.Int("status", status),
			)
			result.MustShutdown = true
			return result
		}

		if status == http.StatusTooManyRequests || status >= 500 {
			s.logger.Warn("analytics endpoint signaled backpressure",
				zap.Int("status", status),
				zap.String("payloadID", payloadID),
			)
			result.Backpressure = true
			continue
		}

		// Any other 4xx permanently rejects this batch; retrying the same
		// payload cannot succeed.
		s.logger.Error("event batch rejected, dropping",
			zap.Int("status", status),
			zap.Int("events", eventCount),
		)
		return result
	}

	return result
}

func (s *HTTPEventSender) post(body []byte, encoding, payloadID string) (int, time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.uri, bytes.NewReader(body))
	if err != nil {
		return 0, time.Time{}, err
	}
	for k, vs := range s.cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flagwire-Payload-ID", payloadID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	var serverTime time.Time
	if d := resp.Header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			serverTime = t
		}
	}
	return resp.StatusCode, serverTime, nil
}

func gzipPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
