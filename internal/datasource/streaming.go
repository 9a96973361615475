package datasource

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

// Change feed event names. Unrecognized names are ignored for forward
// compatibility.
const (
	streamEventPut    = "put"
	streamEventPatch  = "patch"
	streamEventDelete = "delete"
)

// closeGracePeriod bounds how long Close waits for the run loop to notice
// cancellation and unwind.
const closeGracePeriod = 5 * time.Second

// StreamingConfig carries the knobs for the streaming data source.
type StreamingConfig struct {
	// URI is the full stream endpoint, e.g. base URL + "/all".
	URI string

	// InitialRetryDelay seeds the reconnection backoff.
	InitialRetryDelay time.Duration

	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration

	// BackoffResetInterval is how long a connection must stay open before
	// the backoff resets to the initial delay.
	BackoffResetInterval time.Duration

	// ReadTimeout aborts the connection when no bytes (including heartbeat
	// comments) arrive for this long.
	ReadTimeout time.Duration

	// Headers are sent on every connection attempt (authorization, tags).
	Headers http.Header

	// HTTPClient must not have an overall request timeout set; the stream
	// is expected to stay open indefinitely.
	HTTPClient *http.Client
}

// StreamProcessor is the streaming data source. It maintains one long-lived
// server-pushed event stream and applies decoded events to the sink in
// receipt order.
type StreamProcessor struct {
	cfg    StreamingConfig
	sink   UpdateSink
	logger *zap.Logger

	retry       *retryDelayer
	initialized atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

func NewStreamProcessor(cfg StreamingConfig, sink UpdateSink, logger *zap.Logger) *StreamProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamProcessor{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		retry:  newRetryDelayer(cfg.InitialRetryDelay, cfg.MaxRetryDelay, cfg.BackoffResetInterval),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (sp *StreamProcessor) Start(closeWhenReady chan<- struct{}) {
	go sp.run(closeWhenReady)
}

func (sp *StreamProcessor) IsInitialized() bool {
	return sp.initialized.Load()
}

// Close cancels any in-flight connection and waits briefly for the run loop
// to unwind. Safe to call more than once.
func (sp *StreamProcessor) Close() error {
	sp.closeOnce.Do(func() {
		sp.cancel()
		select {
		case <-sp.done:
		case <-time.After(closeGracePeriod):
			sp.logger.Warn("stream processor did not stop within grace period")
		}
	})
	return nil
}

func (sp *StreamProcessor) run(closeWhenReady chan<- struct{}) {
	defer close(sp.done)
	defer sp.signalReady(closeWhenReady)

	for {
		connStart := time.Now()
		errInfo, recoverable := sp.consumeStream(closeWhenReady)

		if sp.ctx.Err() != nil {
			sp.sink.UpdateStatus(datamodel.SyncOff, datamodel.SyncErrorInfo{})
			return
		}
		if !recoverable {
			sp.logger.Error("stream failed permanently, giving up",
				zap.String("error", errInfo.String()),
			)
			sp.sink.UpdateStatus(datamodel.SyncOff, errInfo)
			return
		}

		sp.sink.UpdateStatus(datamodel.SyncInterrupted, errInfo)

		delay := sp.retry.NextDelay(time.Since(connStart))
		sp.logger.Warn("stream interrupted, reconnecting",
			zap.String("error", errInfo.String()),
			zap.Duration("delay", delay),
		)
		select {
		case <-sp.ctx.Done():
			sp.sink.UpdateStatus(datamodel.SyncOff, datamodel.SyncErrorInfo{})
			return
		case <-time.After(delay):
		}
	}
}

// consumeStream opens one connection and processes events until it fails or
// the processor is closed. It reports the failure and whether a reconnect
// should be attempted.
func (sp *StreamProcessor) consumeStream(closeWhenReady chan<- struct{}) (datamodel.SyncErrorInfo, bool) {
	reqCtx, cancelReq := context.WithCancel(sp.ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sp.cfg.URI, nil)
	if err != nil {
		return datamodel.SyncErrorInfo{Kind: datamodel.SyncErrorNetwork, Message: err.Error()}, false
	}
	for k, vs := range sp.cfg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sp.cfg.HTTPClient.Do(req)
	if err != nil {
		return datamodel.SyncErrorInfo{Kind: datamodel.SyncErrorNetwork, Message: err.Error()}, true
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return datamodel.SyncErrorInfo{
			Kind:       syncErrorKindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    "stream connection rejected",
		}, isHTTPErrorRecoverable(resp.StatusCode)
	}

	sp.logger.Info("event stream connected", zap.String("uri", sp.cfg.URI))

	// A silent peer is indistinguishable from a dead one; cancel the request
	// when nothing at all arrives within the read timeout.
	var watchdog *time.Timer
	var activity func()
	if sp.cfg.ReadTimeout > 0 {
		watchdog = time.AfterFunc(sp.cfg.ReadTimeout, cancelReq)
		defer watchdog.Stop()
		activity = func() { watchdog.Reset(sp.cfg.ReadTimeout) }
	}

	reader := newSSEReader(resp.Body, activity)
	for {
		ev, err := reader.Next()
		if err != nil {
			if reqCtx.Err() != nil && sp.ctx.Err() == nil {
				return datamodel.SyncErrorInfo{
					Kind:    datamodel.SyncErrorNetwork,
					Message: "read timeout on event stream",
				}, true
			}
			return datamodel.SyncErrorInfo{Kind: datamodel.SyncErrorNetwork, Message: err.Error()}, true
		}
		sp.handleEvent(ev, closeWhenReady)
	}
}

func (sp *StreamProcessor) handleEvent(ev sseEvent, closeWhenReady chan<- struct{}) {
	switch ev.Name {
	case streamEventPut:
		var payload struct {
			Path string `json:"path"`
			Data struct {
				Flags    map[string]datamodel.Record `json:"flags"`
				Segments map[string]datamodel.Record `json:"segments"`
			} `json:"data"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			sp.logger.Error("malformed put payload dropped", zap.Error(err))
			return
		}
		data := datamodel.NewDataSet()
		for k, v := range payload.Data.Flags {
			v.Key = k
			data[datamodel.KindFlags][k] = v
		}
		for k, v := range payload.Data.Segments {
			v.Key = k
			data[datamodel.KindSegments][k] = v
		}
		if sp.sink.Init(data) {
			sp.initialized.Store(true)
			sp.sink.UpdateStatus(datamodel.SyncValid, datamodel.SyncErrorInfo{})
			sp.signalReady(closeWhenReady)
		}

	case streamEventPatch:
		var payload struct {
			Path string           `json:"path"`
			Data datamodel.Record `json:"data"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			sp.logger.Error("malformed patch payload dropped", zap.Error(err))
			return
		}
		kind, key, ok := datamodel.KindForPath(payload.Path)
		if !ok {
			sp.logger.Warn("patch for unknown path dropped", zap.String("path", payload.Path))
			return
		}
		payload.Data.Key = key
		sp.sink.Upsert(kind, key, payload.Data)

	case streamEventDelete:
		var payload struct {
			Path    string `json:"path"`
			Version int    `json:"version"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			sp.logger.Error("malformed delete payload dropped", zap.Error(err))
			return
		}
		kind, key, ok := datamodel.KindForPath(payload.Path)
		if !ok {
			sp.logger.Warn("delete for unknown path dropped", zap.String("path", payload.Path))
			return
		}
		sp.sink.Upsert(kind, key, datamodel.Tombstone(key, payload.Version))

	default:
		sp.logger.Debug("ignoring unrecognized stream event", zap.String("event", ev.Name))
	}
}

func (sp *StreamProcessor) signalReady(closeWhenReady chan<- struct{}) {
	sp.readyOnce.Do(func() { close(closeWhenReady) })
}
