package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

// PollingConfig carries the knobs for the polling data source.
type PollingConfig struct {
	// BaseURI is the polling service base URL.
	BaseURI string

	// Interval between polls. Each poll is independent: a failed poll is
	// reported and retried on the next tick, never immediately.
	Interval time.Duration

	// Headers are sent on every poll (authorization, tags).
	Headers http.Header

	// HTTPClient should carry a request timeout so a hanging poll cannot
	// outlive its tick.
	HTTPClient *http.Client
}

// PollProcessor is the polling data source: a fixed-interval full-state
// fetch that replaces the store contents.
type PollProcessor struct {
	interval  time.Duration
	requester Requester
	sink      UpdateSink
	logger    *zap.Logger

	initialized atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

func NewPollProcessor(cfg PollingConfig, sink UpdateSink, logger *zap.Logger) *PollProcessor {
	return newPollProcessorWithRequester(
		cfg.Interval,
		newPollingRequester(cfg.HTTPClient, cfg.BaseURI, cfg.Headers, logger),
		sink,
		logger,
	)
}

func newPollProcessorWithRequester(interval time.Duration, requester Requester, sink UpdateSink, logger *zap.Logger) *PollProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &PollProcessor{
		interval:  interval,
		requester: requester,
		sink:      sink,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (pp *PollProcessor) Start(closeWhenReady chan<- struct{}) {
	go pp.run(closeWhenReady)
}

func (pp *PollProcessor) IsInitialized() bool {
	return pp.initialized.Load()
}

// Close stops the poll timer, cancels any in-flight request, and waits
// briefly for the loop to unwind. Safe to call more than once.
func (pp *PollProcessor) Close() error {
	pp.closeOnce.Do(func() {
		pp.cancel()
		select {
		case <-pp.done:
		case <-time.After(closeGracePeriod):
			pp.logger.Warn("poll processor did not stop within grace period")
		}
	})
	return nil
}

func (pp *PollProcessor) run(closeWhenReady chan<- struct{}) {
	defer close(pp.done)
	defer pp.signalReady(closeWhenReady)

	ticker := time.NewTicker(pp.interval)
	defer ticker.Stop()

	if fatal := pp.poll(closeWhenReady); fatal {
		return
	}
	for {
		select {
		case <-pp.ctx.Done():
			pp.sink.UpdateStatus(datamodel.SyncOff, datamodel.SyncErrorInfo{})
			return
		case <-ticker.C:
			if fatal := pp.poll(closeWhenReady); fatal {
				return
			}
		}
	}
}

// poll performs one fetch. It reports true when the failure is permanent and
// polling must stop.
func (pp *PollProcessor) poll(closeWhenReady chan<- struct{}) bool {
	data, cached, err := pp.requester.RequestAll(pp.ctx)
	if err != nil {
		if pp.ctx.Err() != nil {
			pp.sink.UpdateStatus(datamodel.SyncOff, datamodel.SyncErrorInfo{})
			return true
		}
		return pp.handlePollError(err)
	}

	if cached {
		// Remote reported no changes; the store is already current.
		pp.sink.UpdateStatus(datamodel.SyncValid, datamodel.SyncErrorInfo{})
		return false
	}

	if pp.sink.Init(data) {
		pp.initialized.Store(true)
		pp.sink.UpdateStatus(datamodel.SyncValid, datamodel.SyncErrorInfo{})
		pp.signalReady(closeWhenReady)
	}
	return false
}

func (pp *PollProcessor) handlePollError(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		errInfo := datamodel.SyncErrorInfo{
			Kind:       syncErrorKindForStatus(statusErr.Code),
			StatusCode: statusErr.Code,
			Message:    "polling request rejected",
		}
		if !isHTTPErrorRecoverable(statusErr.Code) {
			pp.logger.Error("polling failed permanently, giving up",
				zap.Int("status", statusErr.Code),
			)
			pp.sink.UpdateStatus(datamodel.SyncOff, errInfo)
			return true
		}
		pp.logger.Warn("poll failed, will retry on next tick", zap.Int("status", statusErr.Code))
		pp.sink.UpdateStatus(datamodel.SyncInterrupted, errInfo)
		return false
	}

	var jsonErr *json.SyntaxError
	kind := datamodel.SyncErrorNetwork
	if errors.As(err, &jsonErr) {
		kind = datamodel.SyncErrorInvalidData
	}
	pp.logger.Warn("poll failed, will retry on next tick", zap.Error(err))
	pp.sink.UpdateStatus(datamodel.SyncInterrupted, datamodel.SyncErrorInfo{
		Kind:    kind,
		Message: err.Error(),
	})
	return false
}

func (pp *PollProcessor) signalReady(closeWhenReady chan<- struct{}) {
	pp.readyOnce.Do(func() { close(closeWhenReady) })
}
