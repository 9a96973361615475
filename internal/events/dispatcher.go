package events

import (
	"bytes"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

// flushMessage asks the dispatcher to flush immediately.
type flushMessage struct{}

// shutdownMessage asks the dispatcher to perform a final flush and stop.
// done is closed once the final batches have been handed to the sender.
type shutdownMessage struct {
	done chan struct{}
}

// batch is one serialized payload awaiting delivery.
type batch struct {
	payload []byte
	count   int
}

// dispatcher owns all event buffering state: the discrete-event buffer, the
// summary counters, and the context dedup window. It runs on a single
// goroutine; producers only ever post messages to the inbox.
type dispatcher struct {
	cfg Config

	buffer       []any
	summary      *eventSummary
	contextsSeen map[string]struct{}
	overflowed   bool

	sendQueue           chan batch
	lastKnownServerTime *atomic.Int64
	disabled            *atomic.Bool
	dropped             *atomic.Int64

	logger *zap.Logger
}

func newDispatcher(cfg Config, sendQueue chan batch, serverTime *atomic.Int64, disabled *atomic.Bool, dropped *atomic.Int64) *dispatcher {
	return &dispatcher{
		cfg:                 cfg,
		summary:             newEventSummary(),
		contextsSeen:        make(map[string]struct{}),
		sendQueue:           sendQueue,
		lastKnownServerTime: serverTime,
		disabled:            disabled,
		dropped:             dropped,
		logger:              cfg.Logger,
	}
}

// run is the dispatcher loop. The shutdown channel is separate from the
// inbox so that Close cannot be starved by a full inbox.
func (d *dispatcher) run(inbox <-chan any, shutdown <-chan shutdownMessage) {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbox:
			d.processMessage(msg)
		case <-ticker.C:
			d.flush()
		case m := <-shutdown:
			d.drainInbox(inbox)
			d.flush()
			close(d.sendQueue)
			close(m.done)
			return
		}
	}
}

func (d *dispatcher) processMessage(msg any) {
	switch m := msg.(type) {
	case EvaluationData:
		d.processEvaluation(m)
	case IdentifyData:
		d.processIdentify(m)
	case CustomData:
		d.processCustom(m)
	case flushMessage:
		d.flush()
	}
}

// drainInbox consumes events that were already enqueued when shutdown began,
// so the final flush covers them.
func (d *dispatcher) drainInbox(inbox <-chan any) {
	for {
		select {
		case msg := <-inbox:
			if _, isFlush := msg.(flushMessage); !isFlush {
				d.processMessage(msg)
			}
		default:
			return
		}
	}
}

func (d *dispatcher) processEvaluation(ev EvaluationData) {
	if !ev.ExcludeFromSummaries {
		d.summary.add(ev)
	}
	d.maybeIndexContext(ev.Context, ev.CreationDate)

	if ev.TrackEvents {
		d.bufferEvent(newFeatureEvent(ev, false))
	}
	if d.shouldDebug(ev) {
		d.bufferEvent(newFeatureEvent(ev, true))
	}
}

func (d *dispatcher) processIdentify(ev IdentifyData) {
	// An identify event carries the full context, so it doubles as the
	// index registration for this window.
	d.markContextSeen(ev.Context)
	d.bufferEvent(identifyEventOutput{
		Kind:         kindIdentify,
		CreationDate: ev.CreationDate,
		Context:      ev.Context,
	})
}

func (d *dispatcher) processCustom(ev CustomData) {
	d.maybeIndexContext(ev.Context, ev.CreationDate)
	d.bufferEvent(customEventOutput{
		Kind:         kindCustom,
		CreationDate: ev.CreationDate,
		Key:          ev.Key,
		ContextKeys:  contextKeysOf(ev.Context),
		Data:         ev.Data,
		MetricValue:  ev.MetricValue,
	})
}

// shouldDebug reports whether a debug copy of the evaluation should be kept.
// The expiry is also compared against the last known server clock, so a
// skewed local clock cannot keep debug events flowing after the remote
// stopped wanting them.
func (d *dispatcher) shouldDebug(ev EvaluationData) bool {
	if ev.DebugEventsUntilDate == 0 {
		return false
	}
	if ev.DebugEventsUntilDate <= Now() {
		return false
	}
	if server := d.lastKnownServerTime.Load(); server != 0 && ev.DebugEventsUntilDate <= server {
		return false
	}
	return true
}

// markContextSeen records the context in the dedup window, reporting whether
// it was new. A full window starts over rather than growing without bound.
func (d *dispatcher) markContextSeen(ctx datamodel.Context) bool {
	key := ctx.FullyQualifiedKey()
	if _, ok := d.contextsSeen[key]; ok {
		return false
	}
	if len(d.contextsSeen) >= d.cfg.ContextKeysCapacity {
		d.contextsSeen = make(map[string]struct{})
	}
	d.contextsSeen[key] = struct{}{}
	return true
}

// maybeIndexContext emits an index event the first time a context is seen in
// the current flush window.
func (d *dispatcher) maybeIndexContext(ctx datamodel.Context, creationDate int64) {
	if !d.markContextSeen(ctx) {
		return
	}
	d.bufferEvent(indexEventOutput{
		Kind:         kindIndex,
		CreationDate: creationDate,
		Context:      ctx,
	})
}

// bufferEvent appends a discrete event, dropping it when the buffer is at
// capacity. The overflow warning fires once per window to avoid log spam.
func (d *dispatcher) bufferEvent(ev any) {
	if len(d.buffer) >= d.cfg.Capacity {
		d.dropped.Add(1)
		if !d.overflowed {
			d.overflowed = true
			d.logger.Warn("event buffer at capacity, discrete events are being dropped",
				zap.Int("capacity", d.cfg.Capacity),
			)
		}
		return
	}
	d.buffer = append(d.buffer, ev)
}

// flush snapshots the buffer and summary, serializes them into size-bounded
// batches, and hands the batches to the sender queue. The queue handoff is
// non-blocking: if the sender is behind, the batch is dropped and counted.
func (d *dispatcher) flush() {
	if d.disabled.Load() {
		d.discardWindow()
		return
	}
	if len(d.buffer) == 0 && d.summary.empty() {
		return
	}

	outputs := make([]any, 0, len(d.buffer)+1)
	outputs = append(outputs, d.buffer...)
	if !d.summary.empty() {
		outputs = append(outputs, d.summary.snapshot())
	}

	for _, b := range d.buildBatches(outputs) {
		select {
		case d.sendQueue <- b:
		default:
			d.dropped.Add(int64(b.count))
			d.logger.Warn("flush queue full, dropping batch", zap.Int("events", b.count))
		}
	}
	d.discardWindow()
}

func (d *dispatcher) discardWindow() {
	d.buffer = d.buffer[:0]
	d.summary.reset()
	d.contextsSeen = make(map[string]struct{})
	d.overflowed = false
}

// buildBatches serializes the output events into one or more JSON-array
// payloads, splitting whenever a payload would exceed the byte limit. Every
// batch carries at least one event, so a single oversized event still ships.
func (d *dispatcher) buildBatches(outputs []any) []batch {
	var batches []batch
	var buf bytes.Buffer
	count := 0

	finish := func() {
		if count == 0 {
			return
		}
		buf.WriteByte(']')
		payload := make([]byte, buf.Len())
		copy(payload, buf.Bytes())
		batches = append(batches, batch{payload: payload, count: count})
		buf.Reset()
		count = 0
	}

	for _, ev := range outputs {
		data, err := json.Marshal(ev)
		if err != nil {
			d.dropped.Add(1)
			d.logger.Error("failed to serialize event, dropping", zap.Error(err))
			continue
		}
		if count > 0 && buf.Len()+len(data)+2 > d.cfg.BatchByteLimit {
			finish()
		}
		if count == 0 {
			buf.WriteByte('[')
		} else {
			buf.WriteByte(',')
		}
		buf.Write(data)
		count++
	}
	finish()
	return batches
}

// runSender is the single delivery goroutine. Batches are sent strictly in
// flush order; a backpressure response starts a cooldown during which queued
// batches are discarded rather than retried.
func runSender(queue <-chan batch, sender EventSender, cooldown time.Duration, serverTime *atomic.Int64, disabled *atomic.Bool, dropped *atomic.Int64, done chan<- struct{}, logger *zap.Logger) {
	defer close(done)

	var cooldownUntil time.Time
	for b := range queue {
		if disabled.Load() {
			dropped.Add(int64(b.count))
			continue
		}
		if now := timeNow(); now.Before(cooldownUntil) {
			dropped.Add(int64(b.count))
			logger.Debug("in backpressure cooldown, dropping batch",
				zap.Int("events", b.count),
				zap.Time("until", cooldownUntil),
			)
			continue
		}

		result := sender.Send(b.payload, b.count)
		if !result.TimeFromServer.IsZero() {
			serverTime.Store(result.TimeFromServer.UnixMilli())
		}
		if result.MustShutdown {
			disabled.Store(true)
			continue
		}
		if result.Backpressure {
			cooldownUntil = timeNow().Add(cooldown)
		}
		if !result.Success {
			dropped.Add(int64(b.count))
		}
	}
}
