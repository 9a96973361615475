package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCapacity            = 500
	defaultFlushInterval       = 30 * time.Second
	defaultContextKeysCapacity = 1000
	defaultBatchByteLimit      = 1024 * 1024
	defaultFlushQueueSize      = 5
	defaultSendCooldown        = 1 * time.Second

	closeFlushWait = 5 * time.Second
)

// Config controls the event processor. Zero values take defaults.
type Config struct {
	// Capacity bounds the discrete-event buffer and the inbox queue.
	Capacity int

	// FlushInterval is how often buffered events are delivered.
	FlushInterval time.Duration

	// ContextKeysCapacity bounds the per-window context dedup set.
	ContextKeysCapacity int

	// BatchByteLimit splits a flush into multiple payloads when the
	// serialized batch would exceed this many bytes.
	BatchByteLimit int

	// FlushQueueSize bounds how many batches may await delivery before the
	// dispatcher starts dropping them.
	FlushQueueSize int

	// SendCooldown is how long delivery pauses after a backpressure response.
	SendCooldown time.Duration

	Sender EventSender
	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.ContextKeysCapacity <= 0 {
		c.ContextKeysCapacity = defaultContextKeysCapacity
	}
	if c.BatchByteLimit <= 0 {
		c.BatchByteLimit = defaultBatchByteLimit
	}
	if c.FlushQueueSize <= 0 {
		c.FlushQueueSize = defaultFlushQueueSize
	}
	if c.SendCooldown <= 0 {
		c.SendCooldown = defaultSendCooldown
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Processor collects analytics events and delivers them in batches. Record
// calls never block: when the inbox is full the event is dropped and counted.
type Processor struct {
	inbox    chan any
	shutdown chan shutdownMessage

	senderDone chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	dropped      atomic.Int64
	disabled     atomic.Bool
	inboxWarning atomic.Bool

	logger *zap.Logger
}

// NewProcessor starts the dispatcher and sender goroutines.
func NewProcessor(cfg Config) *Processor {
	cfg.applyDefaults()

	p := &Processor{
		inbox:      make(chan any, cfg.Capacity),
		shutdown:   make(chan shutdownMessage, 1),
		senderDone: make(chan struct{}),
		logger:     cfg.Logger,
	}

	var serverTime atomic.Int64
	sendQueue := make(chan batch, cfg.FlushQueueSize)

	d := newDispatcher(cfg, sendQueue, &serverTime, &p.disabled, &p.dropped)
	go d.run(p.inbox, p.shutdown)
	go runSender(sendQueue, cfg.Sender, cfg.SendCooldown, &serverTime, &p.disabled, &p.dropped, p.senderDone, cfg.Logger)

	return p
}

// RecordEvaluation submits a flag evaluation for summarization and, depending
// on the flag's settings, discrete feature or debug events.
func (p *Processor) RecordEvaluation(ev EvaluationData) {
	p.post(ev)
}

// RecordIdentify submits an identify event for the given context.
func (p *Processor) RecordIdentify(ev IdentifyData) {
	p.post(ev)
}

// RecordCustom submits an application-defined tracking event.
func (p *Processor) RecordCustom(ev CustomData) {
	p.post(ev)
}

// Flush requests an immediate delivery of buffered events. It returns without
// waiting for the delivery to complete.
func (p *Processor) Flush() {
	p.post(flushMessage{})
}

// DroppedEvents reports how many events have been discarded, whether from a
// full inbox, a full buffer, a full delivery queue, failed sends, or
// recording after Close or a permanent shutdown.
func (p *Processor) DroppedEvents() int64 {
	return p.dropped.Load()
}

func (p *Processor) post(msg any) {
	_, isFlush := msg.(flushMessage)
	if p.closed.Load() || p.disabled.Load() {
		if !isFlush {
			p.dropped.Add(1)
		}
		return
	}
	select {
	case p.inbox <- msg:
	default:
		if isFlush {
			return
		}
		p.dropped.Add(1)
		if p.inboxWarning.CompareAndSwap(false, true) {
			p.logger.Warn("event inbox full, events are being dropped")
		}
	}
}

// Close performs a final flush and stops the background goroutines. It is
// safe to call more than once; events recorded after Close are dropped.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		m := shutdownMessage{done: make(chan struct{})}
		p.shutdown <- m

		timer := time.NewTimer(closeFlushWait)
		defer timer.Stop()

		select {
		case <-m.done:
		case <-timer.C:
			p.logger.Warn("timed out waiting for final event flush")
			return
		}
		select {
		case <-p.senderDone:
		case <-timer.C:
			p.logger.Warn("timed out waiting for event delivery to finish")
		}
	})
}
