package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

type sentBatch struct {
	payload []byte
	count   int
}

// scriptedSender hands each delivered batch to the test and answers with a
// scripted result, falling back to success once the script runs out.
type scriptedSender struct {
	mu      sync.Mutex
	results []SenderResult
	sent    chan sentBatch
}

func newScriptedSender(results ...SenderResult) *scriptedSender {
	return &scriptedSender{results: results, sent: make(chan sentBatch, 16)}
}

func (s *scriptedSender) Send(payload []byte, count int) SenderResult {
	s.sent <- sentBatch{payload: payload, count: count}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return SenderResult{Success: true}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func newTestProcessor(t *testing.T, sender EventSender, mutate func(*Config)) *Processor {
	t.Helper()
	cfg := Config{
		FlushInterval: time.Minute,
		SendCooldown:  time.Minute,
		Sender:        sender,
		Logger:        zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p := NewProcessor(cfg)
	t.Cleanup(p.Close)
	return p
}

func waitBatch(t *testing.T, sender *scriptedSender) []map[string]any {
	t.Helper()
	select {
	case b := <-sender.sent:
		var events []map[string]any
		if err := json.Unmarshal(b.payload, &events); err != nil {
			t.Fatalf("batch is not a JSON array: %v", err)
		}
		return events
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return nil
	}
}

func kindsOf(events []map[string]any) map[string]int {
	kinds := make(map[string]int)
	for _, ev := range events {
		kinds[ev["kind"].(string)]++
	}
	return kinds
}

func testContext(key string) datamodel.Context {
	return datamodel.Context{Kind: "user", Key: key}
}

func TestProcessorSummarizesEvaluations(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, nil)

	v := 1
	for i := 0; i < 100; i++ {
		p.RecordEvaluation(EvaluationData{
			FlagKey:        "flag-a",
			Context:        testContext("u1"),
			Value:          true,
			VariationIndex: &v,
			Version:        5,
			CreationDate:   Now(),
		})
	}
	p.Flush()

	events := waitBatch(t, sender)
	kinds := kindsOf(events)
	if kinds[kindIndex] != 1 {
		t.Errorf("expected 1 index event, got %d", kinds[kindIndex])
	}
	if kinds[kindSummary] != 1 {
		t.Fatalf("expected 1 summary event, got %d", kinds[kindSummary])
	}
	if kinds[kindFeature] != 0 {
		t.Errorf("untracked evaluations must not emit feature events, got %d", kinds[kindFeature])
	}

	for _, ev := range events {
		if ev["kind"] != kindSummary {
			continue
		}
		features := ev["features"].(map[string]any)
		flag := features["flag-a"].(map[string]any)
		counters := flag["counters"].([]any)
		if len(counters) != 1 {
			t.Fatalf("expected 1 counter, got %d", len(counters))
		}
		if count := counters[0].(map[string]any)["count"].(float64); count != 100 {
			t.Errorf("expected count 100, got %v", count)
		}
	}
}

func TestProcessorTrackedEvaluationEmitsFeatureEvent(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, nil)

	p.RecordEvaluation(EvaluationData{
		FlagKey:      "flag-a",
		Context:      testContext("u1"),
		Value:        true,
		Version:      5,
		TrackEvents:  true,
		CreationDate: Now(),
	})
	p.Flush()

	kinds := kindsOf(waitBatch(t, sender))
	if kinds[kindFeature] != 1 {
		t.Errorf("expected 1 feature event, got %d", kinds[kindFeature])
	}
}

func TestProcessorDebugEventGating(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, nil)

	base := EvaluationData{
		FlagKey:      "flag-a",
		Context:      testContext("u1"),
		Value:        true,
		Version:      5,
		CreationDate: Now(),
	}

	expired := base
	expired.DebugEventsUntilDate = Now() - 1000
	p.RecordEvaluation(expired)

	active := base
	active.DebugEventsUntilDate = Now() + time.Hour.Milliseconds()
	p.RecordEvaluation(active)

	p.Flush()

	events := waitBatch(t, sender)
	kinds := kindsOf(events)
	if kinds[kindDebug] != 1 {
		t.Fatalf("expected 1 debug event, got %d", kinds[kindDebug])
	}
	for _, ev := range events {
		if ev["kind"] == kindDebug {
			if _, ok := ev["context"]; !ok {
				t.Error("debug events must carry the full context")
			}
		}
	}
}

func TestProcessorDeduplicatesContextsPerWindow(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, nil)

	ev := EvaluationData{FlagKey: "flag-a", Context: testContext("u1"), Version: 1, CreationDate: Now()}
	p.RecordEvaluation(ev)
	p.RecordEvaluation(ev)
	ev.Context = testContext("u2")
	p.RecordEvaluation(ev)
	p.Flush()

	if kinds := kindsOf(waitBatch(t, sender)); kinds[kindIndex] != 2 {
		t.Errorf("expected one index event per distinct context, got %d", kinds[kindIndex])
	}

	// The dedup window resets at flush, so the same context indexes again.
	ev.Context = testContext("u1")
	p.RecordEvaluation(ev)
	p.Flush()

	if kinds := kindsOf(waitBatch(t, sender)); kinds[kindIndex] != 1 {
		t.Errorf("expected the context to be re-indexed after flush, got %d", kinds[kindIndex])
	}
}

func TestProcessorIdentify(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, nil)

	p.RecordIdentify(IdentifyData{Context: testContext("u1"), CreationDate: Now()})
	p.RecordEvaluation(EvaluationData{FlagKey: "flag-a", Context: testContext("u1"), Version: 1, CreationDate: Now()})
	p.Flush()

	kinds := kindsOf(waitBatch(t, sender))
	if kinds[kindIdentify] != 1 {
		t.Errorf("expected 1 identify event, got %d", kinds[kindIdentify])
	}
	if kinds[kindIndex] != 0 {
		t.Errorf("identify already registered the context, got %d index events", kinds[kindIndex])
	}
}

func TestProcessorCustomEvent(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, nil)

	metric := 2.5
	p.RecordCustom(CustomData{
		Key:          "purchase",
		Context:      testContext("u1"),
		MetricValue:  &metric,
		CreationDate: Now(),
	})
	p.Flush()

	events := waitBatch(t, sender)
	kinds := kindsOf(events)
	if kinds[kindCustom] != 1 || kinds[kindIndex] != 1 {
		t.Fatalf("expected 1 custom and 1 index event, got %v", kinds)
	}
	for _, ev := range events {
		if ev["kind"] == kindCustom {
			if ev["key"] != "purchase" {
				t.Errorf("unexpected key %v", ev["key"])
			}
			if ev["metricValue"].(float64) != 2.5 {
				t.Errorf("unexpected metric value %v", ev["metricValue"])
			}
		}
	}
}

func TestProcessorBackpressureDiscardsDuringCooldown(t *testing.T) {
	sender := newScriptedSender(SenderResult{Backpressure: true})
	p := newTestProcessor(t, sender, nil)

	p.RecordIdentify(IdentifyData{Context: testContext("u1"), CreationDate: Now()})
	p.Flush()
	waitBatch(t, sender)

	p.RecordIdentify(IdentifyData{Context: testContext("u2"), CreationDate: Now()})
	p.Flush()

	// The failed first batch counts as one drop; the cooldown discard of the
	// second batch brings the total to two.
	deadline := time.Now().Add(2 * time.Second)
	for p.DroppedEvents() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("expected the cooldown to drop the batch")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-sender.sent:
		t.Fatal("no batch should be delivered during the cooldown")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessorShutsDownOnUnauthorized(t *testing.T) {
	sender := newScriptedSender(SenderResult{MustShutdown: true})
	p := newTestProcessor(t, sender, nil)

	p.RecordIdentify(IdentifyData{Context: testContext("u1"), CreationDate: Now()})
	p.Flush()
	waitBatch(t, sender)

	// Wait for the shutdown result to take effect, then verify nothing else
	// is delivered.
	deadline := time.Now().Add(2 * time.Second)
	for !p.disabled.Load() {
		if time.Now().After(deadline) {
			t.Fatal("expected delivery to be disabled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.RecordIdentify(IdentifyData{Context: testContext("u2"), CreationDate: Now()})
	p.Flush()

	select {
	case <-sender.sent:
		t.Fatal("no batch should be delivered after shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProcessorCloseFlushesAndIsIdempotent(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, nil)

	p.RecordIdentify(IdentifyData{Context: testContext("u1"), CreationDate: Now()})
	p.Close()

	if kinds := kindsOf(waitBatch(t, sender)); kinds[kindIdentify] != 1 {
		t.Fatalf("Close must flush buffered events, got %v", kinds)
	}

	p.Close()

	p.RecordIdentify(IdentifyData{Context: testContext("u2"), CreationDate: Now()})
	select {
	case <-sender.sent:
		t.Fatal("events recorded after Close must be dropped")
	case <-time.After(50 * time.Millisecond):
	}
	if n := p.DroppedEvents(); n != 1 {
		t.Errorf("DroppedEvents = %d, the post-Close event must be counted", n)
	}
}

func TestProcessorBatchSplitting(t *testing.T) {
	sender := newScriptedSender()
	p := newTestProcessor(t, sender, func(cfg *Config) {
		cfg.BatchByteLimit = 200
	})

	for i := 0; i < 4; i++ {
		p.RecordIdentify(IdentifyData{Context: testContext("user-with-a-long-key-0123456789"), CreationDate: Now()})
	}
	p.Flush()

	total := 0
	deadline := time.After(2 * time.Second)
	for total < 4 {
		select {
		case b := <-sender.sent:
			if len(b.payload) > 200+100 {
				t.Errorf("batch of %d bytes far exceeds the limit", len(b.payload))
			}
			total += b.count
		case <-deadline:
			t.Fatalf("timed out, delivered %d of 4 events", total)
		}
	}
}

func TestDispatcherBufferCapacity(t *testing.T) {
	cfg := Config{Capacity: 2, Logger: zap.NewNop()}
	cfg.applyDefaults()
	cfg.Capacity = 2

	var serverTime atomic.Int64
	var disabled atomic.Bool
	var dropped atomic.Int64
	d := newDispatcher(cfg, make(chan batch, 1), &serverTime, &disabled, &dropped)

	for i := 0; i < 5; i++ {
		d.bufferEvent(identifyEventOutput{Kind: kindIdentify})
	}
	if len(d.buffer) != 2 {
		t.Errorf("buffer must be capped at 2, got %d", len(d.buffer))
	}
	if dropped.Load() != 3 {
		t.Errorf("expected 3 dropped events, got %d", dropped.Load())
	}
}
