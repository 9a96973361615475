package datasource

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

type upsertCall struct {
	kind datamodel.Kind
	key  string
	rec  datamodel.Record
}

// mockSink records everything a data source pushes into it.
type mockSink struct {
	mu      sync.Mutex
	inits   []datamodel.DataSet
	upserts []upsertCall
	states  []datamodel.SyncState
	notify  chan struct{}
}

func newMockSink() *mockSink {
	return &mockSink{notify: make(chan struct{}, 64)}
}

func (m *mockSink) Init(data datamodel.DataSet) bool {
	m.mu.Lock()
	m.inits = append(m.inits, data)
	m.mu.Unlock()
	m.ping()
	return true
}

func (m *mockSink) Upsert(kind datamodel.Kind, key string, rec datamodel.Record) bool {
	m.mu.Lock()
	m.upserts = append(m.upserts, upsertCall{kind, key, rec})
	m.mu.Unlock()
	m.ping()
	return true
}

func (m *mockSink) UpdateStatus(state datamodel.SyncState, _ datamodel.SyncErrorInfo) {
	m.mu.Lock()
	m.states = append(m.states, state)
	m.mu.Unlock()
	m.ping()
}

func (m *mockSink) ping() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// waitFor polls until cond is true or the deadline passes.
func (m *mockSink) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		m.mu.Lock()
		ok := cond()
		m.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-m.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (m *mockSink) sawState(state datamodel.SyncState) func() bool {
	return func() bool {
		for _, s := range m.states {
			if s == state {
				return true
			}
		}
		return false
	}
}

func testStreamConfig(uri string) StreamingConfig {
	return StreamingConfig{
		URI:                  uri,
		InitialRetryDelay:    10 * time.Millisecond,
		MaxRetryDelay:        40 * time.Millisecond,
		BackoffResetInterval: time.Minute,
		ReadTimeout:          5 * time.Second,
		Headers:              http.Header{"Authorization": []string{"sdk-test-key"}},
		HTTPClient:           &http.Client{},
	}
}

func sseWrite(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

const putPayload = `{"path":"/","data":{"flags":{"flag-a":{"version":1},"flag-b":{"version":2}},"segments":{}}}`

func TestStreamingInitialSyncAndPatches(t *testing.T) {
	events := make(chan [2]string, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sseWrite(w, "put", putPayload)
		for {
			select {
			case ev := <-events:
				sseWrite(w, ev[0], ev[1])
			case <-r.Context().Done():
				return
			}
		}
	}))
	defer server.Close()

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	sp := NewStreamProcessor(testStreamConfig(server.URL+"/all"), sink, logger)
	defer sp.Close()

	ready := make(chan struct{})
	sp.Start(ready)

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for readiness")
	}

	if !sp.IsInitialized() {
		t.Error("expected processor to be initialized after put")
	}
	sink.waitFor(t, "valid state", sink.sawState(datamodel.SyncValid))

	sink.mu.Lock()
	if len(sink.inits) != 1 {
		t.Fatalf("expected 1 init, got %d", len(sink.inits))
	}
	if got := len(sink.inits[0][datamodel.KindFlags]); got != 2 {
		t.Errorf("expected 2 flags in full sync, got %d", got)
	}
	sink.mu.Unlock()

	events <- [2]string{"patch", `{"path":"/flags/flag-a","data":{"version":3}}`}
	sink.waitFor(t, "patch upsert", func() bool { return len(sink.upserts) >= 1 })

	events <- [2]string{"delete", `{"path":"/flags/flag-b","version":4}`}
	sink.waitFor(t, "delete upsert", func() bool { return len(sink.upserts) >= 2 })

	// Unrecognized events and malformed payloads are ignored.
	events <- [2]string{"reconfigure", `{"whatever":true}`}
	events <- [2]string{"patch", `{invalid json`}
	events <- [2]string{"patch", `{"path":"/flags/flag-a","data":{"version":5}}`}
	sink.waitFor(t, "post-garbage patch", func() bool { return len(sink.upserts) >= 3 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.upserts[0].kind != datamodel.KindFlags || sink.upserts[0].rec.Version != 3 {
		t.Errorf("unexpected patch call: %+v", sink.upserts[0])
	}
	del := sink.upserts[1]
	if !del.rec.Deleted || del.rec.Version != 4 || del.key != "flag-b" {
		t.Errorf("unexpected delete call: %+v", del)
	}
	if sink.upserts[2].rec.Version != 5 {
		t.Errorf("expected stream to survive malformed payload, got %+v", sink.upserts[2])
	}
}

func TestStreamingUnauthorizedIsFatal(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	sp := NewStreamProcessor(testStreamConfig(server.URL+"/all"), sink, logger)
	defer sp.Close()

	ready := make(chan struct{})
	sp.Start(ready)

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("readiness must resolve even on permanent failure")
	}

	sink.waitFor(t, "off state", sink.sawState(datamodel.SyncOff))
	if sp.IsInitialized() {
		t.Error("expected processor to stay uninitialized")
	}

	// No reconnection attempts after the fatal failure.
	time.Sleep(100 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Errorf("expected exactly 1 connection attempt, got %d", n)
	}
}

func TestStreamingReconnectsAfterDrop(t *testing.T) {
	var connects atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sseWrite(w, "put", putPayload)
		if n == 1 {
			return // drop the first connection right after the full sync
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	sp := NewStreamProcessor(testStreamConfig(server.URL+"/all"), sink, logger)
	defer sp.Close()

	ready := make(chan struct{})
	sp.Start(ready)
	<-ready

	sink.waitFor(t, "interrupted state", sink.sawState(datamodel.SyncInterrupted))
	sink.waitFor(t, "second full sync", func() bool { return len(sink.inits) >= 2 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	// The reconnect must end with a Valid state after the resent full sync.
	last := sink.states[len(sink.states)-1]
	if last != datamodel.SyncValid {
		t.Errorf("expected valid after reconnect, got %s", last)
	}
}

func TestStreamingCloseIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sseWrite(w, "put", putPayload)
		<-r.Context().Done()
	}))
	defer server.Close()

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	sp := NewStreamProcessor(testStreamConfig(server.URL+"/all"), sink, logger)

	ready := make(chan struct{})
	sp.Start(ready)
	<-ready

	if err := sp.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sp.Close(); err != nil {
		t.Fatal(err)
	}

	sink.waitFor(t, "off state", sink.sawState(datamodel.SyncOff))
}
